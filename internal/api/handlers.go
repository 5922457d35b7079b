package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"equity-screener/internal/cache"
	"equity-screener/internal/candidate"
	"equity-screener/internal/events"
	"equity-screener/internal/pipeline"
)

type startRunRequest struct {
	Type    string   `json:"type" binding:"required"`
	RunID   *string  `json:"run_id" binding:"omitempty,max=100"`
	Symbols []string `json:"symbols" binding:"omitempty,max=500,dive,required"`
}

// handleStartRun starts a background run and returns its run key
func (s *Server) handleStartRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	typ, err := candidate.ParseType(req.Type)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Runner == nil {
		errorResponse(c, http.StatusServiceUnavailable, "runs are not enabled on this instance")
		return
	}

	key, err := s.deps.Runner.Start(pipeline.Request{
		Type:    typ,
		RunID:   req.RunID,
		Symbols: req.Symbols,
	})
	if errors.Is(err, ErrRunInProgress) {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data": gin.H{
			"run_id": key,
			"status": candidate.RunRunning,
		},
	})
}

// handleGetRun returns a run record by id or run key
func (s *Server) handleGetRun(c *gin.Context) {
	id := c.Param("id")

	if s.deps.Runner != nil {
		if res, ok := s.deps.Runner.Result(id); ok {
			successResponse(c, res.Run)
			return
		}
	}

	if s.deps.Cache != nil {
		if raw, err := s.deps.Cache.Get(c.Request.Context(), cache.RunSummaryKey(id)); err == nil {
			var run candidate.Run
			if json.Unmarshal([]byte(raw), &run) == nil {
				successResponse(c, &run)
				return
			}
		}
	}

	if s.deps.Runs != nil {
		run, err := s.deps.Runs.GetRun(c.Request.Context(), id)
		if err == nil {
			successResponse(c, run)
			return
		}
		s.logger.Debug("Run lookup failed", "id", id, "error", err)
	}

	errorResponse(c, http.StatusNotFound, "run not found")
}

// handleListRuns returns recent runs, newest first. ?type= narrows to one
// screener type.
func (s *Server) handleListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 200 {
		errorResponse(c, http.StatusBadRequest, "limit must be between 1 and 200")
		return
	}
	var typ candidate.ScreenerType
	if raw := c.Query("type"); raw != "" {
		if typ, err = candidate.ParseType(raw); err != nil {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	if s.deps.Runs == nil {
		errorResponse(c, http.StatusServiceUnavailable, "run history requires a database")
		return
	}
	runs, err := s.deps.Runs.ListRuns(c.Request.Context(), typ, limit)
	if err != nil {
		s.logger.Error("Failed to list runs", "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to list runs")
		return
	}
	successResponse(c, runs)
}

// handleGetCandidates returns a run's candidates. ?stage= narrows to one
// stage; stage=selection returns the final tiered list.
func (s *Server) handleGetCandidates(c *gin.Context) {
	id := c.Param("id")
	stage := c.Query("stage")

	if s.deps.Runner != nil {
		if res, ok := s.deps.Runner.Result(id); ok {
			out := res.Candidates
			if stage == candidate.StageSelection {
				out = res.Selected()
			}
			successResponse(c, gin.H{"run": res.Run, "candidates": out, "exclusions": res.Exclusions})
			return
		}
	}

	if s.deps.Runs == nil {
		errorResponse(c, http.StatusNotFound, "run not found")
		return
	}
	run, err := s.deps.Runs.GetRun(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, http.StatusNotFound, "run not found")
		return
	}
	cs, err := s.deps.Runs.LoadCandidates(c.Request.Context(), run.Key, stage)
	if err != nil {
		s.logger.Error("Failed to load candidates", "run_key", run.Key, "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to load candidates")
		return
	}
	if stage == candidate.StageSelection {
		cs = selectedOnly(cs)
	}
	successResponse(c, gin.H{"run": run, "candidates": cs})
}

// handleResetBreaker closes the AI judge breaker so the next run calls the
// judge again without waiting out the cooldown
func (s *Server) handleResetBreaker(c *gin.Context) {
	if s.deps.Breaker == nil {
		errorResponse(c, http.StatusServiceUnavailable, "AI breaker is not configured")
		return
	}
	s.deps.Breaker.ForceReset()
	s.logger.Info("AI breaker reset by request", "client_ip", c.ClientIP())
	successResponse(c, s.deps.Breaker.Stats())
}

// handleGetProgress returns the latest progress snapshot
func (s *Server) handleGetProgress(c *gin.Context) {
	if s.deps.Cache == nil {
		errorResponse(c, http.StatusServiceUnavailable, "progress requires a cache")
		return
	}
	p, err := events.LatestProgress(c.Request.Context(), s.deps.Cache, c.Param("id"))
	if errors.Is(err, cache.ErrMiss) {
		errorResponse(c, http.StatusNotFound, "no progress for run")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, p)
}

// selectedOnly keeps admitted candidates in tier then rank order
func selectedOnly(cs []*candidate.Candidate) []*candidate.Candidate {
	out := make([]*candidate.Candidate, 0, len(cs))
	for _, c := range cs {
		if sel, ok := c.Selection(); ok && sel.Selected {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := out[i].Selection()
		b, _ := out[j].Selection()
		return a.Rank < b.Rank
	})
	return out
}
