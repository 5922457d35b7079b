// Package pipeline wires the screening stages into one run: universe,
// screener, setup, quality, plan, AI and final selection.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"equity-screener/config"
	"equity-screener/internal/ai"
	"equity-screener/internal/cache"
	"equity-screener/internal/candidate"
	"equity-screener/internal/logging"
	"equity-screener/internal/market"
	"equity-screener/internal/metrics"
	"equity-screener/internal/portfolio"
	"equity-screener/internal/quality"
	"equity-screener/internal/risk"
	"equity-screener/internal/screener"
	"equity-screener/internal/selection"
	"equity-screener/internal/setup"
	"equity-screener/internal/universe"
)

// RunStore records run lifecycle
type RunStore interface {
	StartRun(ctx context.Context, run *candidate.Run) error
	CompleteRun(ctx context.Context, run *candidate.Run) error
}

// RunObserver is told about run lifecycle changes, each selected
// candidate, and failures worth alerting on
type RunObserver interface {
	PublishRun(run *candidate.Run)
	PublishCandidate(runKey string, c *candidate.Candidate)
	PublishError(source, message string, err error)
}

// Deps are the pipeline's collaborators. Only Source and Store are
// required for a useful run; the rest degrade to no-ops or defaults.
type Deps struct {
	Source    market.UniverseSource
	Store     market.CandleStore
	Sectors   market.SectorLookup
	Portfolio portfolio.Service
	Judge     ai.Judge
	Verdicts  ai.Store
	Cache     cache.Cache
	Runs      RunStore
	Sink      candidate.Sink
	Observer  RunObserver
	Metrics   *metrics.Recorder
	Logger    *logging.Logger
}

// Request starts a run. Instruments, when set, replace the universe
// source; Symbols restricts the loaded universe.
type Request struct {
	Type        candidate.ScreenerType `json:"type"`
	RunID       *string                `json:"run_id,omitempty"`
	Symbols     []string               `json:"symbols,omitempty"`
	Instruments []market.Instrument    `json:"-"`
}

// Result is everything a run produced
type Result struct {
	Run         *candidate.Run                `json:"run"`
	Screener    *screener.Report              `json:"screener,omitempty"`
	Setups      map[candidate.SetupStatus]int `json:"setups,omitempty"`
	Portfolio   *portfolio.Snapshot           `json:"portfolio,omitempty"`
	AI          *ai.Report                    `json:"ai,omitempty"`
	Selection   *selection.Result             `json:"selection,omitempty"`
	Exclusions  []candidate.Exclusion         `json:"exclusions,omitempty"`
	StageCounts map[string]int                `json:"stage_counts"`

	// Candidates is every screened candidate with its reason trail
	Candidates []*candidate.Candidate `json:"candidates"`
}

// Selected returns the final selection, tier order
func (r *Result) Selected() []*candidate.Candidate {
	if r == nil || r.Selection == nil {
		return nil
	}
	return r.Selection.Selected
}

// Pipeline runs screener funnels. One Pipeline serves both screener types
// and is safe for sequential reuse; the AI evaluator's pacing and breaker
// carry across runs.
type Pipeline struct {
	cfg       *config.Config
	deps      Deps
	screeners map[candidate.ScreenerType]*screener.Screener
	detector  *setup.Detector
	ranker    *quality.Ranker
	planner   *risk.PlanBuilder
	evaluator *ai.Evaluator
	selector  *selection.Selector
	logger    *logging.Logger
	now       func() time.Time
}

// New builds a pipeline from configuration and collaborators
func New(cfg *config.Config, deps Deps) *Pipeline {
	if deps.Sink == nil {
		deps.Sink = candidate.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory()
	}

	filter := universe.NewFilter(cfg.Universe)
	p := &Pipeline{
		cfg:       cfg,
		deps:      deps,
		screeners: make(map[candidate.ScreenerType]*screener.Screener, 2),
		detector:  setup.NewDetector(cfg.Setup, deps.Sink, deps.Logger),
		ranker:    quality.NewRanker(cfg.Quality),
		planner:   risk.NewPlanBuilder(cfg.Plan, deps.Sink, deps.Logger),
		evaluator: ai.NewEvaluator(cfg.AI, ai.Deps{
			Judge:   deps.Judge,
			Cache:   deps.Cache,
			Store:   deps.Verdicts,
			Sink:    deps.Sink,
			Metrics: deps.Metrics,
			Alerts:  deps.Observer,
			Logger:  deps.Logger,
		}),
		selector: selection.NewSelector(cfg.Selection, deps.Sink, deps.Metrics, deps.Logger),
		logger:   deps.Logger.WithComponent("pipeline"),
		now:      time.Now,
	}
	for _, t := range []candidate.ScreenerType{candidate.TypeSwing, candidate.TypeLongterm} {
		p.screeners[t] = screener.New(screener.ForType(t, cfg), screener.Deps{
			Store:     deps.Store,
			Sectors:   deps.Sectors,
			Sink:      deps.Sink,
			Universe:  filter,
			Structure: cfg.Structure,
			Metrics:   deps.Metrics,
			Logger:    deps.Logger,
		})
	}
	return p
}

// Evaluator exposes the AI stage for health reporting
func (p *Pipeline) Evaluator() *ai.Evaluator {
	return p.evaluator
}

// Run executes one funnel. Only an unloadable universe or a cancelled
// context returns an error; every other failure is recorded on candidates.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown screener type %q", req.Type)
	}

	now := p.now()
	run := &candidate.Run{
		ID:        uuid.NewString(),
		Key:       candidate.RunKey(req.RunID, req.Type, now),
		Type:      req.Type,
		Status:    candidate.RunRunning,
		StartedAt: now.UTC(),
	}
	log := logging.RunContext(p.logger, run.Key, string(req.Type))
	res := &Result{Run: run, StageCounts: make(map[string]int)}

	instruments := req.Instruments
	if instruments == nil {
		var err error
		instruments, err = universe.Load(ctx, p.deps.Source, p.cfg.Universe.Segment, req.Symbols)
		if err != nil {
			p.finish(ctx, run, err, log)
			return res, err
		}
	}
	run.UniverseSize = len(instruments)

	if p.deps.Runs != nil {
		if err := p.deps.Runs.StartRun(ctx, run); err != nil {
			log.Warn("Failed to record run start", "error", err)
		}
	}
	p.remember(ctx, run, log)
	if p.deps.Observer != nil {
		p.deps.Observer.PublishRun(run)
	}
	log.Info("Run started", "run_id", run.ID, "universe", run.UniverseSize)

	// Screener
	scr, err := p.screeners[req.Type].Run(ctx, run.Key, instruments)
	if err != nil {
		p.finish(ctx, run, err, log)
		return res, err
	}
	res.Screener = scr
	res.Candidates = scr.Candidates
	res.Exclusions = append(res.Exclusions, scr.Exclusions...)
	res.StageCounts[candidate.StageScreener] = len(scr.Candidates)
	run.Candidates = len(scr.Candidates)

	// Portfolio view, read once
	ids := make([]int64, len(scr.Candidates))
	for i, c := range scr.Candidates {
		ids[i] = c.Instrument.ID
	}
	snap := portfolio.Take(ctx, p.deps.Portfolio, portfolio.BucketFor(req.Type), ids, p.cfg.Portfolio, p.logger)
	res.Portfolio = snap

	// Setup
	start := p.now()
	res.Setups = p.detector.Apply(ctx, run.Key, scr.Candidates, snap)
	actionable := setup.Actionable(scr.Candidates)
	p.stageDone(ctx, run, candidate.StageSetup, len(actionable), start, res)

	// Quality
	start = p.now()
	ranked := p.ranker.Rank(actionable, p.cfg.Quality.TopN)
	inTop := make(map[*candidate.Candidate]bool, len(ranked))
	for _, c := range ranked {
		inTop[c] = true
		if err := p.deps.Sink.SaveCandidate(ctx, run.Key, candidate.StageQuality, c); err != nil {
			log.Warn("Failed to save quality stage", "symbol", c.Instrument.Symbol, "error", err)
		}
	}
	for _, c := range actionable {
		if !inTop[c] {
			c.Note("quality: outside top %d", p.cfg.Quality.TopN)
			res.Exclusions = append(res.Exclusions, candidate.Exclusion{
				InstrumentID: c.Instrument.ID,
				Symbol:       c.Instrument.Symbol,
				Stage:        candidate.StageQuality,
				Reason:       fmt.Sprintf("outside quality top %d", p.cfg.Quality.TopN),
			})
		}
	}
	p.stageDone(ctx, run, candidate.StageQuality, len(ranked), start, res)

	// Plans
	start = p.now()
	planned, rejected := p.planner.Apply(ctx, run.Key, ranked, snap.Budget())
	res.Exclusions = append(res.Exclusions, rejected...)
	p.stageDone(ctx, run, candidate.StagePlan, len(planned), start, res)

	// AI
	start = p.now()
	aiRep := p.evaluator.Evaluate(ctx, run.Key, planned)
	res.AI = aiRep
	res.Exclusions = append(res.Exclusions, aiRep.Excluded...)
	run.AICalls = int64(aiRep.Calls)
	run.AICacheHits = int64(aiRep.CacheHits)
	run.AIFailures = int64(aiRep.Failures)
	p.stageDone(ctx, run, candidate.StageAI, len(aiRep.Candidates), start, res)

	// Selection
	start = p.now()
	sel := p.selector.Select(ctx, run.Key, aiRep.Candidates, snap)
	res.Selection = sel
	res.Exclusions = append(res.Exclusions, sel.Rejected...)
	run.Selected = len(sel.Selected)
	p.stageDone(ctx, run, candidate.StageSelection, len(sel.Selected), start, res)
	if p.deps.Observer != nil {
		for _, c := range sel.Selected {
			p.deps.Observer.PublishCandidate(run.Key, c)
		}
	}

	p.finish(ctx, run, nil, log)
	return res, nil
}

// stageDone records stage metrics and publishes a completion event
func (p *Pipeline) stageDone(ctx context.Context, run *candidate.Run, stage string, n int, start time.Time, res *Result) {
	res.StageCounts[stage] = n
	p.deps.Metrics.StageCandidates(string(run.Type), stage, n)
	p.deps.Metrics.ObserveStage(string(run.Type), stage, p.now().Sub(start))

	err := p.deps.Sink.Publish(ctx, candidate.Progress{
		RunID:      run.Key,
		Stage:      stage,
		Total:      int64(run.Candidates),
		Processed:  int64(run.Candidates),
		Candidates: int64(n),
		Status:     candidate.ProgressCompleted,
		At:         p.now().UTC(),
	})
	if err != nil {
		p.logger.Warn("Failed to publish stage progress", "stage", stage, "error", err)
	}
}

// finish closes the run record
func (p *Pipeline) finish(ctx context.Context, run *candidate.Run, runErr error, log *logging.Logger) {
	completed := p.now().UTC()
	run.CompletedAt = &completed
	run.Status = candidate.RunCompleted
	if runErr != nil {
		run.Status = candidate.RunFailed
		run.Error = runErr.Error()
	}

	// The record must be written even when the run's context was cancelled
	wctx := context.WithoutCancel(ctx)
	if p.deps.Runs != nil {
		if err := p.deps.Runs.CompleteRun(wctx, run); err != nil {
			log.Warn("Failed to record run completion", "error", err)
		}
	}
	p.remember(wctx, run, log)
	if p.deps.Observer != nil {
		p.deps.Observer.PublishRun(run)
		if runErr != nil {
			p.deps.Observer.PublishError("pipeline", "run "+run.Key+" failed", runErr)
		}
	}
	p.deps.Metrics.RunFinished(string(run.Type), string(run.Status))

	if runErr != nil {
		log.Error("Run failed", "error", runErr)
		return
	}
	log.Info("Run complete",
		"candidates", run.Candidates,
		"selected", run.Selected,
		"ai_calls", run.AICalls,
		"ai_cache_hits", run.AICacheHits,
		"duration", completed.Sub(run.StartedAt))
}

// remember caches the latest run record for status queries
func (p *Pipeline) remember(ctx context.Context, run *candidate.Run, log *logging.Logger) {
	data, err := json.Marshal(run)
	if err != nil {
		return
	}
	if err := p.deps.Cache.Set(ctx, cache.RunSummaryKey(run.Key), string(data), cache.ProgressTTL); err != nil {
		log.Debug("Failed to cache run summary", "error", err)
	}
}
