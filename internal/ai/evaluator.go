package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"equity-screener/config"
	"equity-screener/internal/cache"
	"equity-screener/internal/candidate"
	"equity-screener/internal/circuit"
	"equity-screener/internal/logging"
	"equity-screener/internal/metrics"
)

// Store persists verdicts under the unique (run, instrument) key. It backs
// the cache when a cached verdict has expired or the cache was flushed.
// LoadEvaluation returns nil, nil when no verdict exists.
type Store interface {
	LoadEvaluation(ctx context.Context, runKey string, instrumentID int64) (*candidate.AIResult, error)
	SaveEvaluation(ctx context.Context, runKey string, instrumentID int64, r *candidate.AIResult) error
}

// Alerter receives breaker trips
type Alerter interface {
	PublishError(source, message string, err error)
}

// Deps are the evaluator's collaborators. Judge, Store and Alerts may be nil.
type Deps struct {
	Judge   Judge
	Cache   cache.Cache
	Store   Store
	Sink    candidate.Sink
	Metrics *metrics.Recorder
	Alerts  Alerter
	Logger  *logging.Logger
}

// Report summarises one evaluation pass
type Report struct {
	Submitted   int  `json:"submitted"`
	Calls       int  `json:"calls"`
	CacheHits   int  `json:"cache_hits"`
	Failures    int  `json:"failures"`
	Filtered    int  `json:"filtered"`
	Fallback    int  `json:"fallback"`
	CapReached  bool `json:"cap_reached"`
	BreakerOpen bool `json:"breaker_open"`

	// Candidates is the stage output: judged candidates ordered by
	// confidence, then fallback candidates ordered by quality
	Candidates []*candidate.Candidate `json:"-"`
	Excluded   []candidate.Exclusion  `json:"excluded,omitempty"`
}

// Evaluator runs the AI stage
type Evaluator struct {
	cfg     config.AIConfig
	judge   Judge
	cache   cache.Cache
	store   Store
	sink    candidate.Sink
	metrics *metrics.Recorder
	logger  *logging.Logger
	limiter *rate.Limiter
	breaker *circuit.Breaker
	now     func() time.Time
}

// NewEvaluator creates an evaluator. The limiter and breaker live for the
// evaluator's lifetime so pacing and trips carry across runs.
func NewEvaluator(cfg config.AIConfig, deps Deps) *Evaluator {
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory()
	}
	if deps.Sink == nil {
		deps.Sink = candidate.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	perMinute := cfg.PerMinute
	if perMinute < 1 {
		perMinute = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	e := &Evaluator{
		cfg:     cfg,
		judge:   deps.Judge,
		cache:   deps.Cache,
		store:   deps.Store,
		sink:    deps.Sink,
		metrics: deps.Metrics,
		logger:  deps.Logger.WithComponent("ai"),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		breaker: circuit.NewBreaker(circuit.Config{
			Enabled:             true,
			MaxConsecutiveFails: cfg.BreakerTrips,
			Cooldown:            cfg.BreakerReset,
		}),
		now: time.Now,
	}

	e.breaker.OnTrip(func(reason string) {
		e.logger.Warn("Judge circuit breaker opened, using fallback ranking", "reason", reason, "cooldown", cfg.BreakerReset)
		if deps.Alerts != nil {
			deps.Alerts.PublishError("ai", "judge circuit breaker opened", errors.New(reason))
		}
	})
	e.breaker.OnReset(func() {
		e.logger.Info("Judge circuit breaker closed")
	})
	return e
}

// Breaker exposes the judge breaker for health reporting
func (e *Evaluator) Breaker() *circuit.Breaker {
	return e.breaker
}

// SortByPriority orders candidates by composite score, then quality score
func SortByPriority(cs []*candidate.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if a, b := cs[i].CompositeScore(), cs[j].CompositeScore(); a != b {
			return a > b
		}
		if a, b := cs[i].QualityScore(), cs[j].QualityScore(); a != b {
			return a > b
		}
		return cs[i].Instrument.ID < cs[j].Instrument.ID
	})
}

// Evaluate judges the READY and ACCUMULATE candidates in priority order.
// Verdicts are reused per (run, instrument); a candidate is never submitted
// twice for the same run. Candidates the judge could not assess fall back to
// quality ordering and stay in the funnel.
func (e *Evaluator) Evaluate(ctx context.Context, runKey string, cs []*candidate.Candidate) *Report {
	start := e.now()
	rep := &Report{}
	log := e.logger.WithField("run_key", runKey)

	queue := make([]*candidate.Candidate, 0, len(cs))
	for _, c := range cs {
		if c.Status().Actionable() {
			queue = append(queue, c)
		}
	}
	SortByPriority(queue)

	var judged, fallback []*candidate.Candidate
	enabled := e.cfg.Enabled && e.judge != nil

	for _, c := range queue {
		res := e.evaluateOne(ctx, runKey, c, enabled, rep, log)
		c.SetAI(res)

		switch res.Status {
		case candidate.AIEvaluated, candidate.AICached:
			if res.Avoid || res.Confidence < e.cfg.MinConfidence {
				res.Status = candidate.AIFiltered
				rep.Filtered++
				c.Note("ai: filtered (confidence %.1f, avoid=%t)", res.Confidence, res.Avoid)
				rep.Excluded = append(rep.Excluded, exclusion(c, filterReason(res, e.cfg.MinConfidence)))
				continue
			}
			c.Note("ai: confidence %.1f, %s risk, %s horizon", res.Confidence, res.RiskCategory, res.Timeframe)
			judged = append(judged, c)
		default:
			rep.Fallback++
			fallback = append(fallback, c)
		}
	}

	sort.SliceStable(judged, func(i, j int) bool {
		a, _ := judged[i].AI()
		b, _ := judged[j].AI()
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return judged[i].QualityScore() > judged[j].QualityScore()
	})
	sort.SliceStable(fallback, func(i, j int) bool {
		if a, b := fallback[i].QualityScore(), fallback[j].QualityScore(); a != b {
			return a > b
		}
		return fallback[i].Instrument.ID < fallback[j].Instrument.ID
	})

	out := append(judged, fallback...)
	if limit := e.cfg.Limit; limit > 0 && len(out) > limit {
		for _, c := range out[limit:] {
			c.Note("ai: beyond limit of %d", limit)
			rep.Excluded = append(rep.Excluded, exclusion(c, fmt.Sprintf("beyond AI stage limit %d", limit)))
		}
		out = out[:limit]
	}
	rep.Candidates = out

	for _, c := range queue {
		if err := e.sink.SaveCandidate(ctx, runKey, candidate.StageAI, c); err != nil {
			log.Warn("Failed to persist AI stage", "symbol", c.Instrument.Symbol, "error", err)
		}
	}

	rep.BreakerOpen = e.breaker.State() == circuit.StateOpen
	log.Info("AI evaluation complete",
		"submitted", rep.Submitted,
		"calls", rep.Calls,
		"cache_hits", rep.CacheHits,
		"failures", rep.Failures,
		"filtered", rep.Filtered,
		"fallback", rep.Fallback,
		"cap_reached", rep.CapReached,
		"duration", e.now().Sub(start))
	return rep
}

// evaluateOne resolves a verdict for c without ever calling the judge twice
// for the same (run, instrument)
func (e *Evaluator) evaluateOne(ctx context.Context, runKey string, c *candidate.Candidate, enabled bool, rep *Report, log *logging.Logger) *candidate.AIResult {
	id := c.Instrument.ID
	log = log.WithField("symbol", c.Instrument.Symbol)

	if cached := e.lookup(ctx, runKey, id, log); cached != nil {
		rep.CacheHits++
		e.metrics.AIEvaluation("cached")
		cached.Status = candidate.AICached
		return cached
	}

	if !enabled {
		return fallbackResult("ai disabled")
	}
	if rep.CapReached {
		return fallbackResult("daily AI call cap reached")
	}
	if ok, reason := e.breaker.Allow(); !ok {
		rep.BreakerOpen = true
		e.metrics.AIEvaluation("breaker_open")
		return fallbackResult(reason)
	}
	if ctx.Err() != nil {
		return fallbackResult("run cancelled")
	}

	claimKey := cache.AIEvalKey(runKey, id)
	claimed, err := e.cache.SetNX(ctx, claimKey, e.now().UTC().Format(time.RFC3339), e.cfg.CacheTTL)
	if err != nil {
		log.Warn("Idempotency claim unavailable, skipping judge", "error", err)
		return fallbackResult("idempotency claim unavailable")
	}
	if !claimed {
		return fallbackResult("evaluation already claimed for this run")
	}

	if !e.reserveCall(ctx, rep, log) {
		e.release(ctx, claimKey, log)
		return fallbackResult("daily AI call cap reached")
	}

	if err := e.limiter.Wait(ctx); err != nil {
		e.release(ctx, claimKey, log)
		return fallbackResult("rate limiter: " + err.Error())
	}

	rep.Submitted++
	rep.Calls++
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	verdict, err := e.judge.Evaluate(callCtx, BuildContext(c))
	cancel()

	if err == nil {
		verdict, err = Normalize(verdict)
	}
	if err != nil {
		e.breaker.RecordFailure(err)
		e.release(ctx, claimKey, log)
		rep.Failures++
		e.metrics.AIEvaluation("failed")
		log.Warn("Judge call failed, falling back to quality ranking", "error", err)
		return &candidate.AIResult{Status: candidate.AIFailed, Error: err.Error()}
	}
	e.breaker.RecordSuccess()
	e.metrics.AIEvaluation("evaluated")

	res := &candidate.AIResult{
		Status:       candidate.AIEvaluated,
		Confidence:   verdict.Confidence,
		RiskCategory: verdict.RiskCategory,
		Timeframe:    verdict.Timeframe,
		Avoid:        verdict.Avoid,
		Rationale:    verdict.Rationale,
	}
	e.remember(ctx, runKey, id, res, log)
	return res
}

// lookup returns a stored verdict from the cache, then the store
func (e *Evaluator) lookup(ctx context.Context, runKey string, id int64, log *logging.Logger) *candidate.AIResult {
	raw, err := e.cache.Get(ctx, cache.AIResultKey(runKey, id))
	if err == nil {
		var res candidate.AIResult
		if jerr := json.Unmarshal([]byte(raw), &res); jerr == nil {
			return &res
		}
		log.Warn("Discarding unreadable cached verdict")
	} else if !errors.Is(err, cache.ErrMiss) {
		log.Debug("Verdict cache unavailable", "error", err)
	}

	if e.store == nil {
		return nil
	}
	res, err := e.store.LoadEvaluation(ctx, runKey, id)
	if err != nil {
		log.Debug("Verdict store lookup failed", "error", err)
		return nil
	}
	return res
}

// remember writes a fresh verdict to the cache and the store
func (e *Evaluator) remember(ctx context.Context, runKey string, id int64, res *candidate.AIResult, log *logging.Logger) {
	if data, err := json.Marshal(res); err == nil {
		if err := e.cache.Set(ctx, cache.AIResultKey(runKey, id), string(data), e.cfg.CacheTTL); err != nil {
			log.Warn("Failed to cache verdict", "error", err)
		}
	}
	if e.store != nil {
		if err := e.store.SaveEvaluation(ctx, runKey, id, res); err != nil {
			log.Warn("Failed to persist verdict", "error", err)
		}
	}
}

// reserveCall counts one call against today's cap. An unavailable counter
// reserves nothing so the cap cannot be silently exceeded.
func (e *Evaluator) reserveCall(ctx context.Context, rep *Report, log *logging.Logger) bool {
	if e.cfg.DailyCap <= 0 {
		rep.CapReached = true
		return false
	}
	key := cache.AICallsKey(e.now().Format("2006-01-02"))
	n, err := e.cache.Incr(ctx, key, cache.DailyCounterTTL)
	if err != nil {
		log.Warn("Daily AI counter unavailable, treating cap as reached", "error", err)
		rep.CapReached = true
		return false
	}
	if n > int64(e.cfg.DailyCap) {
		if !rep.CapReached {
			log.Warn("Daily AI call cap reached", "cap", e.cfg.DailyCap)
		}
		rep.CapReached = true
		e.metrics.AIEvaluation("capped")
		return false
	}
	return true
}

// release drops an idempotency claim so a later run may retry
func (e *Evaluator) release(ctx context.Context, key string, log *logging.Logger) {
	if err := e.cache.Delete(ctx, key); err != nil {
		log.Debug("Failed to release evaluation claim", "key", key, "error", err)
	}
}

func fallbackResult(reason string) *candidate.AIResult {
	return &candidate.AIResult{Status: candidate.AIFallback, Error: reason}
}

func filterReason(res *candidate.AIResult, min float64) string {
	if res.Avoid {
		return "AI flagged avoid"
	}
	return fmt.Sprintf("AI confidence %.1f below %.1f", res.Confidence, min)
}

func exclusion(c *candidate.Candidate, reason string) candidate.Exclusion {
	return candidate.Exclusion{
		InstrumentID: c.Instrument.ID,
		Symbol:       c.Instrument.Symbol,
		Stage:        candidate.StageAI,
		Reason:       reason,
	}
}
