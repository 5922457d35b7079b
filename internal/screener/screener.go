// Package screener scores the eligible universe on indicator confluence and
// multi-timeframe alignment. One implementation serves both the swing and
// longterm styles; a Profile carries the differences.
package screener

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"equity-screener/internal/analysis"
	"equity-screener/internal/candidate"
	"equity-screener/internal/indicators"
	"equity-screener/internal/logging"
	"equity-screener/internal/market"
	"equity-screener/internal/metrics"
	"equity-screener/internal/universe"
)

// Deps are the collaborators a Screener needs
type Deps struct {
	Store     market.CandleStore
	Sectors   market.SectorLookup
	Sink      candidate.Sink
	Universe  *universe.Filter
	Structure analysis.StructureConfig
	Metrics   *metrics.Recorder
	Logger    *logging.Logger
}

// Report summarises one screener pass
type Report struct {
	RunKey     string                 `json:"run_key"`
	Type       candidate.ScreenerType `json:"type"`
	Total      int                    `json:"total"`
	Eligible   int                    `json:"eligible"`
	Analyzed   int64                  `json:"analyzed"`
	Skipped    int64                  `json:"skipped"`
	Failed     int64                  `json:"failed"`
	Candidates []*candidate.Candidate `json:"-"`
	Exclusions []candidate.Exclusion  `json:"exclusions,omitempty"`
	Duration   time.Duration          `json:"duration"`
}

// Screener runs the screening stage for one profile
type Screener struct {
	profile Profile
	deps    Deps
	mtf     *analysis.MTFAnalyzer
	trend   *analysis.TrendAnalyzer
	logger  *logging.Logger
}

// New creates a screener
func New(profile Profile, deps Deps) *Screener {
	if deps.Sink == nil {
		deps.Sink = candidate.NopSink{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Screener{
		profile: profile,
		deps:    deps,
		mtf:     analysis.NewMTFAnalyzer(nil),
		trend:   analysis.NewTrendAnalyzer(deps.Structure),
		logger:  logger.WithComponent("screener").WithField("screener_type", string(profile.Type)),
	}
}

// Profile returns the screener's profile
func (s *Screener) Profile() Profile {
	return s.profile
}

// Run screens instruments and returns the candidates whose composite score
// reaches the threshold, highest first. Individual instrument failures are
// counted and never abort the run; only context cancellation does.
func (s *Screener) Run(ctx context.Context, runKey string, instruments []market.Instrument) (*Report, error) {
	start := time.Now()
	cfg := s.profile.Config()

	report := &Report{RunKey: runKey, Type: s.profile.Type, Total: len(instruments)}

	if cfg.EnsureFresh && s.deps.Store != nil && len(instruments) > 0 {
		ids := make([]int64, len(instruments))
		for i, inst := range instruments {
			ids[i] = inst.ID
		}
		if err := s.deps.Store.EnsureFresh(ctx, ids); err != nil {
			s.logger.Warn("Candle refresh failed, screening stored data", "error", err)
		}
	}

	eligible := instruments
	if s.deps.Universe != nil {
		var counter universe.CandleCounter
		if s.deps.Store != nil {
			counter = s.deps.Store
		}
		eligible, report.Exclusions = s.deps.Universe.Apply(ctx, instruments, counter, s.profile.Requirements())
	}
	report.Eligible = len(eligible)

	s.logger.Info("Screening universe", "run_key", runKey, "total", len(instruments), "eligible", len(eligible))

	// Series are loaded fresh for every run
	loader := analysis.NewSeriesLoader(s.deps.Store)

	var processed, analyzed, skipped, failed, kept atomic.Int64
	results := make([]*candidate.Candidate, len(eligible))
	every := int64(max(cfg.ProgressEvery, 1))
	publish := func(status candidate.ProgressStatus) {
		p := candidate.Progress{
			RunID:      runKey,
			Stage:      candidate.StageScreener,
			Total:      int64(len(eligible)),
			Processed:  processed.Load(),
			Analyzed:   analyzed.Load(),
			Skipped:    skipped.Load(),
			Failed:     failed.Load(),
			Candidates: kept.Load(),
			Status:     status,
			At:         time.Now().UTC(),
		}
		if err := s.deps.Sink.Publish(ctx, p); err != nil {
			s.logger.Warn("Failed to publish progress", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Workers, 1))

	for i, inst := range eligible {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out := s.screenOne(gctx, loader, inst)

			switch out.Kind {
			case candidate.OutcomeAnalyzed:
				analyzed.Add(1)
				if out.Candidate.CompositeScore() >= cfg.MinScore {
					results[i] = out.Candidate
					kept.Add(1)
					if err := s.deps.Sink.SaveCandidate(gctx, runKey, candidate.StageScreener, out.Candidate); err != nil {
						s.logger.Warn("Failed to save candidate", "symbol", inst.Symbol, "error", err)
					}
				}
			case candidate.OutcomeSkipped:
				skipped.Add(1)
				logging.InstrumentContext(s.logger, candidate.StageScreener, inst.ID, inst.Symbol).
					Debug("Instrument skipped", "reason", out.Reason)
			case candidate.OutcomeFailed:
				failed.Add(1)
				logging.InstrumentContext(s.logger, candidate.StageScreener, inst.ID, inst.Symbol).
					Warn("Instrument failed", "error", out.Err)
			}
			s.deps.Metrics.InstrumentOutcome(string(s.profile.Type), string(out.Kind))

			if n := processed.Add(1); n%every == 0 {
				publish(candidate.ProgressRunning)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("screener run %s: %w", runKey, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("screener run %s: %w", runKey, err)
	}
	for _, c := range results {
		if c != nil {
			report.Candidates = append(report.Candidates, c)
		}
	}
	SortByComposite(report.Candidates)

	report.Analyzed = analyzed.Load()
	report.Skipped = skipped.Load()
	report.Failed = failed.Load()
	report.Duration = time.Since(start)
	publish(candidate.ProgressCompleted)

	s.deps.Metrics.StageCandidates(string(s.profile.Type), candidate.StageScreener, len(report.Candidates))
	s.deps.Metrics.ObserveStage(string(s.profile.Type), candidate.StageScreener, report.Duration)

	s.logger.Info("Screening complete",
		"run_key", runKey,
		"analyzed", report.Analyzed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"candidates", len(report.Candidates),
		"duration", report.Duration)

	return report, nil
}

// screenOne isolates one instrument; a panic becomes a failed outcome
func (s *Screener) screenOne(ctx context.Context, loader *analysis.SeriesLoader, inst market.Instrument) (out candidate.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = candidate.Failed(inst, fmt.Errorf("panic screening %s: %v", inst.Symbol, r))
		}
	}()

	c, err := s.analyze(ctx, loader, inst)
	if err != nil {
		return candidate.FromError(inst, err)
	}
	return candidate.Analyzed(c)
}

// Analyze scores a single instrument regardless of the threshold
func (s *Screener) Analyze(ctx context.Context, inst market.Instrument) (*candidate.Candidate, error) {
	return s.analyze(ctx, analysis.NewSeriesLoader(s.deps.Store), inst)
}

func (s *Screener) analyze(ctx context.Context, loader *analysis.SeriesLoader, inst market.Instrument) (*candidate.Candidate, error) {
	if s.deps.Store == nil {
		return nil, fmt.Errorf("no candle store configured")
	}
	series, err := loader.LoadAll(ctx, inst.ID, s.profile.Limits(), s.profile.Primary)
	if err != nil {
		return nil, err
	}
	primary := series[s.profile.Primary]
	if need := s.profile.minPrimaryBars(); primary.Len() < need {
		return nil, fmt.Errorf("%s has %d %s bars, need %d: %w",
			inst.Symbol, primary.Len(), s.profile.Primary, need, candidate.ErrInsufficientData)
	}

	sets := make(map[market.Timeframe]*indicators.Set, len(series))
	for tf, ser := range series {
		set, err := indicators.Compute(ser)
		if err != nil {
			if tf == s.profile.Primary {
				return nil, err
			}
			continue
		}
		sets[tf] = set
	}

	base, factors, err := s.profile.BaseScore(sets[s.profile.Primary])
	if err != nil {
		return nil, err
	}
	mtf := s.mtf.Analyze(sets)
	structure := s.trend.AnalyzeStructure(primary.Candles)

	screening := &candidate.Screening{
		BaseScore:      round2(base),
		MTFScore:       round2(mtf.Score),
		CompositeScore: round2(s.profile.Composite(base, mtf.Score)),
		Primary:        s.profile.Primary,
		Indicators:     sets,
		MTF:            mtf,
		Structure:      structure,
		Factors:        factors,
		Metadata:       describe(sets[s.profile.Primary], structure, factors),
	}

	c := candidate.New(inst, s.profile.Type, screening)
	c.Sector = inst.Sector
	if s.deps.Sectors != nil {
		if sector, ok := s.deps.Sectors.SectorFor(ctx, inst); ok {
			c.Sector = sector
		}
	}
	for _, f := range factors {
		if f.Available && f.Points > 0 {
			c.Note("%s (+%.0f)", f.Name, f.Points)
		}
	}
	return c, nil
}

// SortByComposite orders candidates by composite score, highest first.
// Ties fall back to instrument id so repeated runs agree.
func SortByComposite(cs []*candidate.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].CompositeScore(), cs[j].CompositeScore()
		if a != b {
			return a > b
		}
		return cs[i].Instrument.ID < cs[j].Instrument.ID
	})
}

// describe derives the descriptive labels shown with a candidate
func describe(set *indicators.Set, st *analysis.Structure, factors []candidate.Factor) candidate.Metadata {
	md := candidate.Metadata{
		Volatility:   "unknown",
		Momentum:     "neutral",
		Structure:    "neutral",
		FactorsTotal: len(factors),
	}
	for _, f := range factors {
		if f.Available {
			md.FactorsUsed++
		}
	}
	if set == nil {
		return md
	}
	md.PrimaryBars = set.Bars

	if atrPct, ok := indicators.Value(set.ATRPercent); ok {
		switch {
		case atrPct < 2:
			md.Volatility = "low"
		case atrPct <= 5:
			md.Volatility = "normal"
		default:
			md.Volatility = "high"
		}
	}
	if rsi, ok := indicators.Value(set.RSI); ok {
		switch {
		case rsi > 70:
			md.Momentum = "overbought"
		case rsi >= 55:
			md.Momentum = "strong"
		case rsi < 40:
			md.Momentum = "weak"
		}
	}
	if d, ok := set.DistanceFromEMA20(); ok {
		md.DistanceEMA = round2(d)
	}
	if st != nil {
		switch {
		case st.Breakout:
			md.Structure = "breakout"
		case st.Consolidating:
			md.Structure = "consolidating"
		default:
			md.Structure = string(st.Trend)
		}
	}
	return md
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
