// Package setup classifies screened candidates into tradeability states.
// Detection is a pure function of the candidate's indicators, structure,
// multi-timeframe result and the open-position check.
package setup

import (
	"context"
	"fmt"
	"math"

	"equity-screener/config"
	"equity-screener/internal/candidate"
	"equity-screener/internal/indicators"
	"equity-screener/internal/logging"
)

// PositionChecker answers whether an instrument is already held
type PositionChecker interface {
	InPosition(instrumentID int64) bool
}

// NoPositions is a PositionChecker for an empty portfolio
type NoPositions struct{}

func (NoPositions) InPosition(int64) bool { return false }

// Detector assigns a SetupStatus to each candidate
type Detector struct {
	cfg    config.SetupConfig
	sink   candidate.Sink
	logger *logging.Logger
}

// NewDetector creates a setup detector
func NewDetector(cfg config.SetupConfig, sink candidate.Sink, logger *logging.Logger) *Detector {
	if sink == nil {
		sink = candidate.NopSink{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Detector{cfg: cfg, sink: sink, logger: logger.WithComponent("setup")}
}

// profile returns the distance bands for the candidate's screener type
func (d *Detector) profile(t candidate.ScreenerType) config.SetupProfile {
	if t == candidate.TypeLongterm {
		return d.cfg.Longterm
	}
	return d.cfg.Swing
}

// Detect classifies one candidate. Checks run in a fixed order and the first
// match wins, so identical inputs always give the identical result.
func (d *Detector) Detect(c *candidate.Candidate, positions PositionChecker) *candidate.SetupResult {
	longterm := c.Type == candidate.TypeLongterm

	if positions != nil && positions.InPosition(c.Instrument.ID) {
		return &candidate.SetupResult{Status: candidate.StatusInPosition, Reason: "open position already exists"}
	}

	sc, _ := c.Screening()
	set, ok := sc.PrimarySet()
	if !ok || set.EMA20 == nil || set.EMA50 == nil || set.Supertrend == nil || set.Price <= 0 {
		return &candidate.SetupResult{Status: candidate.StatusNotReady, Reason: "insufficient indicator data"}
	}

	price, ema20, ema50 := set.Price, *set.EMA20, *set.EMA50
	dist, _ := set.DistanceFromEMA20()
	dist = math.Round(dist*100) / 100
	bands := d.profile(c.Type)

	result := func(status candidate.SetupStatus, invalidate *float64, format string, args ...interface{}) *candidate.SetupResult {
		return &candidate.SetupResult{
			Status:       status,
			Reason:       fmt.Sprintf(format, args...),
			InvalidateIf: invalidate,
			DistanceEMA:  dist,
		}
	}

	if !set.Supertrend.Bullish() {
		return result(candidate.StatusNotReady, nil, "not bullish: supertrend is %s", set.Supertrend.Direction)
	}
	if ema20 <= ema50 {
		return result(candidate.StatusNotReady, nil, "not bullish: EMA20 %.2f <= EMA50 %.2f", ema20, ema50)
	}

	if dist > bands.PullbackAbove {
		return result(candidate.StatusWaitPullback, indicators.Float(ema50),
			"extended %.2f%% above EMA20 (limit %.0f%%), wait for pullback", dist, bands.PullbackAbove)
	}

	if st := sc.Structure; st != nil && st.Consolidating {
		if r, ok := st.ResistanceAbove(price); ok && (r-price)/r*100 <= d.cfg.BreakoutProximity {
			return result(candidate.StatusWaitBreakout, indicators.Float(st.RangeLow),
				"consolidating %.2f%% below resistance %.2f", (r-price)/r*100, r)
		}
	}

	adx, ok := indicators.Value(set.ADX)
	if !ok {
		return result(candidate.StatusNotReady, nil, "ADX unavailable")
	}
	if adx < d.cfg.MinADX {
		return result(candidate.StatusNotReady, nil, "trend too weak: ADX %.1f < %.0f", adx, d.cfg.MinADX)
	}
	if rsi, ok := indicators.Value(set.RSI); ok && rsi > d.cfg.OverboughtRSI {
		if longterm {
			return result(candidate.StatusNotReady, nil, "overbought: RSI %.1f > %.0f", rsi, d.cfg.OverboughtRSI)
		}
		return result(candidate.StatusWaitPullback, indicators.Float(ema50),
			"overbought: RSI %.1f > %.0f, wait for pullback", rsi, d.cfg.OverboughtRSI)
	}

	if sc.MTF.ExplicitlyMisaligned() {
		return result(candidate.StatusNotReady, nil, "timeframes not aligned (%d/%d bullish)",
			sc.MTF.Trend.BullishCount, sc.MTF.Trend.Total)
	}

	ready := candidate.StatusReady
	if longterm {
		ready = candidate.StatusAccumulate
	}
	switch {
	case dist >= bands.ZoneLow && dist <= bands.ZoneHigh:
		return result(ready, indicators.Float(ema50),
			"in entry zone %.2f%% from EMA20 with ADX %.1f", dist, adx)
	case dist > bands.ZoneHigh && dist <= bands.ExtendedHigh && adx > d.cfg.StrongADX:
		return result(ready, indicators.Float(ema50),
			"momentum continuation %.2f%% above EMA20 with ADX %.1f", dist, adx)
	case longterm && dist < bands.ZoneLow && price > ema50:
		return result(candidate.StatusWaitDip, indicators.Float(ema50),
			"%.2f%% below EMA20 and holding EMA50, wait for dip to stabilise", dist)
	}

	return result(candidate.StatusNotReady, nil, "bullish but setup conditions not optimal")
}

// Apply classifies every candidate, persists the setup stage and returns
// the count per status. A candidate that already carries a status keeps it.
func (d *Detector) Apply(ctx context.Context, runKey string, cs []*candidate.Candidate, positions PositionChecker) map[candidate.SetupStatus]int {
	counts := make(map[candidate.SetupStatus]int)
	for _, c := range cs {
		r := d.Detect(c, positions)
		if err := c.SetSetup(r); err != nil {
			d.logger.Debug("Setup already assigned", "symbol", c.Instrument.Symbol, "status", string(c.Status()))
			counts[c.Status()]++
			continue
		}
		counts[r.Status]++
		if err := d.sink.SaveCandidate(ctx, runKey, candidate.StageSetup, c); err != nil {
			d.logger.Warn("Failed to save setup", "symbol", c.Instrument.Symbol, "error", err)
		}
	}
	d.logger.Debug("Setups classified", "run_key", runKey, "candidates", len(cs), "actionable",
		counts[candidate.StatusReady]+counts[candidate.StatusAccumulate])
	return counts
}

// Actionable returns the candidates whose status permits a trade plan, in input order
func Actionable(cs []*candidate.Candidate) []*candidate.Candidate {
	var out []*candidate.Candidate
	for _, c := range cs {
		if c.Status().Actionable() {
			out = append(out, c)
		}
	}
	return out
}
