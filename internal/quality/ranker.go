// Package quality ranks actionable candidates on six capped sub-scores so
// only the strongest reach the AI stage.
package quality

import (
	"fmt"
	"math"
	"sort"

	"equity-screener/config"
	"equity-screener/internal/analysis"
	"equity-screener/internal/candidate"
	"equity-screener/internal/indicators"
)

// Sub-score caps
const (
	MaxTrend      = 25.0
	MaxStructure  = 20.0
	MaxLocation   = 20.0
	MaxVolatility = 15.0
	MaxLiquidity  = 10.0
	MaxRiskReward = 10.0
)

// Ranker calculates trade quality
type Ranker struct {
	cfg config.QualityConfig
}

// NewRanker creates a ranker
func NewRanker(cfg config.QualityConfig) *Ranker {
	return &Ranker{cfg: cfg}
}

// Score computes the quality breakdown of one candidate. Missing inputs
// contribute zero to their sub-score.
func (r *Ranker) Score(c *candidate.Candidate) *candidate.Quality {
	q := &candidate.Quality{Notes: make([]string, 0)}

	sc, _ := c.Screening()
	set, ok := sc.PrimarySet()
	if !ok {
		q.Notes = append(q.Notes, "no primary indicators")
		q.Grade = scoreToGrade(0)
		return q
	}

	q.Trend = r.trend(sc, set, q)
	q.Structure = r.structure(sc, q)
	q.Location = r.location(set, q)
	q.Volatility = r.volatility(set, q)
	q.Liquidity = r.liquidity(set, q)
	q.EstimatedR = round2(r.estimateR(sc, set))
	q.RiskReward = r.riskReward(q.EstimatedR, q)

	q.Total = round2(q.Trend + q.Structure + q.Location + q.Volatility + q.Liquidity + q.RiskReward)
	q.Grade = scoreToGrade(q.Total)
	return q
}

// Rank scores every candidate and returns the top n by total, highest first.
// Ties break on composite score then instrument id.
func (r *Ranker) Rank(cs []*candidate.Candidate, n int) []*candidate.Candidate {
	ranked := make([]*candidate.Candidate, 0, len(cs))
	for _, c := range cs {
		c.SetQuality(r.Score(c))
		ranked = append(ranked, c)
	}
	SortByQuality(ranked)
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// SortByQuality orders by quality total, then composite, then instrument id
func SortByQuality(cs []*candidate.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.QualityScore() != b.QualityScore() {
			return a.QualityScore() > b.QualityScore()
		}
		if a.CompositeScore() != b.CompositeScore() {
			return a.CompositeScore() > b.CompositeScore()
		}
		return a.Instrument.ID < b.Instrument.ID
	})
}

// trend rewards stacked averages, a bullish overlay, ADX and timeframe agreement
func (r *Ranker) trend(sc *candidate.Screening, set *indicators.Set, q *candidate.Quality) float64 {
	score := 0.0
	if set.EMA20 != nil && set.EMA50 != nil && *set.EMA20 > *set.EMA50 {
		score += 8
	}
	if set.EMA50 != nil && set.EMA200 != nil && *set.EMA50 > *set.EMA200 {
		score += 5
		q.Notes = append(q.Notes, "EMAs stacked")
	}
	if set.Supertrend.Bullish() {
		score += 4
	}
	if adx, ok := indicators.Value(set.ADX); ok {
		switch {
		case adx > 25:
			score += 4
		case adx > 20:
			score += 2
		}
	}
	if sc.MTF != nil && sc.MTF.Trend.Total > 0 {
		score += 4 * float64(sc.MTF.Trend.BullishCount) / float64(sc.MTF.Trend.Total)
	}
	return clamp(score, 0, MaxTrend)
}

// structure rewards a fresh breakout and a recent higher-high/higher-low sequence
func (r *Ranker) structure(sc *candidate.Screening, q *candidate.Quality) float64 {
	st := sc.Structure
	if st == nil {
		return 0
	}
	score := 0.0
	switch {
	case st.BarsSinceBreakout >= 0 && st.BarsSinceBreakout <= r.cfg.FreshBreakout:
		score += 10
		q.Notes = append(q.Notes, fmt.Sprintf("fresh breakout %d bars ago", st.BarsSinceBreakout))
	case st.BarsSinceBreakout >= 0:
		score += 5
	}
	if st.HHHLRecent {
		score += 6
		q.Notes = append(q.Notes, "higher highs and higher lows")
	}
	if st.Trend == analysis.TrendBullish {
		score += 4
	}
	return clamp(score, 0, MaxStructure)
}

// location rewards proximity to EMA20 and penalises extension and run-ups.
// Penalties may push the raw value negative before the floor.
func (r *Ranker) location(set *indicators.Set, q *candidate.Quality) float64 {
	dist, ok := set.DistanceFromEMA20()
	if !ok {
		return 0
	}
	var score float64
	switch abs := math.Abs(dist); {
	case abs <= 2:
		score = 20
	case abs <= 5:
		score = 15
	case abs <= r.cfg.ExtensionLimit:
		score = 10
	default:
		score = 10 - 2*(abs-r.cfg.ExtensionLimit)
		q.Notes = append(q.Notes, fmt.Sprintf("extended %.1f%% from EMA20", dist))
	}

	if change, ok := indicators.Value(set.Change5); ok {
		if change > r.cfg.RunUpLimit {
			score -= 5
			q.Notes = append(q.Notes, fmt.Sprintf("ran up %.1f%% in 5 bars", change))
		}
		if change > r.cfg.RunUpHardLimit {
			score -= 10
		}
	}
	return clamp(score, 0, MaxLocation)
}

// volatility is full inside the ideal ATR% band and tapers linearly to zero
func (r *Ranker) volatility(set *indicators.Set, q *candidate.Quality) float64 {
	atrPct, ok := indicators.Value(set.ATRPercent)
	if !ok {
		return 0
	}
	lo, hi := r.cfg.IdealATRLow, r.cfg.IdealATRHigh
	switch {
	case atrPct >= lo && atrPct <= hi:
		return MaxVolatility
	case atrPct > r.cfg.ATRFloor && atrPct < lo:
		return round2(MaxVolatility * (atrPct - r.cfg.ATRFloor) / (lo - r.cfg.ATRFloor))
	case atrPct > hi && atrPct < r.cfg.ATRCeiling:
		return round2(MaxVolatility * (r.cfg.ATRCeiling - atrPct) / (r.cfg.ATRCeiling - hi))
	}
	q.Notes = append(q.Notes, fmt.Sprintf("ATR %.1f%% outside tradeable band", atrPct))
	return 0
}

func (r *Ranker) liquidity(set *indicators.Set, q *candidate.Quality) float64 {
	ratio, ok := indicators.Value(set.VolumeRatio)
	if !ok {
		return 0
	}
	switch {
	case ratio >= 2:
		q.Notes = append(q.Notes, fmt.Sprintf("volume %.1fx average", ratio))
		return 10
	case ratio >= 1.5:
		return 8
	case ratio >= 1:
		return 6
	case ratio >= 0.7:
		return 3
	}
	return 0
}

// estimateR is the reward multiple from price to the nearest resistance, or
// to an ATR target when no resistance is known, against an ATR stop
func (r *Ranker) estimateR(sc *candidate.Screening, set *indicators.Set) float64 {
	atr, ok := indicators.Value(set.ATR)
	if !ok || atr <= 0 || set.Price <= 0 {
		return 0
	}
	price := set.Price
	stop := price - r.cfg.ATRStopMult*atr
	if ema50, ok := indicators.Value(set.EMA50); ok && ema50 < price && ema50 > stop {
		stop = ema50
	}
	risk := price - stop
	if risk <= 0 {
		return 0
	}
	target := price + r.cfg.ATRTargetMult*atr
	if res, ok := sc.Structure.ResistanceAbove(price); ok {
		target = res
	}
	return (target - price) / risk
}

// riskReward is zero below the minimum multiple
func (r *Ranker) riskReward(estR float64, q *candidate.Quality) float64 {
	switch {
	case estR < r.cfg.MinRiskReward:
		q.Notes = append(q.Notes, fmt.Sprintf("estimated R %.2f below %.1f", estR, r.cfg.MinRiskReward))
		return 0
	case estR >= 4:
		return MaxRiskReward
	case estR >= 3:
		return 8
	}
	return 6
}

// scoreToGrade converts a 0-100 total to a letter grade
func scoreToGrade(score float64) string {
	if score >= 90 {
		return "A+"
	} else if score >= 85 {
		return "A"
	} else if score >= 75 {
		return "B+"
	} else if score >= 70 {
		return "B"
	} else if score >= 60 {
		return "C"
	} else if score >= 50 {
		return "D"
	}
	return "F"
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
