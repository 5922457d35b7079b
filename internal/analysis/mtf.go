package analysis

import (
	"sort"

	"equity-screener/internal/indicators"
	"equity-screener/internal/market"
)

// Score composition of a single timeframe
const (
	trendPoints    = 60.0
	momentumPoints = 25.0
	strengthPoints = 15.0

	momentumRSILow  = 50.0
	momentumRSIHigh = 70.0
	trendingADX     = 20.0
)

// DefaultMTFWeights weights the weekly and daily views above intraday
var DefaultMTFWeights = map[market.Timeframe]float64{
	market.TF1W:  0.4,
	market.TF1D:  0.4,
	market.TF15m: 0.2,
}

// timeframe display order, slowest first
var timeframeOrder = []market.Timeframe{market.TF1W, market.TF1D, market.TF15m}

// TimeframeSignal is the per-timeframe view behind an MTF result
type TimeframeSignal struct {
	Timeframe       market.Timeframe `json:"timeframe"`
	Weight          float64          `json:"weight"`
	Bullish         bool             `json:"bullish"`
	MomentumBullish bool             `json:"momentum_bullish"`
	Trending        bool             `json:"trending"`
}

// TrendAlignment counts timeframes agreeing on a bullish trend
type TrendAlignment struct {
	Aligned      bool `json:"aligned"`
	BullishCount int  `json:"bullish_count"`
	Total        int  `json:"total"`
}

// MomentumAlignment counts timeframes with bullish momentum
type MomentumAlignment struct {
	Aligned      bool `json:"aligned"`
	BullishCount int  `json:"bullish_count"`
	Total        int  `json:"total"`
}

// MTFResult aggregates indicator sets across timeframes
type MTFResult struct {
	Trend      TrendAlignment    `json:"trend_alignment"`
	Momentum   MomentumAlignment `json:"momentum_alignment"`
	Score      float64           `json:"multi_timeframe_score"`
	Timeframes []TimeframeSignal `json:"timeframes"`
}

// ExplicitlyMisaligned is true only when at least one timeframe was
// available and the majority was not bullish. A missing analysis is not a
// misalignment.
func (r *MTFResult) ExplicitlyMisaligned() bool {
	return r != nil && r.Trend.Total > 0 && !r.Trend.Aligned
}

// MTFAnalyzer aggregates per-timeframe indicator sets
type MTFAnalyzer struct {
	weights map[market.Timeframe]float64
}

// NewMTFAnalyzer creates an analyzer; nil weights use DefaultMTFWeights
func NewMTFAnalyzer(weights map[market.Timeframe]float64) *MTFAnalyzer {
	if len(weights) == 0 {
		weights = DefaultMTFWeights
	}
	return &MTFAnalyzer{weights: weights}
}

// Analyze scores the available timeframes. Sets that lack EMA20, EMA50 or
// Supertrend are treated as missing and skipped.
func (a *MTFAnalyzer) Analyze(sets map[market.Timeframe]*indicators.Set) *MTFResult {
	result := &MTFResult{Timeframes: make([]TimeframeSignal, 0, len(sets))}

	var weighted, totalWeight float64
	for _, tf := range orderedTimeframes(sets) {
		set := sets[tf]
		if !usable(set) {
			continue
		}

		weight, ok := a.weights[tf]
		if !ok || weight <= 0 {
			weight = 0.2
		}

		signal := TimeframeSignal{
			Timeframe:       tf,
			Weight:          weight,
			Bullish:         set.Bullish(),
			MomentumBullish: momentumBullish(set),
			Trending:        set.ADX != nil && *set.ADX > trendingADX,
		}
		result.Timeframes = append(result.Timeframes, signal)

		result.Trend.Total++
		result.Momentum.Total++
		points := 0.0
		if signal.Bullish {
			result.Trend.BullishCount++
			points += trendPoints
		}
		if signal.MomentumBullish {
			result.Momentum.BullishCount++
			points += momentumPoints
		}
		if signal.Trending {
			points += strengthPoints
		}
		weighted += points * weight
		totalWeight += weight
	}

	result.Trend.Aligned = result.Trend.Total > 0 && result.Trend.BullishCount*2 > result.Trend.Total
	result.Momentum.Aligned = result.Momentum.Total > 0 && result.Momentum.BullishCount*2 > result.Momentum.Total
	if totalWeight > 0 {
		result.Score = clamp(weighted/totalWeight, 0, 100)
	}
	return result
}

func usable(set *indicators.Set) bool {
	return set != nil && set.EMA20 != nil && set.EMA50 != nil && set.Supertrend != nil
}

func momentumBullish(set *indicators.Set) bool {
	if set.RSI == nil || set.MACD == nil {
		return false
	}
	rsi := *set.RSI
	return rsi >= momentumRSILow && rsi <= momentumRSIHigh && set.MACD.Bullish()
}

func orderedTimeframes(sets map[market.Timeframe]*indicators.Set) []market.Timeframe {
	out := make([]market.Timeframe, 0, len(sets))
	seen := make(map[market.Timeframe]bool, len(sets))
	for _, tf := range timeframeOrder {
		if _, ok := sets[tf]; ok {
			out = append(out, tf)
			seen[tf] = true
		}
	}
	var rest []market.Timeframe
	for tf := range sets {
		if !seen[tf] {
			rest = append(rest, tf)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
