package analysis

import (
	"math"

	"equity-screener/internal/market"
)

// TrendDirection represents market trend
type TrendDirection string

const (
	TrendBullish  TrendDirection = "bullish"
	TrendBearish  TrendDirection = "bearish"
	TrendSideways TrendDirection = "sideways"
)

// SwingPoint represents a significant price level
type SwingPoint struct {
	Price       float64 `json:"price"`
	CandleIndex int     `json:"candle_index"`
}

// Structure is the price-structure snapshot for one series
type Structure struct {
	Trend       TrendDirection `json:"trend"`
	SwingHighs  []SwingPoint   `json:"swing_highs,omitempty"`
	SwingLows   []SwingPoint   `json:"swing_lows,omitempty"`
	HigherHighs int            `json:"higher_highs"`
	HigherLows  int            `json:"higher_lows"`
	LowerHighs  int            `json:"lower_highs"`
	LowerLows   int            `json:"lower_lows"`

	// HHHLRecent: the last two swing highs and last two swing lows both rose
	HHHLRecent bool `json:"hh_hl_recent"`

	// Resistance is the highest swing high over the trailing window
	Resistance *float64 `json:"resistance,omitempty"`

	Consolidating bool    `json:"consolidating"`
	RangeLow      float64 `json:"range_low"`
	RangeHigh     float64 `json:"range_high"`
	RangePercent  float64 `json:"range_percent"`

	Breakout          bool `json:"breakout"`
	BarsSinceBreakout int  `json:"bars_since_breakout"`

	Volume *VolumeProfile `json:"volume,omitempty"`
	Bars   int            `json:"bars"`
}

// NearestSwingLowBelow returns the highest swing low strictly below price
func (s *Structure) NearestSwingLowBelow(price float64) (float64, bool) {
	if s == nil {
		return 0, false
	}
	best, found := 0.0, false
	for _, p := range s.SwingLows {
		if p.Price < price && (!found || p.Price > best) {
			best, found = p.Price, true
		}
	}
	return best, found
}

// ResistanceAbove returns the trailing-window resistance when it sits above
// price. Older swing highs are not considered.
func (s *Structure) ResistanceAbove(price float64) (float64, bool) {
	if s == nil || s.Resistance == nil || *s.Resistance <= price {
		return 0, false
	}
	return *s.Resistance, true
}

// StructureConfig holds the windows used by the structure analyzer
type StructureConfig struct {
	SwingLookback      int     `json:"swing_lookback" default:"1"`
	ResistanceBars     int     `json:"resistance_bars" default:"20"`
	ConsolidationBars  int     `json:"consolidation_bars" default:"10"`
	ConsolidationRange float64 `json:"consolidation_range" default:"5"`
	BreakoutBars       int     `json:"breakout_bars" default:"5"`
	BreakoutLookback   int     `json:"breakout_lookback" default:"20"`
	VolumePeriod       int     `json:"volume_period" default:"20"`
}

// DefaultStructureConfig returns the structure windows
func DefaultStructureConfig() StructureConfig {
	return StructureConfig{
		SwingLookback:      1,
		ResistanceBars:     20,
		ConsolidationBars:  10,
		ConsolidationRange: 5,
		BreakoutBars:       5,
		BreakoutLookback:   20,
		VolumePeriod:       20,
	}
}

// TrendAnalyzer analyzes market trend and structure
type TrendAnalyzer struct {
	cfg    StructureConfig
	volume *VolumeAnalyzer
}

// NewTrendAnalyzer creates a new trend analyzer
func NewTrendAnalyzer(cfg StructureConfig) *TrendAnalyzer {
	def := DefaultStructureConfig()
	if cfg.SwingLookback <= 0 {
		cfg.SwingLookback = def.SwingLookback
	}
	if cfg.ResistanceBars <= 0 {
		cfg.ResistanceBars = def.ResistanceBars
	}
	if cfg.ConsolidationBars <= 0 {
		cfg.ConsolidationBars = def.ConsolidationBars
	}
	if cfg.ConsolidationRange <= 0 {
		cfg.ConsolidationRange = def.ConsolidationRange
	}
	if cfg.BreakoutBars <= 0 {
		cfg.BreakoutBars = def.BreakoutBars
	}
	if cfg.BreakoutLookback <= 0 {
		cfg.BreakoutLookback = def.BreakoutLookback
	}
	return &TrendAnalyzer{cfg: cfg, volume: NewVolumeAnalyzer(cfg.VolumePeriod)}
}

// AnalyzeStructure performs market structure analysis on chronological candles
func (ta *TrendAnalyzer) AnalyzeStructure(candles []market.Candle) *Structure {
	s := &Structure{Trend: TrendSideways, BarsSinceBreakout: -1, Bars: len(candles)}
	if len(candles) == 0 {
		return s
	}

	s.SwingHighs = ta.FindSwingHighs(candles)
	s.SwingLows = ta.FindSwingLows(candles)
	s.HigherHighs = countRising(s.SwingHighs)
	s.HigherLows = countRising(s.SwingLows)
	s.LowerHighs = countFalling(s.SwingHighs)
	s.LowerLows = countFalling(s.SwingLows)
	s.Trend = ta.DetermineTrend(s)
	s.HHHLRecent = lastRising(s.SwingHighs) && lastRising(s.SwingLows)

	s.Resistance = ta.FindResistance(candles, s.SwingHighs)
	s.RangeLow, s.RangeHigh, s.RangePercent = ta.TrailingRange(candles)
	s.Consolidating = len(candles) >= ta.cfg.ConsolidationBars && s.RangeLow > 0 &&
		s.RangePercent < ta.cfg.ConsolidationRange
	s.BarsSinceBreakout = ta.BarsSinceBreakout(candles)
	s.Breakout = s.BarsSinceBreakout >= 0

	s.Volume = ta.volume.AnalyzeVolume(candles)
	return s
}

// FindSwingHighs identifies bars whose high exceeds every neighbor within the lookback
func (ta *TrendAnalyzer) FindSwingHighs(candles []market.Candle) []SwingPoint {
	var swingHighs []SwingPoint
	lb := ta.cfg.SwingLookback

	for i := lb; i < len(candles)-lb; i++ {
		isSwingHigh := true
		for j := i - lb; j <= i+lb; j++ {
			if j != i && candles[j].High >= candles[i].High {
				isSwingHigh = false
				break
			}
		}
		if isSwingHigh {
			swingHighs = append(swingHighs, SwingPoint{Price: candles[i].High, CandleIndex: i})
		}
	}
	return swingHighs
}

// FindSwingLows identifies bars whose low is below every neighbor within the lookback
func (ta *TrendAnalyzer) FindSwingLows(candles []market.Candle) []SwingPoint {
	var swingLows []SwingPoint
	lb := ta.cfg.SwingLookback

	for i := lb; i < len(candles)-lb; i++ {
		isSwingLow := true
		for j := i - lb; j <= i+lb; j++ {
			if j != i && candles[j].Low <= candles[i].Low {
				isSwingLow = false
				break
			}
		}
		if isSwingLow {
			swingLows = append(swingLows, SwingPoint{Price: candles[i].Low, CandleIndex: i})
		}
	}
	return swingLows
}

// FindResistance returns the highest swing high inside the trailing window
func (ta *TrendAnalyzer) FindResistance(candles []market.Candle, swingHighs []SwingPoint) *float64 {
	start := len(candles) - ta.cfg.ResistanceBars
	var best *float64
	for _, p := range swingHighs {
		if p.CandleIndex < start {
			continue
		}
		if best == nil || p.Price > *best {
			v := p.Price
			best = &v
		}
	}
	return best
}

// TrailingRange returns low, high and range% of the consolidation window
func (ta *TrendAnalyzer) TrailingRange(candles []market.Candle) (low, high, pct float64) {
	start := len(candles) - ta.cfg.ConsolidationBars
	if start < 0 {
		start = 0
	}
	low, high = math.Inf(1), math.Inf(-1)
	for _, c := range candles[start:] {
		low = math.Min(low, c.Low)
		high = math.Max(high, c.High)
	}
	if low <= 0 || math.IsInf(low, 0) || math.IsInf(high, 0) {
		return 0, 0, 0
	}
	return low, high, (high - low) / low * 100
}

// BarsSinceBreakout returns how many bars ago the most recent close above the
// prior lookback high happened, or -1 if none within BreakoutBars
func (ta *TrendAnalyzer) BarsSinceBreakout(candles []market.Candle) int {
	n := len(candles)
	for i := n - 1; i >= 0 && i >= n-ta.cfg.BreakoutBars; i-- {
		from := i - ta.cfg.BreakoutLookback
		if from < 0 {
			return -1
		}
		prior := math.Inf(-1)
		for _, c := range candles[from:i] {
			prior = math.Max(prior, c.High)
		}
		if candles[i].Close > prior {
			return n - 1 - i
		}
	}
	return -1
}

// DetermineTrend determines overall trend direction
func (ta *TrendAnalyzer) DetermineTrend(s *Structure) TrendDirection {
	if s.HigherHighs > 0 && s.HigherLows > 0 &&
		s.HigherHighs >= s.LowerHighs && s.HigherLows >= s.LowerLows {
		return TrendBullish
	}
	if s.LowerHighs > 0 && s.LowerLows > 0 &&
		s.LowerHighs >= s.HigherHighs && s.LowerLows >= s.HigherLows {
		return TrendBearish
	}
	return TrendSideways
}

func countRising(points []SwingPoint) int {
	count := 0
	for i := 1; i < len(points); i++ {
		if points[i].Price > points[i-1].Price {
			count++
		}
	}
	return count
}

func countFalling(points []SwingPoint) int {
	count := 0
	for i := 1; i < len(points); i++ {
		if points[i].Price < points[i-1].Price {
			count++
		}
	}
	return count
}

func lastRising(points []SwingPoint) bool {
	n := len(points)
	return n >= 2 && points[n-1].Price > points[n-2].Price
}
