// Package indicators computes the technical indicator snapshot the screening
// stages score against. Every value is optional: a nil field means the series
// was too short for that indicator's window, and callers treat it as
// "cannot score this factor".
package indicators

import (
	"fmt"
	"math"

	"equity-screener/internal/market"

	"github.com/markcheno/go-talib"
)

// Indicator periods
const (
	EMAFast   = 20
	EMASlow   = 50
	EMALong   = 200
	RSIPeriod = 14
	ADXPeriod = 14
	ATRPeriod = 14

	MACDFast   = 12
	MACDSlow   = 26
	MACDSignal = 9

	SupertrendPeriod     = 10
	SupertrendMultiplier = 3.0

	VolumePeriod = 20
	ChangeBars   = 5
)

// Direction of a trend-following overlay
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
)

// Supertrend holds the latest supertrend line and its direction
type Supertrend struct {
	Value     float64   `json:"value"`
	Direction Direction `json:"direction"`
}

// Bullish reports whether price is above the supertrend line
func (s *Supertrend) Bullish() bool {
	return s != nil && s.Direction == DirectionBullish
}

// MACD holds the latest and previous MACD/signal values
type MACD struct {
	Line       float64 `json:"line"`
	Signal     float64 `json:"signal"`
	Histogram  float64 `json:"histogram"`
	PrevLine   float64 `json:"prev_line"`
	PrevSignal float64 `json:"prev_signal"`
}

// BullishCross is true when the line crossed above signal on the last bar
func (m *MACD) BullishCross() bool {
	return m != nil && m.PrevLine <= m.PrevSignal && m.Line > m.Signal
}

// Bullish is true when the line is above the signal
func (m *MACD) Bullish() bool {
	return m != nil && m.Line > m.Signal
}

// Set is the indicator snapshot for one series
type Set struct {
	Timeframe market.Timeframe `json:"timeframe"`
	Bars      int              `json:"bars"`
	Price     float64          `json:"price"`

	EMA20  *float64 `json:"ema20,omitempty"`
	EMA50  *float64 `json:"ema50,omitempty"`
	EMA200 *float64 `json:"ema200,omitempty"`
	RSI    *float64 `json:"rsi,omitempty"`
	ADX    *float64 `json:"adx,omitempty"`
	ATR    *float64 `json:"atr,omitempty"`

	// ATRPercent is ATR as a percentage of price; nil unless ATR > 0
	ATRPercent *float64 `json:"atr_percent,omitempty"`

	MACD       *MACD       `json:"macd,omitempty"`
	Supertrend *Supertrend `json:"supertrend,omitempty"`

	VolumeAvg   *float64 `json:"volume_avg,omitempty"`
	VolumeRatio *float64 `json:"volume_ratio,omitempty"`
	Change5     *float64 `json:"change_5,omitempty"`
}

// Compute builds the indicator set for a chronological series. It never
// fails for short input; it only errors when the series is unordered.
func Compute(series *market.Series) (*Set, error) {
	if series == nil {
		return nil, fmt.Errorf("nil series")
	}
	if err := series.Validate(); err != nil {
		return nil, err
	}

	set := &Set{Timeframe: series.Timeframe, Bars: series.Len()}
	last, ok := series.Last()
	if !ok {
		return set, nil
	}
	set.Price = last.Close

	closes := series.Closes()
	highs := series.Highs()
	lows := series.Lows()
	volumes := series.Volumes()
	n := len(closes)

	set.EMA20 = lastEMA(closes, EMAFast)
	set.EMA50 = lastEMA(closes, EMASlow)
	set.EMA200 = lastEMA(closes, EMALong)

	if n >= RSIPeriod+1 {
		set.RSI = finite(lastOf(talib.Rsi(closes, RSIPeriod)))
	}
	if n >= 2*ADXPeriod+1 {
		set.ADX = finite(lastOf(talib.Adx(highs, lows, closes, ADXPeriod)))
	}
	if n >= ATRPeriod+1 {
		set.ATR = finite(lastOf(talib.Atr(highs, lows, closes, ATRPeriod)))
		if set.ATR != nil && *set.ATR > 0 && set.Price > 0 {
			set.ATRPercent = finite(*set.ATR / set.Price * 100)
		}
	}
	if n >= MACDSlow+MACDSignal {
		line, signal, hist := talib.Macd(closes, MACDFast, MACDSlow, MACDSignal)
		m := &MACD{
			Line:       line[n-1],
			Signal:     signal[n-1],
			Histogram:  hist[n-1],
			PrevLine:   line[n-2],
			PrevSignal: signal[n-2],
		}
		if isFinite(m.Line) && isFinite(m.Signal) && isFinite(m.PrevLine) && isFinite(m.PrevSignal) {
			set.MACD = m
		}
	}
	if n >= SupertrendPeriod+2 {
		set.Supertrend = supertrend(highs, lows, closes, SupertrendPeriod, SupertrendMultiplier)
	}
	if n >= VolumePeriod+1 {
		avg := talib.Sma(volumes[:n-1], VolumePeriod)
		set.VolumeAvg = finite(lastOf(avg))
		if set.VolumeAvg != nil && *set.VolumeAvg > 0 {
			set.VolumeRatio = finite(volumes[n-1] / *set.VolumeAvg)
		}
	}
	if n >= ChangeBars+1 {
		base := closes[n-1-ChangeBars]
		if base > 0 {
			set.Change5 = finite((closes[n-1] - base) / base * 100)
		}
	}

	return set, nil
}

// Bullish reports EMA20 > EMA50 with a bullish supertrend
func (s *Set) Bullish() bool {
	if s == nil || s.EMA20 == nil || s.EMA50 == nil {
		return false
	}
	return *s.EMA20 > *s.EMA50 && s.Supertrend.Bullish()
}

// DistanceFromEMA20 returns the percentage distance of price above EMA20
func (s *Set) DistanceFromEMA20() (float64, bool) {
	if s == nil || s.EMA20 == nil || *s.EMA20 <= 0 {
		return 0, false
	}
	return (s.Price - *s.EMA20) / *s.EMA20 * 100, true
}

// Value dereferences an optional indicator
func Value(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Float returns a pointer to v, for building sets by hand
func Float(v float64) *float64 {
	return &v
}

func lastEMA(closes []float64, period int) *float64 {
	if len(closes) < period {
		return nil
	}
	return finite(lastOf(talib.Ema(closes, period)))
}

// supertrend computes the band-flip overlay on top of talib ATR
func supertrend(highs, lows, closes []float64, period int, multiplier float64) *Supertrend {
	n := len(closes)
	atr := talib.Atr(highs, lows, closes, period)

	start := period
	upper := make([]float64, n)
	lower := make([]float64, n)

	hl2 := (highs[start] + lows[start]) / 2
	upper[start] = hl2 + multiplier*atr[start]
	lower[start] = hl2 - multiplier*atr[start]
	bullish := closes[start] >= hl2

	for i := start + 1; i < n; i++ {
		mid := (highs[i] + lows[i]) / 2
		basicUpper := mid + multiplier*atr[i]
		basicLower := mid - multiplier*atr[i]

		if basicUpper < upper[i-1] || closes[i-1] > upper[i-1] {
			upper[i] = basicUpper
		} else {
			upper[i] = upper[i-1]
		}
		if basicLower > lower[i-1] || closes[i-1] < lower[i-1] {
			lower[i] = basicLower
		} else {
			lower[i] = lower[i-1]
		}

		if bullish && closes[i] < lower[i] {
			bullish = false
		} else if !bullish && closes[i] > upper[i] {
			bullish = true
		}
	}

	st := &Supertrend{Value: upper[n-1], Direction: DirectionBearish}
	if bullish {
		st.Value = lower[n-1]
		st.Direction = DirectionBullish
	}
	if !isFinite(st.Value) {
		return nil
	}
	return st
}

func lastOf(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// finite coerces non-finite values to "missing"
func finite(v float64) *float64 {
	if !isFinite(v) {
		return nil
	}
	return &v
}
