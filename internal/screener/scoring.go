package screener

import (
	"fmt"

	"equity-screener/internal/candidate"
	"equity-screener/internal/indicators"
)

// Factor weights of the base score
const (
	pointsEMA2050    = 15.0
	pointsEMA20200   = 15.0
	pointsSupertrend = 20.0
	pointsADX        = 15.0
	pointsADXWeak    = 10.0
	pointsRSI        = 10.0
	pointsMACD       = 10.0
	pointsVolume     = 15.0

	adxStrong = 25.0
	adxWeak   = 20.0
)

// BaseScore scores the primary indicator set. Only factors whose inputs are
// available count toward the denominator, so the result stays in [0,100]
// however much data was missing. It returns ErrInsufficientData when no
// factor could be scored.
func (p Profile) BaseScore(set *indicators.Set) (float64, []candidate.Factor, error) {
	if set == nil {
		return 0, nil, fmt.Errorf("no %s indicators: %w", p.Primary, candidate.ErrInsufficientData)
	}

	factors := []candidate.Factor{
		emaFactor("ema20_gt_ema50", set.EMA20, set.EMA50, pointsEMA2050),
		emaFactor("ema20_gt_ema200", set.EMA20, set.EMA200, pointsEMA20200),
		{
			Name:      "supertrend_bullish",
			Max:       pointsSupertrend,
			Available: set.Supertrend != nil,
			Points:    when(set.Supertrend.Bullish(), pointsSupertrend),
		},
		adxFactor(set.ADX),
		p.rsiFactor(set.RSI),
		{
			Name:      "macd_bullish_cross",
			Max:       pointsMACD,
			Available: set.MACD != nil,
			Points:    when(set.MACD.BullishCross(), pointsMACD),
		},
		p.volumeFactor(set.VolumeRatio),
	}

	var got, max float64
	for _, f := range factors {
		if !f.Available {
			continue
		}
		got += f.Points
		max += f.Max
	}
	if max == 0 {
		return 0, factors, fmt.Errorf("no scorable factors on %s: %w", p.Primary, candidate.ErrInsufficientData)
	}
	return clamp(got/max*100, 0, 100), factors, nil
}

// Composite blends base and MTF scores with the profile weights
func (p Profile) Composite(base, mtf float64) float64 {
	bw, mw := p.cfg.BaseWeight, p.cfg.MTFWeight
	if bw+mw <= 0 {
		return clamp(base, 0, 100)
	}
	return clamp((bw*base+mw*mtf)/(bw+mw), 0, 100)
}

func emaFactor(name string, fast, slow *float64, points float64) candidate.Factor {
	f := candidate.Factor{Name: name, Max: points, Available: fast != nil && slow != nil}
	if f.Available && *fast > *slow {
		f.Points = points
	}
	return f
}

func adxFactor(adx *float64) candidate.Factor {
	f := candidate.Factor{Name: "adx_strength", Max: pointsADX, Available: adx != nil}
	if !f.Available {
		return f
	}
	switch {
	case *adx > adxStrong:
		f.Points = pointsADX
	case *adx > adxWeak:
		f.Points = pointsADXWeak
	}
	return f
}

func (p Profile) rsiFactor(rsi *float64) candidate.Factor {
	f := candidate.Factor{Name: "rsi_band", Max: pointsRSI, Available: rsi != nil}
	if f.Available && *rsi >= p.cfg.RSILow && *rsi <= p.cfg.RSIHigh {
		f.Points = pointsRSI
	}
	return f
}

func (p Profile) volumeFactor(ratio *float64) candidate.Factor {
	f := candidate.Factor{Name: "volume_spike", Max: pointsVolume, Available: ratio != nil}
	if f.Available && *ratio >= p.cfg.VolumeSpike {
		f.Points = pointsVolume
	}
	return f
}

func when(cond bool, points float64) float64 {
	if cond {
		return points
	}
	return 0
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
