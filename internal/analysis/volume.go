package analysis

import (
	"math"

	"equity-screener/internal/market"
)

// VolumeType classifies the pressure behind the last bar
type VolumeType string

const (
	VolumeBuying  VolumeType = "buying"
	VolumeSelling VolumeType = "selling"
	VolumeNeutral VolumeType = "neutral"
)

// VolumeAnalyzer provides volume-based technical analysis
type VolumeAnalyzer struct {
	avgPeriod int
}

// VolumeProfile represents volume analysis results
type VolumeProfile struct {
	CurrentVolume float64    `json:"current_volume"`
	AverageVolume float64    `json:"average_volume"`
	VolumeRatio   float64    `json:"volume_ratio"`
	IsHighVolume  bool       `json:"is_high_volume"` // > 2x average
	OBVRising     bool       `json:"obv_rising"`
	DryUp         bool       `json:"dry_up"`
	VolumeType    VolumeType `json:"volume_type"`
}

// NewVolumeAnalyzer creates a new volume analyzer
func NewVolumeAnalyzer(avgPeriod int) *VolumeAnalyzer {
	if avgPeriod <= 0 {
		avgPeriod = 20
	}
	return &VolumeAnalyzer{avgPeriod: avgPeriod}
}

// AnalyzeVolume profiles the last bar against the trailing average
func (va *VolumeAnalyzer) AnalyzeVolume(candles []market.Candle) *VolumeProfile {
	if len(candles) == 0 {
		return nil
	}

	current := candles[len(candles)-1]
	avg := va.AverageVolume(candles[:len(candles)-1])

	var ratio float64
	if avg > 0 {
		ratio = current.Volume / avg
	}

	return &VolumeProfile{
		CurrentVolume: current.Volume,
		AverageVolume: avg,
		VolumeRatio:   ratio,
		IsHighVolume:  ratio > 2.0,
		OBVRising:     va.IsOBVBullish(candles, va.avgPeriod),
		DryUp:         va.DetectVolumeDryUp(candles, 10),
		VolumeType:    va.DetermineVolumeType(current),
	}
}

// AverageVolume averages the last avgPeriod bars (fewer if not available)
func (va *VolumeAnalyzer) AverageVolume(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	period := va.avgPeriod
	if len(candles) < period {
		period = len(candles)
	}
	sum := 0.0
	for _, c := range candles[len(candles)-period:] {
		sum += c.Volume
	}
	return sum / float64(period)
}

// DetermineVolumeType identifies if volume is buying or selling pressure
func (va *VolumeAnalyzer) DetermineVolumeType(c market.Candle) VolumeType {
	body := math.Abs(c.Close - c.Open)
	upperWick := c.High - math.Max(c.Open, c.Close)
	lowerWick := math.Min(c.Open, c.Close) - c.Low

	switch {
	case c.Close > c.Open && upperWick < body*0.2:
		return VolumeBuying
	case c.Close < c.Open && lowerWick < body*0.2:
		return VolumeSelling
	default:
		return VolumeNeutral
	}
}

// CalculateOBV calculates On-Balance Volume over the candles
func (va *VolumeAnalyzer) CalculateOBV(candles []market.Candle) float64 {
	obv := 0.0
	for i := 1; i < len(candles); i++ {
		if candles[i].Close > candles[i-1].Close {
			obv += candles[i].Volume
		} else if candles[i].Close < candles[i-1].Close {
			obv -= candles[i].Volume
		}
	}
	return obv
}

// IsOBVBullish compares OBV over the last period against the period one bar earlier
func (va *VolumeAnalyzer) IsOBVBullish(candles []market.Candle, period int) bool {
	if len(candles) < period+1 {
		return false
	}
	current := va.CalculateOBV(candles[len(candles)-period:])
	previous := va.CalculateOBV(candles[len(candles)-period-1 : len(candles)-1])
	return current > previous
}

// DetectVolumeDryUp identifies declining volume across the trailing period
func (va *VolumeAnalyzer) DetectVolumeDryUp(candles []market.Candle, period int) bool {
	if period < 2 || len(candles) < period {
		return false
	}
	recent := candles[len(candles)-period:]
	mid := period / 2

	first, second := 0.0, 0.0
	for i := 0; i < mid; i++ {
		first += recent[i].Volume
	}
	for i := mid; i < period; i++ {
		second += recent[i].Volume
	}
	first /= float64(mid)
	second /= float64(period - mid)

	return second < first*0.7
}
