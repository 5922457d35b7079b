package screener

import (
	"equity-screener/config"
	"equity-screener/internal/candidate"
	"equity-screener/internal/market"
	"equity-screener/internal/universe"
)

// Profile parameterises the shared screener for one holding-period style
type Profile struct {
	Type candidate.ScreenerType

	// Primary is the timeframe the base score and structure are computed on
	Primary market.Timeframe

	cfg config.ScreenerConfig
}

// Swing scores the daily series and uses the weekly (and optionally 15m) view for MTF
func Swing(cfg config.ScreenerConfig) Profile {
	return Profile{Type: candidate.TypeSwing, Primary: market.TF1D, cfg: cfg}
}

// Longterm scores the weekly series and uses the daily view for MTF
func Longterm(cfg config.ScreenerConfig) Profile {
	return Profile{Type: candidate.TypeLongterm, Primary: market.TF1W, cfg: cfg}
}

// ForType returns the profile for a screener type
func ForType(t candidate.ScreenerType, cfg *config.Config) Profile {
	if t == candidate.TypeLongterm {
		return Longterm(cfg.Longterm)
	}
	return Swing(cfg.Swing)
}

// Config exposes the profile's settings
func (p Profile) Config() config.ScreenerConfig {
	return p.cfg
}

// Requirements is the minimum history an instrument needs to be screened
func (p Profile) Requirements() universe.Requirements {
	return universe.Requirements{MinDailyBars: p.cfg.MinDailyBars, MinWeeklyBars: p.cfg.MinWeeklyBars}
}

// Limits is the number of bars loaded per timeframe
func (p Profile) Limits() map[market.Timeframe]int {
	limits := map[market.Timeframe]int{
		market.TF1D: p.cfg.DailyBars,
		market.TF1W: p.cfg.WeeklyBars,
	}
	if p.cfg.IncludeIntraday {
		limits[market.TF15m] = p.cfg.IntradayBars
	}
	return limits
}

// minPrimaryBars is the history required on the primary timeframe
func (p Profile) minPrimaryBars() int {
	if p.Primary == market.TF1W {
		return p.cfg.MinWeeklyBars
	}
	return p.cfg.MinDailyBars
}
