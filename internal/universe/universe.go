// Package universe loads the instrument universe and applies the basic
// eligibility filter before any indicator work happens.
package universe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"equity-screener/config"
	"equity-screener/internal/candidate"
	"equity-screener/internal/market"
)

// ErrUnavailable is the only error that aborts a run
var ErrUnavailable = errors.New("universe unavailable")

// CandleCounter reports how many bars are stored for an instrument
type CandleCounter interface {
	CountBars(ctx context.Context, instrumentID int64, tf market.Timeframe) (int, error)
}

// Requirements is the minimum history a screener type needs
type Requirements struct {
	MinDailyBars  int
	MinWeeklyBars int
}

// Load lists instruments for the segment, optionally restricted to symbols
func Load(ctx context.Context, src market.UniverseSource, segment string, symbols []string) ([]market.Instrument, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no source configured", ErrUnavailable)
	}
	instruments, err := src.ListInstruments(ctx, segment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(symbols) == 0 {
		return instruments, nil
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	out := instruments[:0:0]
	for _, inst := range instruments {
		if want[strings.ToUpper(inst.Symbol)] {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Filter applies the price band, penny exclusion and history checks
type Filter struct {
	cfg config.UniverseConfig
}

// NewFilter creates a universe filter
func NewFilter(cfg config.UniverseConfig) *Filter {
	return &Filter{cfg: cfg}
}

// Apply splits instruments into eligible and excluded. Exclusions never
// error; a bar count failure excludes only that instrument.
func (f *Filter) Apply(ctx context.Context, instruments []market.Instrument, counter CandleCounter, req Requirements) ([]market.Instrument, []candidate.Exclusion) {
	eligible := make([]market.Instrument, 0, len(instruments))
	var excluded []candidate.Exclusion

	for _, inst := range instruments {
		if reason := f.check(ctx, inst, counter, req); reason != "" {
			excluded = append(excluded, candidate.Exclusion{
				InstrumentID: inst.ID,
				Symbol:       inst.Symbol,
				Stage:        "universe",
				Reason:       reason,
			})
			continue
		}
		eligible = append(eligible, inst)
	}
	return eligible, excluded
}

func (f *Filter) check(ctx context.Context, inst market.Instrument, counter CandleCounter, req Requirements) string {
	price := inst.LTP
	switch {
	case price <= 0:
		return "no last traded price"
	case price < f.cfg.MinPrice:
		return fmt.Sprintf("price %.2f below minimum %.2f", price, f.cfg.MinPrice)
	case f.cfg.MaxPrice > 0 && price > f.cfg.MaxPrice:
		return fmt.Sprintf("price %.2f above maximum %.2f", price, f.cfg.MaxPrice)
	case f.cfg.ExcludePenny && (inst.Penny || price < f.cfg.PennyThreshold):
		return "penny stock"
	}

	if counter == nil {
		return ""
	}
	if reason := history(ctx, counter, inst.ID, market.TF1D, req.MinDailyBars); reason != "" {
		return reason
	}
	return history(ctx, counter, inst.ID, market.TF1W, req.MinWeeklyBars)
}

func history(ctx context.Context, counter CandleCounter, id int64, tf market.Timeframe, min int) string {
	if min <= 0 {
		return ""
	}
	n, err := counter.CountBars(ctx, id, tf)
	if err != nil {
		return fmt.Sprintf("%s bar count unavailable: %v", tf, err)
	}
	if n < min {
		return fmt.Sprintf("insufficient %s history: %d < %d bars", tf, n, min)
	}
	return ""
}
