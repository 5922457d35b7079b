// Package portfolio provides the read-only portfolio view the setup
// detector, plan builder and selector work from.
package portfolio

import (
	"context"
	"fmt"

	"equity-screener/config"
	"equity-screener/internal/candidate"
	"equity-screener/internal/logging"
	"equity-screener/internal/risk"
)

// Bucket partitions capital between the screener styles
type Bucket string

const (
	BucketSwing    Bucket = "swing"
	BucketLongterm Bucket = "longterm"
)

// BucketFor maps a screener type to its capital bucket
func BucketFor(t candidate.ScreenerType) Bucket {
	if t == candidate.TypeLongterm {
		return BucketLongterm
	}
	return BucketSwing
}

// RiskConfig is the portfolio's current risk configuration and usage
type RiskConfig struct {
	MaxPositions     int     `json:"max_positions"`
	MaxCapitalPct    float64 `json:"max_capital_pct"`
	MaxPerSector     int     `json:"max_per_sector"`
	RiskPerTradePct  float64 `json:"risk_per_trade_pct"`

	// DailyTradeBudget is the number of trades still allowed today; nil
	// keeps the configured default and 0 means the budget is spent
	DailyTradeBudget *int `json:"daily_trade_budget,omitempty"`

	// OpenPositions and SectorPositions describe current holdings
	OpenPositions   int            `json:"open_positions"`
	SectorPositions map[string]int `json:"sector_positions,omitempty"`
}

// Service is the external portfolio collaborator. The screener only reads.
type Service interface {
	OpenPositionsFor(ctx context.Context, instrumentID int64) (int, error)
	AvailableCapital(ctx context.Context, bucket Bucket) (float64, error)
	TotalEquity(ctx context.Context) (float64, error)
	RiskConfig(ctx context.Context) (*RiskConfig, error)
}

// Snapshot is a point-in-time view taken once per run and never mutated
type Snapshot struct {
	Bucket           Bucket         `json:"bucket"`
	TotalEquity      float64        `json:"total_equity"`
	AvailableCapital float64        `json:"available_capital"`
	MaxPositions     int            `json:"max_positions"`
	MaxCapitalPct    float64        `json:"max_capital_pct"`
	MaxPerSector     int            `json:"max_per_sector"`
	DailyTradeBudget int            `json:"daily_trade_budget"`
	RiskPerTradePct  float64        `json:"risk_per_trade_pct"`
	OpenPositions    int            `json:"open_positions"`
	SectorPositions  map[string]int `json:"sector_positions,omitempty"`

	// Degraded lists the values that fell back to configured defaults
	Degraded []string `json:"degraded,omitempty"`

	held map[int64]bool
}

// Take reads the portfolio once. Every value the service cannot supply
// falls back to cfg; Take never fails.
func Take(ctx context.Context, svc Service, bucket Bucket, instrumentIDs []int64, cfg config.PortfolioConfig, logger *logging.Logger) *Snapshot {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("portfolio")

	s := &Snapshot{
		Bucket:           bucket,
		MaxPositions:     cfg.MaxPositions,
		MaxCapitalPct:    cfg.MaxCapitalPct,
		MaxPerSector:     cfg.MaxPerSector,
		DailyTradeBudget: cfg.DailyTradeBudget,
		RiskPerTradePct:  cfg.RiskPerTradePct,
		held:             make(map[int64]bool),
	}
	degrade := func(what string, err error) {
		s.Degraded = append(s.Degraded, what)
		log.Warn("Portfolio value unavailable, using default", "value", what, "error", err)
	}

	if svc == nil {
		s.TotalEquity = cfg.DefaultEquity
		s.AvailableCapital = defaultCapital(cfg, bucket)
		s.Degraded = append(s.Degraded, "service")
		return s
	}

	if rc, err := svc.RiskConfig(ctx); err != nil || rc == nil {
		degrade("risk_config", errOrMissing(err))
	} else {
		s.applyRiskConfig(rc)
	}

	if equity, err := svc.TotalEquity(ctx); err != nil || equity <= 0 {
		degrade("total_equity", errOrMissing(err))
		s.TotalEquity = cfg.DefaultEquity
	} else {
		s.TotalEquity = equity
	}

	if capital, err := svc.AvailableCapital(ctx, bucket); err != nil {
		degrade("available_capital", err)
		s.AvailableCapital = defaultCapital(cfg, bucket)
	} else {
		s.AvailableCapital = capital
	}

	for _, id := range instrumentIDs {
		n, err := svc.OpenPositionsFor(ctx, id)
		if err != nil {
			log.Warn("Position lookup failed", "instrument_id", id, "error", err)
			continue
		}
		if n > 0 {
			s.held[id] = true
		}
	}
	return s
}

// applyRiskConfig takes the service's limits, keeping defaults for unset ones
func (s *Snapshot) applyRiskConfig(rc *RiskConfig) {
	if rc.MaxPositions > 0 {
		s.MaxPositions = rc.MaxPositions
	}
	if rc.MaxCapitalPct > 0 {
		s.MaxCapitalPct = rc.MaxCapitalPct
	}
	if rc.MaxPerSector > 0 {
		s.MaxPerSector = rc.MaxPerSector
	}
	if rc.DailyTradeBudget != nil && *rc.DailyTradeBudget >= 0 {
		s.DailyTradeBudget = *rc.DailyTradeBudget
	}
	if rc.RiskPerTradePct > 0 {
		s.RiskPerTradePct = rc.RiskPerTradePct
	}
	s.OpenPositions = rc.OpenPositions
	if len(rc.SectorPositions) > 0 {
		s.SectorPositions = make(map[string]int, len(rc.SectorPositions))
		for k, v := range rc.SectorPositions {
			s.SectorPositions[k] = v
		}
	}
}

// InPosition reports whether the instrument was held when the snapshot was taken
func (s *Snapshot) InPosition(instrumentID int64) bool {
	return s != nil && s.held[instrumentID]
}

// MaxPositionValue is the largest allowed position value
func (s *Snapshot) MaxPositionValue() float64 {
	return s.TotalEquity * s.MaxCapitalPct / 100
}

// Budget is the per-trade sizing envelope
func (s *Snapshot) Budget() risk.Budget {
	return risk.NewBudget(s.TotalEquity, s.RiskPerTradePct, s.MaxCapitalPct)
}

// SectorCount is the number of held positions in sector
func (s *Snapshot) SectorCount(sector string) int {
	return s.SectorPositions[sector]
}

func defaultCapital(cfg config.PortfolioConfig, bucket Bucket) float64 {
	share := cfg.SwingShare
	if bucket == BucketLongterm {
		share = 1 - cfg.SwingShare
	}
	return cfg.DefaultEquity * share
}

func errOrMissing(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("not provided")
}
