package database

import (
	"context"
	"time"

	"equity-screener/internal/portfolio"
)

// ============================================================================
// PORTFOLIO (read-only)
// ============================================================================

// OpenPositionsFor counts open positions in an instrument
func (r *Repository) OpenPositionsFor(ctx context.Context, instrumentID int64) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE instrument_id = $1 AND status = 'OPEN'`,
		instrumentID).Scan(&n)
	return n, err
}

// AvailableCapital returns the free capital of a bucket
func (r *Repository) AvailableCapital(ctx context.Context, bucket portfolio.Bucket) (float64, error) {
	var capital float64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT available_capital FROM capital_buckets WHERE bucket = $1`,
		string(bucket)).Scan(&capital)
	if err != nil {
		return 0, notFound(err)
	}
	return capital, nil
}

// TotalEquity returns the account equity
func (r *Repository) TotalEquity(ctx context.Context) (float64, error) {
	var equity float64
	err := r.db.Pool.QueryRow(ctx, `SELECT total_equity FROM portfolio_settings WHERE id = 1`).Scan(&equity)
	if err != nil {
		return 0, notFound(err)
	}
	return equity, nil
}

// RiskConfig returns the configured limits with current usage. The daily
// trade budget is what remains after positions opened today; a negative
// limit in settings means unset.
func (r *Repository) RiskConfig(ctx context.Context) (*portfolio.RiskConfig, error) {
	rc := &portfolio.RiskConfig{}
	var dailyLimit int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT max_positions, max_capital_pct, max_per_sector, daily_trade_limit, risk_per_trade_pct
		FROM portfolio_settings WHERE id = 1
	`).Scan(&rc.MaxPositions, &rc.MaxCapitalPct, &rc.MaxPerSector, &dailyLimit, &rc.RiskPerTradePct)
	if err != nil {
		return nil, notFound(err)
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT COALESCE(sector, ''), COUNT(*)
		FROM positions
		WHERE status = 'OPEN'
		GROUP BY 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	rc.SectorPositions = make(map[string]int)
	for rows.Next() {
		var sector string
		var n int
		if err := rows.Scan(&sector, &n); err != nil {
			return nil, err
		}
		rc.OpenPositions += n
		if sector != "" {
			rc.SectorPositions[sector] = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var openedToday int
	if err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE opened_at >= $1`,
		startOfDay(r.now())).Scan(&openedToday); err != nil {
		return nil, err
	}
	rc.DailyTradeBudget = remainingTrades(dailyLimit, openedToday)
	return rc, nil
}

// remainingTrades returns nil for an unset limit, which keeps the configured default
func remainingTrades(limit, used int) *int {
	if limit < 0 {
		return nil
	}
	left := max(limit-used, 0)
	return &left
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
