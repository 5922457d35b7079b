package database

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"equity-screener/internal/logging"
	"equity-screener/internal/market"
)

// ============================================================================
// INSTRUMENTS & SECTORS
// ============================================================================

// ListInstruments returns active instruments of a segment with their sector
func (r *Repository) ListInstruments(ctx context.Context, segment string) ([]market.Instrument, error) {
	query := `
		SELECT i.id, i.symbol, i.exchange, i.segment, i.ltp, i.penny, COALESCE(s.sector, '')
		FROM instruments i
		LEFT JOIN sectors s ON s.symbol = i.symbol
		WHERE i.active AND i.segment = $1
		ORDER BY i.symbol
	`
	rows, err := r.db.Pool.Query(ctx, query, segment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instruments []market.Instrument
	for rows.Next() {
		var inst market.Instrument
		if err := rows.Scan(
			&inst.ID, &inst.Symbol, &inst.Exchange, &inst.Segment, &inst.LTP, &inst.Penny, &inst.Sector,
		); err != nil {
			return nil, err
		}
		instruments = append(instruments, inst)
	}
	return instruments, rows.Err()
}

// SectorFor looks the symbol up in the sectors table. Lookup errors count as
// an unknown sector.
func (r *Repository) SectorFor(ctx context.Context, inst market.Instrument) (string, bool) {
	if inst.Sector != "" {
		return inst.Sector, true
	}
	var sector string
	err := r.db.Pool.QueryRow(ctx, `SELECT sector FROM sectors WHERE symbol = $1`,
		strings.ToUpper(inst.Symbol)).Scan(&sector)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			logging.DatabaseContext("select", "sectors").Debug("Sector lookup failed",
				"symbol", inst.Symbol, "error", err)
		}
		return "", false
	}
	return sector, sector != ""
}

// ============================================================================
// CANDLES
// ============================================================================

// LoadSeries returns the latest limit bars in chronological order
func (r *Repository) LoadSeries(ctx context.Context, instrumentID int64, tf market.Timeframe, limit int) (*market.Series, error) {
	query := `
		SELECT time, open, high, low, close, volume FROM (
			SELECT time, open, high, low, close, volume
			FROM candles
			WHERE instrument_id = $1 AND timeframe = $2
			ORDER BY time DESC
			LIMIT $3
		) latest
		ORDER BY time ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, instrumentID, string(tf), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candles := make([]market.Candle, 0, limit)
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.Time, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return market.NewSeries(instrumentID, tf, candles)
}

// CountBars returns how many bars are stored for an instrument and timeframe
func (r *Repository) CountBars(ctx context.Context, instrumentID int64, tf market.Timeframe) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM candles WHERE instrument_id = $1 AND timeframe = $2`,
		instrumentID, string(tf)).Scan(&n)
	return n, err
}

// EnsureFresh queues a refresh request for every instrument whose latest
// daily bar is older than the staleness window. The candle loader owns
// ingestion; this only records the demand.
func (r *Repository) EnsureFresh(ctx context.Context, instrumentIDs []int64) error {
	if len(instrumentIDs) == 0 {
		return nil
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT i.id, MAX(c.time)
		FROM unnest($1::bigint[]) AS i(id)
		LEFT JOIN candles c ON c.instrument_id = i.id AND c.timeframe = $2
		GROUP BY i.id
	`, instrumentIDs, string(market.TF1D))
	if err != nil {
		return fmt.Errorf("freshness query: %w", err)
	}
	latest := make(map[int64]*time.Time, len(instrumentIDs))
	for rows.Next() {
		var id int64
		var last *time.Time
		if err := rows.Scan(&id, &last); err != nil {
			rows.Close()
			return err
		}
		latest[id] = last
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	stale := staleInstruments(latest, r.now(), r.staleAfter)
	if len(stale) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, id := range stale {
		batch.Queue(`
			INSERT INTO candle_refresh_requests (instrument_id, last_bar, requested_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (instrument_id) DO UPDATE
			SET last_bar = EXCLUDED.last_bar, requested_at = EXCLUDED.requested_at
		`, id, latest[id])
	}
	if err := r.db.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("queue refresh: %w", err)
	}

	r.logger.Info("Queued candle refresh", "stale", len(stale), "checked", len(instrumentIDs))
	return nil
}

// staleInstruments returns ids with no bars or a latest bar older than after,
// in ascending id order
func staleInstruments(latest map[int64]*time.Time, now time.Time, after time.Duration) []int64 {
	var out []int64
	cutoff := now.Add(-after)
	for id, last := range latest {
		if last == nil || last.Before(cutoff) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
