package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"equity-screener/internal/candidate"
)

// LoadEvaluation returns the stored verdict for (run, instrument), or nil
// when none exists
func (r *Repository) LoadEvaluation(ctx context.Context, runKey string, instrumentID int64) (*candidate.AIResult, error) {
	query := `
		SELECT status, confidence, COALESCE(risk_category, ''), COALESCE(timeframe, ''), avoid, COALESCE(rationale, '')
		FROM ai_evaluations
		WHERE run_key = $1 AND instrument_id = $2
	`
	var status string
	res := &candidate.AIResult{}
	err := r.db.Pool.QueryRow(ctx, query, runKey, instrumentID).Scan(
		&status, &res.Confidence, &res.RiskCategory, &res.Timeframe, &res.Avoid, &res.Rationale,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res.Status = candidate.AIStatus(status)
	return res, nil
}

// SaveEvaluation records a verdict. The first verdict for (run, instrument)
// wins; later writes are ignored.
func (r *Repository) SaveEvaluation(ctx context.Context, runKey string, instrumentID int64, res *candidate.AIResult) error {
	query := `
		INSERT INTO ai_evaluations (run_key, instrument_id, status, confidence, risk_category, timeframe, avoid, rationale)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_key, instrument_id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		runKey, instrumentID, string(res.Status), res.Confidence, res.RiskCategory, res.Timeframe, res.Avoid, res.Rationale)
	return err
}

// CleanupOldEvaluations removes verdicts older than the specified duration
func (r *Repository) CleanupOldEvaluations(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().Add(-olderThan)
	result, err := r.db.Pool.Exec(ctx, "DELETE FROM ai_evaluations WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
