package database

import (
	"context"
	"encoding/json"
	"fmt"

	"equity-screener/internal/candidate"
)

// ============================================================================
// SCREENER RUNS
// ============================================================================

const runColumns = `id::text, run_key, screener_type, status, universe_size, candidates, selected,
	ai_calls, ai_cache_hits, ai_failures, COALESCE(error, ''), started_at, completed_at`

// StartRun inserts the run record
func (r *Repository) StartRun(ctx context.Context, run *candidate.Run) error {
	query := `
		INSERT INTO screener_runs (id, run_key, screener_type, status, universe_size, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		run.ID, run.Key, string(run.Type), string(run.Status), run.UniverseSize, run.StartedAt)
	return err
}

// CompleteRun writes the final run state. Runs that failed before StartRun
// are inserted here.
func (r *Repository) CompleteRun(ctx context.Context, run *candidate.Run) error {
	query := `
		INSERT INTO screener_runs (id, run_key, screener_type, status, universe_size, candidates, selected,
			ai_calls, ai_cache_hits, ai_failures, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			universe_size = EXCLUDED.universe_size,
			candidates = EXCLUDED.candidates,
			selected = EXCLUDED.selected,
			ai_calls = EXCLUDED.ai_calls,
			ai_cache_hits = EXCLUDED.ai_cache_hits,
			ai_failures = EXCLUDED.ai_failures,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		run.ID, run.Key, string(run.Type), string(run.Status), run.UniverseSize, run.Candidates, run.Selected,
		run.AICalls, run.AICacheHits, run.AIFailures, run.Error, run.StartedAt, run.CompletedAt)
	return err
}

// GetRun finds a run by id, or the latest run with that run key
func (r *Repository) GetRun(ctx context.Context, idOrKey string) (*candidate.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM screener_runs
		WHERE id::text = $1 OR run_key = $1
		ORDER BY started_at DESC
		LIMIT 1
	`
	run := &candidate.Run{}
	if err := scanRun(r.db.Pool.QueryRow(ctx, query, idOrKey), run); err != nil {
		return nil, notFound(err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, optionally of one screener type
func (r *Repository) ListRuns(ctx context.Context, typ candidate.ScreenerType, limit int) ([]*candidate.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM screener_runs
		WHERE $1 = '' OR screener_type = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, string(typ), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*candidate.Run
	for rows.Next() {
		run := &candidate.Run{}
		if err := scanRun(rows, run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner, run *candidate.Run) error {
	var typ, status string
	err := row.Scan(
		&run.ID, &run.Key, &typ, &status, &run.UniverseSize, &run.Candidates, &run.Selected,
		&run.AICalls, &run.AICacheHits, &run.AIFailures, &run.Error, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return err
	}
	run.Type = candidate.ScreenerType(typ)
	run.Status = candidate.RunStatus(status)
	return nil
}

// ============================================================================
// CANDIDATES
// ============================================================================

// SaveCandidate upserts the candidate as it left stage
func (r *Repository) SaveCandidate(ctx context.Context, runKey, stage string, c *candidate.Candidate) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode candidate %s: %w", c.Instrument.Symbol, err)
	}
	query := `
		INSERT INTO candidates (run_key, instrument_id, stage, symbol, composite_score, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (run_key, instrument_id, stage) DO UPDATE SET
			composite_score = EXCLUDED.composite_score,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.Pool.Exec(ctx, query,
		runKey, c.Instrument.ID, stage, c.Instrument.Symbol, c.CompositeScore(), payload)
	return err
}

// LoadCandidates returns a run's candidates at stage. An empty stage returns
// each instrument's most recent record.
func (r *Repository) LoadCandidates(ctx context.Context, runKey, stage string) ([]*candidate.Candidate, error) {
	query := `
		SELECT payload FROM (
			SELECT DISTINCT ON (instrument_id) instrument_id, composite_score, payload
			FROM candidates
			WHERE run_key = $1 AND ($2 = '' OR stage = $2)
			ORDER BY instrument_id, updated_at DESC
		) latest
		ORDER BY composite_score DESC NULLS LAST, instrument_id
	`
	rows, err := r.db.Pool.Query(ctx, query, runKey, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*candidate.Candidate
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		c := &candidate.Candidate{}
		if err := json.Unmarshal(payload, c); err != nil {
			return nil, fmt.Errorf("decode candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
