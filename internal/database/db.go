package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"equity-screener/config"
	"equity-screener/internal/logging"
)

// ErrNotConfigured is returned when no database URL is set
var ErrNotConfigured = errors.New("database url not configured")

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *logging.Logger) (*DB, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = logging.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.WithComponent("database")
	log.Info("Connected to PostgreSQL", "database", poolConfig.ConnConfig.Database)

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("Database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations creates the screener schema. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info("Running database migrations")

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info("Database migrations completed", "statements", len(migrations))
	return nil
}

var migrations = []string{
	// Instrument master, owned by the ingestion side
	`CREATE TABLE IF NOT EXISTS instruments (
		id BIGINT PRIMARY KEY,
		symbol VARCHAR(40) NOT NULL,
		exchange VARCHAR(10) NOT NULL,
		segment VARCHAR(10) NOT NULL,
		ltp DECIMAL(20, 4) NOT NULL DEFAULT 0,
		penny BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_instruments_symbol ON instruments(exchange, symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_instruments_segment ON instruments(segment) WHERE active`,

	`CREATE TABLE IF NOT EXISTS sectors (
		symbol VARCHAR(40) PRIMARY KEY,
		sector VARCHAR(60) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS candles (
		instrument_id BIGINT NOT NULL REFERENCES instruments(id) ON DELETE CASCADE,
		timeframe VARCHAR(5) NOT NULL,
		time TIMESTAMP NOT NULL,
		open DECIMAL(20, 4) NOT NULL,
		high DECIMAL(20, 4) NOT NULL,
		low DECIMAL(20, 4) NOT NULL,
		close DECIMAL(20, 4) NOT NULL,
		volume DECIMAL(24, 2) NOT NULL,
		PRIMARY KEY (instrument_id, timeframe, time)
	)`,

	// Ingestion requests picked up by the candle loader
	`CREATE TABLE IF NOT EXISTS candle_refresh_requests (
		instrument_id BIGINT PRIMARY KEY REFERENCES instruments(id) ON DELETE CASCADE,
		last_bar TIMESTAMP,
		requested_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS screener_runs (
		id UUID PRIMARY KEY,
		run_key VARCHAR(100) NOT NULL,
		screener_type VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		universe_size INT NOT NULL DEFAULT 0,
		candidates INT NOT NULL DEFAULT 0,
		selected INT NOT NULL DEFAULT 0,
		ai_calls BIGINT NOT NULL DEFAULT 0,
		ai_cache_hits BIGINT NOT NULL DEFAULT 0,
		ai_failures BIGINT NOT NULL DEFAULT 0,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_screener_runs_key ON screener_runs(run_key)`,
	`CREATE INDEX IF NOT EXISTS idx_screener_runs_started ON screener_runs(started_at DESC)`,

	// One row per (run, instrument, stage); the payload is the candidate as
	// it left that stage
	`CREATE TABLE IF NOT EXISTS candidates (
		run_key VARCHAR(100) NOT NULL,
		instrument_id BIGINT NOT NULL,
		stage VARCHAR(20) NOT NULL,
		symbol VARCHAR(40) NOT NULL,
		composite_score DECIMAL(6, 2),
		payload JSONB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_key, instrument_id, stage)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_candidates_stage ON candidates(run_key, stage)`,

	`CREATE TABLE IF NOT EXISTS ai_evaluations (
		id BIGSERIAL PRIMARY KEY,
		run_key VARCHAR(100) NOT NULL,
		instrument_id BIGINT NOT NULL,
		status VARCHAR(20) NOT NULL,
		confidence DECIMAL(4, 2) NOT NULL DEFAULT 0,
		risk_category VARCHAR(10),
		timeframe VARCHAR(10),
		avoid BOOLEAN NOT NULL DEFAULT FALSE,
		rationale TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (run_key, instrument_id)
	)`,

	// Portfolio tables are written by the execution side; the screener only reads
	`CREATE TABLE IF NOT EXISTS portfolio_settings (
		id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		total_equity DECIMAL(20, 2) NOT NULL,
		max_positions INT NOT NULL DEFAULT 0,
		max_capital_pct DECIMAL(6, 2) NOT NULL DEFAULT 0,
		max_per_sector INT NOT NULL DEFAULT 0,
		daily_trade_limit INT NOT NULL DEFAULT -1,
		risk_per_trade_pct DECIMAL(6, 2) NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS capital_buckets (
		bucket VARCHAR(20) PRIMARY KEY,
		available_capital DECIMAL(20, 2) NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id BIGSERIAL PRIMARY KEY,
		instrument_id BIGINT NOT NULL,
		symbol VARCHAR(40) NOT NULL,
		sector VARCHAR(60),
		bucket VARCHAR(20) NOT NULL,
		quantity INT NOT NULL,
		entry_price DECIMAL(20, 4) NOT NULL,
		status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
		opened_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		closed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(instrument_id) WHERE status = 'OPEN'`,
	`CREATE INDEX IF NOT EXISTS idx_positions_opened_at ON positions(opened_at)`,
}
