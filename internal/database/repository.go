package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"equity-screener/internal/logging"
)

// ErrNotFound is returned when a looked-up row does not exist
var ErrNotFound = errors.New("not found")

// defaultStaleAfter covers a weekend plus one exchange holiday
const defaultStaleAfter = 96 * time.Hour

// Repository provides data access methods. It implements the candle store,
// universe source, sector lookup, run store, candidate sink, AI verdict
// store and portfolio service ports.
type Repository struct {
	db         *DB
	logger     *logging.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	logger := db.logger
	if logger == nil {
		logger = logging.Default().WithComponent("database")
	}
	return &Repository{
		db:         db,
		logger:     logger,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
	}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// notFound maps pgx.ErrNoRows to ErrNotFound
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
