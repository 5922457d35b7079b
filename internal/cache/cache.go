// Package cache provides the key/value capability used for AI result reuse,
// the daily AI call counter and progress snapshots. Redis backs it in
// production; Memory serves tests and single-process runs.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by Get when the key does not exist
var ErrMiss = errors.New("cache miss")

// Cache is the capability stages depend on
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr increments a counter, applying ttl when the counter is created
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Delete(ctx context.Context, key string) error
}

// Key formats
const (
	keyAICalls    = "ai:calls:%s"
	keyAIEval     = "ai:eval:%s:%d"
	keyAIResult   = "ai:result:%s:%d"
	keyProgress   = "progress:%s"
	keyRunSummary = "run:%s"
)

// Default TTLs
const (
	DailyCounterTTL = 48 * time.Hour
	ProgressTTL     = 6 * time.Hour
)

// AICallsKey is the daily AI call counter for a date (YYYY-MM-DD)
func AICallsKey(date string) string {
	return fmt.Sprintf(keyAICalls, date)
}

// AIEvalKey is the idempotency claim for one (run, instrument) evaluation
func AIEvalKey(runKey string, instrumentID int64) string {
	return fmt.Sprintf(keyAIEval, runKey, instrumentID)
}

// AIResultKey holds the stored verdict for one (run, instrument)
func AIResultKey(runKey string, instrumentID int64) string {
	return fmt.Sprintf(keyAIResult, runKey, instrumentID)
}

// ProgressKey holds the latest progress snapshot of a run
func ProgressKey(runKey string) string {
	return fmt.Sprintf(keyProgress, runKey)
}

// RunSummaryKey holds the latest run record
func RunSummaryKey(runKey string) string {
	return fmt.Sprintf(keyRunSummary, runKey)
}
