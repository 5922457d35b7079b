package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"equity-screener/config"
	"equity-screener/internal/logging"
)

// ErrUnavailable is returned while the Redis health breaker is open
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// Redis is a Cache backed by Redis with graceful degradation. After
// repeated failures it stops calling Redis and returns ErrUnavailable until
// a background ping succeeds.
type Redis struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       *logging.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewRedis connects to Redis. A failed initial ping returns the cache in
// degraded mode rather than an error.
func NewRedis(cfg config.RedisConfig, logger *logging.Logger) (*Redis, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}
	if logger == nil {
		logger = logging.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	rc := &Redis{
		client:        client,
		config:        cfg,
		logger:        logger.WithComponent("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		rc.logger.Warn("Initial Redis connection failed, running degraded", "address", cfg.Address, "error", err)
		rc.lastCheck = time.Now()
		return rc, nil
	}

	rc.healthy = true
	rc.lastCheck = time.Now()
	rc.logger.Info("Redis connected", "address", cfg.Address)
	return rc, nil
}

// IsHealthy returns whether Redis is currently available
func (rc *Redis) IsHealthy() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.healthy
}

func (rc *Redis) recordFailure() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.failureCount++
	if rc.failureCount >= rc.maxFailures {
		if rc.healthy {
			rc.logger.Warn("Redis marked unhealthy", "failures", rc.failureCount)
		}
		rc.healthy = false
	}
}

func (rc *Redis) recordSuccess() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.healthy {
		rc.logger.Info("Redis recovered")
	}
	rc.healthy = true
	rc.failureCount = 0
	rc.lastCheck = time.Now()
}

// checkHealth pings in the background once the check interval has passed
func (rc *Redis) checkHealth() {
	rc.mu.Lock()
	shouldCheck := !rc.healthy && time.Since(rc.lastCheck) >= rc.checkInterval
	if shouldCheck {
		rc.lastCheck = time.Now()
	}
	rc.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := rc.client.Ping(pingCtx).Err(); err == nil {
			rc.recordSuccess()
		}
	}()
}

// guard runs before every operation
func (rc *Redis) guard() error {
	rc.checkHealth()
	if !rc.IsHealthy() {
		return ErrUnavailable
	}
	return nil
}

// result records the outcome of a Redis call and wraps real failures
func (rc *Redis) result(op string, err error) error {
	if err == nil {
		rc.recordSuccess()
		return nil
	}
	if errors.Is(err, redis.Nil) {
		rc.recordSuccess()
		return ErrMiss
	}
	rc.recordFailure()
	return fmt.Errorf("redis %s failed: %w", op, err)
}

func (rc *Redis) Get(ctx context.Context, key string) (string, error) {
	if err := rc.guard(); err != nil {
		return "", err
	}
	val, err := rc.client.Get(ctx, key).Result()
	return val, rc.result("get", err)
}

func (rc *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := rc.guard(); err != nil {
		return err
	}
	return rc.result("set", rc.client.Set(ctx, key, value, ttl).Err())
}

func (rc *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := rc.guard(); err != nil {
		return false, err
	}
	ok, err := rc.client.SetNX(ctx, key, value, ttl).Result()
	return ok, rc.result("setnx", err)
}

// Incr is atomic; the TTL is set on the first increment
func (rc *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := rc.guard(); err != nil {
		return 0, err
	}
	val, err := rc.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, rc.result("incr", err)
	}
	if val == 1 && ttl > 0 {
		if err := rc.client.Expire(ctx, key, ttl).Err(); err != nil {
			rc.logger.Warn("Failed to set counter TTL", "key", key, "error", err)
		}
	}
	rc.recordSuccess()
	return val, nil
}

func (rc *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := rc.guard(); err != nil {
		return 0, err
	}
	d, err := rc.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, rc.result("ttl", err)
	}
	// -2 means the key does not exist
	if d == -2 {
		rc.recordSuccess()
		return 0, ErrMiss
	}
	rc.recordSuccess()
	return d, nil
}

func (rc *Redis) Delete(ctx context.Context, key string) error {
	if err := rc.guard(); err != nil {
		return err
	}
	return rc.result("delete", rc.client.Del(ctx, key).Err())
}

// Ping checks Redis connectivity
func (rc *Redis) Ping(ctx context.Context) error {
	return rc.result("ping", rc.client.Ping(ctx).Err())
}

// Close closes the Redis connection
func (rc *Redis) Close() error {
	if rc.client != nil {
		return rc.client.Close()
	}
	return nil
}

// Stats returns cache statistics for monitoring
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics
func (rc *Redis) GetStats() Stats {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	return Stats{
		Healthy:      rc.healthy,
		FailureCount: rc.failureCount,
		Address:      rc.config.Address,
		PoolSize:     rc.config.PoolSize,
	}
}
