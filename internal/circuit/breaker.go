package circuit

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Calls halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled             bool          `json:"enabled"`
	MaxConsecutiveFails int           `json:"max_consecutive_failures"` // Failures in a row before tripping
	Cooldown            time.Duration `json:"cooldown"`                 // Open duration before a trial call
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		MaxConsecutiveFails: 3,
		Cooldown:            5 * time.Minute,
	}
}

// Breaker trips after consecutive call failures and lets trial calls
// through once the cooldown has passed. The first recorded trial result
// closes or reopens it.
type Breaker struct {
	config           Config
	state            BreakerState
	consecutiveFails int
	totalFails       int
	totalSuccesses   int
	lastTripTime     time.Time
	tripReason       string
	mu               sync.Mutex
	onTrip           func(reason string)
	onReset          func()
	now              func() time.Time
}

// NewBreaker creates a new circuit breaker
func NewBreaker(config Config) *Breaker {
	if config.MaxConsecutiveFails <= 0 {
		config.MaxConsecutiveFails = DefaultConfig().MaxConsecutiveFails
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// OnTrip sets callback for when breaker trips
func (cb *Breaker) OnTrip(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets callback for when breaker closes again
func (cb *Breaker) OnReset(handler func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

// Allow checks if a call may proceed
func (cb *Breaker) Allow() (bool, string) {
	if !cb.config.Enabled {
		return true, ""
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		elapsed := cb.now().Sub(cb.lastTripTime)
		if elapsed < cb.config.Cooldown {
			remaining := cb.config.Cooldown - elapsed
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), cb.tripReason)
		}
		// Cooldown passed, try half-open
		cb.state = StateHalfOpen
		return true, ""
	}
	return true, ""
}

// RecordSuccess closes the breaker and clears the failure streak
func (cb *Breaker) RecordSuccess() {
	cb.mu.Lock()
	cb.totalSuccesses++
	cb.consecutiveFails = 0
	recovered := cb.state != StateClosed
	cb.state = StateClosed
	cb.tripReason = ""
	onReset := cb.onReset
	cb.mu.Unlock()

	if recovered && onReset != nil {
		go onReset()
	}
}

// RecordFailure counts a failed call and trips the breaker when the streak
// reaches the limit. A failed trial call reopens it immediately.
func (cb *Breaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFails++
	cb.consecutiveFails++

	if cb.state == StateHalfOpen {
		cb.trip(fmt.Sprintf("trial call failed: %v", err))
		return
	}
	if cb.config.Enabled && cb.consecutiveFails >= cb.config.MaxConsecutiveFails {
		cb.trip(fmt.Sprintf("consecutive failures: %d (last: %v)", cb.consecutiveFails, err))
	}
}

// trip opens the circuit breaker; callers hold mu
func (cb *Breaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTripTime = cb.now()
	cb.tripReason = reason

	if cb.onTrip != nil {
		go cb.onTrip(reason)
	}
}

// ForceReset manually resets the circuit breaker
func (cb *Breaker) ForceReset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.consecutiveFails = 0
	cb.tripReason = ""
	onReset := cb.onReset
	cb.mu.Unlock()

	if onReset != nil {
		go onReset()
	}
}

// State returns current breaker state
func (cb *Breaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current statistics
func (cb *Breaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"state":             string(cb.state),
		"consecutive_fails": cb.consecutiveFails,
		"total_fails":       cb.totalFails,
		"total_successes":   cb.totalSuccesses,
		"trip_reason":       cb.tripReason,
		"last_trip_time":    cb.lastTripTime,
	}
}
