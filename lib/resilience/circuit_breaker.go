// Package resilience guards the node's external dependencies. Today
// that is the MQTT broker: publishes flow through a circuit breaker fed
// by both publish results and periodic TCP probes, so a dead broker
// sheds load instead of stalling the radio worker.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitState is the breaker's position.
type CircuitState int

const (
	// CircuitClosed passes requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen lets a few trial requests decide recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is how many consecutive failures trip the circuit.
	FailureThreshold int
	// SuccessThreshold is how many half-open successes close it again.
	SuccessThreshold int
	// OpenTimeout is the cooldown before an open circuit admits trials.
	OpenTimeout time.Duration
	// HalfOpenProbes caps concurrent trial requests while half-open.
	HalfOpenProbes int
}

// DefaultBreakerConfig returns the defaults used for the uplink.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenProbes:   3,
	}
}

// CircuitBreaker trips after repeated failures and heals through a
// half-open trial phase. State transitions update the package metrics.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	logger *slog.Logger

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
	changedAt time.Time
}

// NewBreaker creates a circuit breaker. Zero config fields fall back to
// the defaults.
func NewBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	return &CircuitBreaker{
		name:      name,
		cfg:       cfg,
		logger:    slog.Default().With("component", "resilience", "circuit", name),
		state:     CircuitClosed,
		changedAt: time.Now(),
	}
}

// Allow reports whether a request may proceed, admitting trial probes
// once an open circuit's cooldown has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) < cb.cfg.OpenTimeout {
			return false
		}
		cb.moveTo(CircuitHalfOpen)
		cb.probes = 1
		return true
	case CircuitHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenProbes {
			return false
		}
		cb.probes++
		return true
	}
	return false
}

// RecordSuccess feeds a successful operation into the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.moveTo(CircuitClosed)
		}
	}
}

// RecordFailure feeds a failed operation into the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.moveTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		// A failed trial reopens the circuit for another cooldown.
		cb.moveTo(CircuitOpen)
	}
}

// Execute runs fn if the circuit allows it and records the outcome.
// Returns ErrCircuitOpen when the request is shed.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		CircuitRejections.Inc()
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		CircuitFailures.Inc()
		cb.RecordFailure()
		return err
	}
	CircuitSuccesses.Inc()
	cb.RecordSuccess()
	return nil
}

// moveTo changes state and resets the counters that belong to the new
// state. Must be called with the lock held.
func (cb *CircuitBreaker) moveTo(next CircuitState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.changedAt = time.Now()

	switch next {
	case CircuitClosed:
		cb.failures = 0
		cb.successes = 0
	case CircuitOpen:
		cb.openedAt = time.Now()
		cb.successes = 0
		CircuitTrips.Inc()
	case CircuitHalfOpen:
		cb.successes = 0
		cb.probes = 0
	}
	CircuitStateGauge.Set(int64(next))

	cb.logger.Info("circuit state change", "from", prev, "to", next)
}

// State returns the current position, accounting for an elapsed
// cooldown on an open circuit.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && time.Since(cb.openedAt) >= cb.cfg.OpenTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// IsOpen reports whether the circuit is currently shedding requests.
func (cb *CircuitBreaker) IsOpen() bool { return cb.State() == CircuitOpen }

// Reset returns the breaker to a fresh closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	cb.openedAt = time.Time{}
	cb.changedAt = time.Now()
}

// BreakerStats is a point-in-time snapshot for diagnostics.
type BreakerStats struct {
	Name      string
	State     CircuitState
	Failures  int
	Successes int
	ChangedAt time.Time
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:      cb.name,
		State:     cb.state,
		Failures:  cb.failures,
		Successes: cb.successes,
		ChangedAt: cb.changedAt,
	}
}
