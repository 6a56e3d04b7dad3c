package conn

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the reconnect delay curve.
type BackoffConfig struct {
	// InitialDelay is the first retry delay.
	InitialDelay time.Duration
	// MaxDelay is the maximum retry delay.
	MaxDelay time.Duration
	// Multiplier is the backoff multiplier (typically 2.0).
	Multiplier float64
	// JitterFraction is the random jitter factor (0.0-1.0).
	JitterFraction float64
}

// DefaultBackoffConfig returns sensible defaults for a local radio link:
// quick first retries, capped at a minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:   time.Second,
		MaxDelay:       time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Backoff computes successive reconnect delays with jitter.
type Backoff struct {
	cfg      BackoffConfig
	attempts int
}

// NewBackoff creates a backoff with the given config, filling in
// defaults for zero fields.
func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction < 0 || cfg.JitterFraction > 1 {
		cfg.JitterFraction = def.JitterFraction
	}
	return &Backoff{cfg: cfg}
}

// Next returns the delay before the next attempt and advances the curve.
func (b *Backoff) Next() time.Duration {
	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(b.attempts))
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}
	if b.cfg.JitterFraction > 0 {
		jitter := delay * b.cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	b.attempts++
	return time.Duration(delay)
}

// Attempts returns how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempts() int { return b.attempts }

// Reset restarts the curve after a successful connection.
func (b *Backoff) Reset() { b.attempts = 0 }
