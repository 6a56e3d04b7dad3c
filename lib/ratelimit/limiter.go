// Package ratelimit implements a token bucket limiter. The radio side
// paces forced version beacons and channel moves with it; the web admin
// uses the keyed variant to cap per-client request rates.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket. It starts full and refills continuously at
// the configured rate up to the burst capacity.
type Limiter struct {
	mu     sync.Mutex
	perSec float64
	burst  float64
	avail  float64
	last   time.Time
}

// New creates a limiter refilling perSec tokens per second with the
// given burst capacity.
func New(perSec float64, burst int) *Limiter {
	return &Limiter{
		perSec: perSec,
		burst:  float64(burst),
		avail:  float64(burst),
		last:   time.Now(),
	}
}

// Allow consumes one token if available.
func (l *Limiter) Allow() bool { return l.take(1) }

// AllowN consumes n tokens if all are available, none otherwise.
func (l *Limiter) AllowN(n int) bool { return l.take(float64(n)) }

// Tokens returns the tokens currently available.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(time.Now())
	return l.avail
}

func (l *Limiter) take(n float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(time.Now())
	if l.avail < n {
		return false
	}
	l.avail -= n
	return true
}

// credit tops the bucket up for the time elapsed since the last call.
// Must be called with the lock held.
func (l *Limiter) credit(now time.Time) {
	l.avail += now.Sub(l.last).Seconds() * l.perSec
	if l.avail > l.burst {
		l.avail = l.burst
	}
	l.last = now
}

// KeyedLimiter keeps an independent bucket per key and evicts buckets
// that have been idle longer than the sweep interval.
type KeyedLimiter struct {
	mu      sync.Mutex
	perSec  float64
	burst   int
	idle    time.Duration
	buckets map[string]*keyedBucket
	done    chan struct{}
}

type keyedBucket struct {
	lim  *Limiter
	seen time.Time
}

// NewKeyed creates a per-key limiter. idle is both the sweep period and
// how long an untouched bucket survives.
func NewKeyed(perSec float64, burst int, idle time.Duration) *KeyedLimiter {
	kl := &KeyedLimiter{
		perSec:  perSec,
		burst:   burst,
		idle:    idle,
		buckets: make(map[string]*keyedBucket),
		done:    make(chan struct{}),
	}
	go kl.sweep()
	return kl
}

// Allow consumes one token from the key's bucket, creating it on first
// sight.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	b, ok := kl.buckets[key]
	if !ok {
		b = &keyedBucket{lim: New(kl.perSec, kl.burst)}
		kl.buckets[key] = b
	}
	b.seen = time.Now()
	kl.mu.Unlock()

	return b.lim.Allow()
}

// Close stops the sweep goroutine.
func (kl *KeyedLimiter) Close() {
	close(kl.done)
}

func (kl *KeyedLimiter) sweep() {
	ticker := time.NewTicker(kl.idle)
	defer ticker.Stop()
	for {
		select {
		case <-kl.done:
			return
		case now := <-ticker.C:
			kl.mu.Lock()
			for key, b := range kl.buckets {
				if now.Sub(b.seen) > kl.idle {
					delete(kl.buckets, key)
				}
			}
			kl.mu.Unlock()
		}
	}
}
