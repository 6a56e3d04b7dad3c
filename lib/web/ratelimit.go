package web

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-batt/nowlink/lib/ratelimit"
)

// RateLimitConfig configures per-client request limiting for the admin
// endpoints. The admin UI normally sits on a LAN next to the radio; the
// limiter is there to contain a misbehaving dashboard script or poller.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed per client IP.
	RequestsPerSecond float64
	// BurstSize is the instantaneous burst allowed per client IP.
	BurstSize int
	// CleanupInterval is how often idle client buckets are evicted.
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns the defaults for the admin UI.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         30,
		CleanupInterval:   5 * time.Minute,
	}
}

// RateLimiter is per-IP limiting middleware over a keyed token bucket.
type RateLimiter struct {
	limiter  *ratelimit.KeyedLimiter
	onReject func(ip, path string)
}

// NewRateLimiter creates the middleware. Zero config fields fall back
// to the defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	return &RateLimiter{
		limiter: ratelimit.NewKeyed(cfg.RequestsPerSecond, cfg.BurstSize, cfg.CleanupInterval),
	}
}

// SetOnReject installs a callback invoked for each throttled request.
func (rl *RateLimiter) SetOnReject(fn func(ip, path string)) {
	rl.onReject = fn
}

// Close stops the limiter's eviction goroutine.
func (rl *RateLimiter) Close() {
	rl.limiter.Close()
}

// Middleware throttles requests per client IP, answering 429 with a
// Retry-After hint when the client's bucket is empty.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.limiter.Allow(ip) {
			if rl.onReject != nil {
				rl.onReject(ip, r.URL.Path)
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the client address, honoring the proxy headers a
// reverse proxy in front of the admin UI would set.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
