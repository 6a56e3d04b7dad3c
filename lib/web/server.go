// Package web provides the browser-facing admin surface for a nowlink
// node. It serves a JSON API over the node's diagnostics and the
// configuration snapshot: reads come straight from the sync layer, and
// writes go through the same single-writer path as over-the-air edits.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/metrics"
)

// Server is the admin HTTP server.
type Server struct {
	httpServer  *http.Server
	backend     Backend
	logger      *slog.Logger
	csrfManager *CSRFManager
	rateLimiter *RateLimiter
	csrfStop    chan struct{}
	mu          sync.RWMutex
	running     bool
}

// Config holds web server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:8080")
	ListenAddr string
	// RateLimit configures per-IP request limiting
	RateLimit RateLimitConfig
	// Logger is the structured logger
	Logger *slog.Logger
}

// New creates a new admin server over the given backend.
// When the server is no longer needed, call Stop() to release resources.
func New(cfg Config, backend Backend) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", apperrors.ErrInvalidInput)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		backend:     backend,
		logger:      cfg.Logger.With("component", "web"),
		csrfManager: NewCSRFManager(),
		rateLimiter: NewRateLimiter(cfg.RateLimit),
	}
	s.rateLimiter.SetOnReject(func(ip, path string) {
		s.logger.Warn("rate limited", "ip", ip, "path", path)
	})

	mux := http.NewServeMux()

	// API endpoints
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/config", s.handleAPIConfig)
	mux.HandleFunc("GET /api/config/versions", s.handleAPIVersions)
	mux.HandleFunc("POST /api/config/update", s.handleAPIConfigUpdate)
	mux.HandleFunc("GET /api/csrf-token", s.handleAPICSRFToken)

	// Health check endpoints
	mux.HandleFunc("GET /api/health", s.handleAPIHealth)
	mux.HandleFunc("GET /health", s.handleAPIHealth)
	mux.HandleFunc("GET /healthz", s.handleAPILiveness)
	mux.HandleFunc("GET /readyz", s.handleAPIReadiness)

	// Metrics endpoint (Prometheus format)
	mux.Handle("GET /metrics", metrics.Handler())

	handler := s.withMiddleware(s.csrfManager.CSRFMiddleware(mux))
	handler = s.rateLimiter.Middleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// Start starts the web server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return apperrors.ErrAlreadyOpen
	}
	s.running = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("listen: %w", err)
	}

	s.csrfStop = s.csrfManager.StartCleanup(time.Hour)
	s.logger.Info("web server started", "addr", s.httpServer.Addr)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the web server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.csrfStop != nil {
		close(s.csrfStop)
		s.csrfStop = nil
	}
	s.rateLimiter.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("web server stopped")
	return nil
}

// withMiddleware wraps the handler with common middleware.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
		)

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")

		next.ServeHTTP(w, r)

		s.logger.Debug("response",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

// writeError writes a JSON error response. Structured errors carry
// their own status code and a client-safe message; anything else maps
// to the generic code for its sentinel.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if !apperrors.As(err, &appErr) {
		appErr = apperrors.FromSentinel(err)
	}
	s.writeJSON(w, appErr.Code, map[string]string{"error": appErr.SafeMessage()})
}
