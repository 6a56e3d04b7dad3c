package web

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// CSRFTokenLength is the raw token size in bytes.
	CSRFTokenLength = 32
	// CSRFHeaderName carries the token on API requests.
	CSRFHeaderName = "X-CSRF-Token"
	// CSRFCookieName is the cookie the UI reads the token from.
	CSRFCookieName = "csrf_token"
	// CSRFFieldName is the form field fallback for plain form posts.
	CSRFFieldName = "csrf_token"
	// CSRFTokenExpiry is how long an issued token stays valid.
	CSRFTokenExpiry = 12 * time.Hour
)

var (
	// ErrCSRFTokenMissing means the request carried no token.
	ErrCSRFTokenMissing = errors.New("csrf: token missing")
	// ErrCSRFTokenInvalid means the token matched nothing issued.
	ErrCSRFTokenInvalid = errors.New("csrf: token invalid")
	// ErrCSRFTokenExpired means the token was issued too long ago.
	ErrCSRFTokenExpired = errors.New("csrf: token expired")
)

// CSRFManager issues and validates CSRF tokens for the admin UI's
// mutating endpoints. Tokens live in memory; a restart invalidates
// them, which just costs the UI one token refetch.
type CSRFManager struct {
	mu     sync.RWMutex
	issued map[string]time.Time
	logger *slog.Logger
}

// NewCSRFManager creates an empty token store. Call StartCleanup to
// evict expired tokens in the background.
func NewCSRFManager() *CSRFManager {
	return &CSRFManager{
		issued: make(map[string]time.Time),
		logger: slog.Default().With("component", "web.csrf"),
	}
}

// GenerateToken mints and stores a fresh token.
func (m *CSRFManager) GenerateToken() (string, error) {
	raw := make([]byte, CSRFTokenLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base64.URLEncoding.EncodeToString(raw)

	m.mu.Lock()
	m.issued[token] = time.Now()
	m.mu.Unlock()
	return token, nil
}

// ValidateToken checks a presented token against the issued set using
// constant-time comparison. Tokens are reusable until they expire.
func (m *CSRFManager) ValidateToken(presented string) error {
	if presented == "" {
		return ErrCSRFTokenMissing
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for token, at := range m.issued {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			continue
		}
		if time.Since(at) > CSRFTokenExpiry {
			return ErrCSRFTokenExpired
		}
		return nil
	}
	return ErrCSRFTokenInvalid
}

// Cleanup evicts expired tokens and returns how many were removed.
func (m *CSRFManager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for token, at := range m.issued {
		if time.Since(at) > CSRFTokenExpiry {
			delete(m.issued, token)
			removed++
		}
	}
	return removed
}

// StartCleanup evicts expired tokens on the given interval. Close the
// returned channel to stop.
func (m *CSRFManager) StartCleanup(interval time.Duration) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := m.Cleanup(); removed > 0 {
					m.logger.Debug("csrf cleanup", "removed", removed)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}

// TokenCount returns the number of live tokens.
func (m *CSRFManager) TokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.issued)
}

// CSRFMiddleware rejects mutating requests without a valid token. Safe
// methods pass through untouched.
func (m *CSRFManager) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(CSRFHeaderName)
		if token == "" {
			token = r.FormValue(CSRFFieldName)
		}
		if err := m.ValidateToken(token); err != nil {
			m.logger.Warn("csrf validation failed",
				"method", r.Method,
				"path", r.URL.Path,
				"error", err,
			)
			http.Error(w, "Forbidden - CSRF validation failed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetCSRFCookie hands the token to the UI. HttpOnly is off so the
// dashboard script can echo it back in the request header; SameSite
// keeps it out of cross-origin requests.
func SetCSRFCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(CSRFTokenExpiry.Seconds()),
	})
}

// GetCSRFFromCookie reads the token cookie, empty if absent.
func GetCSRFFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
