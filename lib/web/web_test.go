package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/go-batt/nowlink/lib/errors"
)

func TestWriteJSON(t *testing.T) {
	s := &Server{logger: slog.Default()}

	w := httptest.NewRecorder()
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "hello"})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != "hello" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError(t *testing.T) {
	s := &Server{logger: slog.Default()}

	t.Run("structured error carries its code", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.writeError(w, apperrors.New(apperrors.CodeValidation, "value out of range"))

		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", w.Code)
		}
		if !strings.Contains(w.Body.String(), "value out of range") {
			t.Errorf("body = %s", w.Body.String())
		}
	})

	t.Run("sentinel error maps to its code", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.writeError(w, apperrors.ErrNotFound)

		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("unknown error maps to internal", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.writeError(w, errors.New("boom"))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
	})
}

func TestNewRequiresBackend(t *testing.T) {
	if _, err := New(Config{ListenAddr: "127.0.0.1:0"}, nil); !apperrors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}
