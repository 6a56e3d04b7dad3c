package web

import (
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/wire"
	"github.com/go-batt/nowlink/version"
)

// handleAPICSRFToken generates and returns a new CSRF token.
// This token should be included in the X-CSRF-Token header for POST requests.
func (s *Server) handleAPICSRFToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.csrfManager.GenerateToken()
	if err != nil {
		s.logger.Error("failed to generate CSRF token", "error", err)
		s.writeError(w, apperrors.WrapInternal(err))
		return
	}

	SetCSRFCookie(w, token)

	s.writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
	})
}

// handleAPIStatus returns the diagnostics report as JSON.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Diag())
}

// ConfigResponse wraps the snapshot for the config endpoint.
type ConfigResponse struct {
	// Source is "authority" on a transmitter, "cache" on a receiver.
	Source   string        `json:"source"`
	Snapshot wire.Snapshot `json:"snapshot"`
}

// snapshot reads the current configuration from whichever sync side
// this node runs.
func (s *Server) snapshot() (ConfigResponse, error) {
	if a := s.backend.Authority(); a != nil {
		return ConfigResponse{Source: "authority", Snapshot: a.Snapshot()}, nil
	}
	if c := s.backend.Cache(); c != nil {
		snap, err := c.Snapshot()
		return ConfigResponse{Source: "cache", Snapshot: snap}, err
	}
	return ConfigResponse{}, apperrors.ErrUnavailable
}

// handleAPIConfig returns the configuration snapshot as JSON. The MQTT
// password never leaves the node.
func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	resp, err := s.snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp.Snapshot.Mqtt.Password = ""
	s.writeJSON(w, http.StatusOK, resp)
}

// VersionsResponse reports the per-section configuration versions.
type VersionsResponse struct {
	Global   uint16            `json:"global"`
	Sections map[string]uint16 `json:"sections"`
}

// handleAPIVersions returns the configuration version counters.
func (s *Server) handleAPIVersions(w http.ResponseWriter, r *http.Request) {
	resp, err := s.snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	v := resp.Snapshot.Versions
	out := VersionsResponse{
		Global:   v.Global,
		Sections: make(map[string]uint16, wire.SectionCount),
	}
	for sec := wire.SectionMqtt; sec <= wire.SectionSystem; sec++ {
		out.Sections[sec.String()] = v.Of(sec)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// ConfigUpdateRequest is the request body for a configuration edit.
// Value is the field's wire encoding, base64 in JSON.
type ConfigUpdateRequest struct {
	Section uint8  `json:"section"`
	Field   uint8  `json:"field"`
	Value   []byte `json:"value"`
}

// handleAPIConfigUpdate applies a configuration edit. On a transmitter
// the write lands immediately in the authoritative snapshot; on a
// receiver it becomes a proposal and the local copy only changes when
// the transmitter echoes it back, so the response is 202.
func (s *Server) handleAPIConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var req ConfigUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.CodeInvalidRequest, "invalid request body", err))
		return
	}

	sec := wire.Section(req.Section)
	if err := wire.ValidateField(sec, req.Field, req.Value); err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.CodeValidation, err.Error(), err))
		return
	}

	if a := s.backend.Authority(); a != nil {
		if err := a.Apply(sec, req.Field, req.Value); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"applied": true,
			"field":   wire.FieldName(sec, req.Field),
			"version": a.Versions().Global,
		})
		return
	}
	if c := s.backend.Cache(); c != nil {
		if err := c.Propose(sec, req.Field, req.Value); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]any{
			"proposed": true,
			"field":    wire.FieldName(sec, req.Field),
		})
		return
	}
	s.writeError(w, apperrors.ErrUnavailable)
}

// HealthResponse contains the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks"`
}

// handleAPIHealth returns the health status of the node. A down radio
// link reads as degraded, not unhealthy: the node is doing its job by
// trying to reconnect.
func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	d := s.backend.Diag()
	checks := make(map[string]string)
	overallStatus := "healthy"

	if d.Up {
		checks["link"] = "connected"
	} else {
		checks["link"] = d.State
		overallStatus = "degraded"
	}

	if _, err := s.snapshot(); err != nil {
		checks["config"] = "not_synced"
	} else {
		checks["config"] = "synced"
	}

	if d.QueueDropped > 0 {
		checks["queue"] = "drops_observed"
	} else {
		checks["queue"] = "healthy"
	}

	resp := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version.Full(),
		Checks:    checks,
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleAPILiveness returns a simple liveness probe response.
// This is a lightweight check that the server is responding.
func (s *Server) handleAPILiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// handleAPIReadiness returns a readiness probe response. The node is
// ready once the radio link is up.
func (s *Server) handleAPIReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Diag().Up {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "link_down",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
