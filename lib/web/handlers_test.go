package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-batt/nowlink/lib/configsync"
	"github.com/go-batt/nowlink/lib/diag"
	"github.com/go-batt/nowlink/lib/wire"
)

// fakeBackend serves canned diagnostics plus real sync components.
type fakeBackend struct {
	report diag.Report
	auth   *configsync.Authority
	cache  *configsync.Cache
}

func (b *fakeBackend) Diag() diag.Report                { return b.report }
func (b *fakeBackend) Authority() *configsync.Authority { return b.auth }
func (b *fakeBackend) Cache() *configsync.Cache         { return b.cache }

func newTestServer(t *testing.T, backend Backend) *Server {
	t.Helper()
	s, err := New(Config{ListenAddr: "127.0.0.1:0"}, backend)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func (s *Server) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

// csrfToken fetches a token the way a browser client would.
func csrfToken(t *testing.T, s *Server) string {
	t.Helper()
	w := s.do(httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("csrf token status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("csrf token body: %v", err)
	}
	return body["token"]
}

func testAuthority(sent *[][]byte) *configsync.Authority {
	snap := wire.Snapshot{}
	snap.Mqtt.Server = "broker.local"
	snap.Mqtt.Port = 1883
	snap.Mqtt.Password = "hunter2"
	snap.Versions.Global = 7
	return configsync.NewAuthority(configsync.AuthorityConfig{
		Send: func(p []byte) error {
			if sent != nil {
				*sent = append(*sent, p)
			}
			return nil
		},
	}, snap)
}

func TestHandleAPIStatus(t *testing.T) {
	s := newTestServer(t, &fakeBackend{
		report: diag.Report{Role: "transmitter", State: "connected", Up: true},
	})

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var r diag.Report
	if err := json.Unmarshal(w.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Role != "transmitter" || !r.Up {
		t.Errorf("report = %+v", r)
	}
}

func TestHandleAPIConfigRedactsPassword(t *testing.T) {
	s := newTestServer(t, &fakeBackend{auth: testAuthority(nil)})

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("hunter2")) {
		t.Error("response leaks the MQTT password")
	}
	var resp ConfigResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Source != "authority" {
		t.Errorf("source = %q", resp.Source)
	}
	if resp.Snapshot.Mqtt.Server != "broker.local" {
		t.Errorf("server = %q", resp.Snapshot.Mqtt.Server)
	}
}

func TestHandleAPIConfigEmptyCache(t *testing.T) {
	cache := configsync.NewCache(configsync.CacheConfig{
		Send: func([]byte) error { return nil },
	})
	s := newTestServer(t, &fakeBackend{cache: cache})

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 before first snapshot", w.Code)
	}
}

func TestHandleAPIVersions(t *testing.T) {
	s := newTestServer(t, &fakeBackend{auth: testAuthority(nil)})

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/config/versions", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp VersionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Global != 7 {
		t.Errorf("global = %d, want 7", resp.Global)
	}
	if len(resp.Sections) != wire.SectionCount {
		t.Errorf("sections = %v", resp.Sections)
	}
	if _, ok := resp.Sections[wire.SectionMqtt.String()]; !ok {
		t.Errorf("mqtt section missing from %v", resp.Sections)
	}
}

func TestHandleAPIConfigUpdateAppliesOnAuthority(t *testing.T) {
	var sent [][]byte
	auth := testAuthority(&sent)
	s := newTestServer(t, &fakeBackend{auth: auth})
	token := csrfToken(t, s)

	body, _ := json.Marshal(ConfigUpdateRequest{
		Section: uint8(wire.SectionMqtt),
		Field:   wire.FieldMqttPort,
		Value:   []byte{0xB3, 0x22}, // 8883
	})
	req := httptest.NewRequest(http.MethodPost, "/api/config/update", bytes.NewReader(body))
	req.Header.Set(CSRFHeaderName, token)
	w := s.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	if got := auth.Snapshot().Mqtt.Port; got != 8883 {
		t.Errorf("port = %d, want 8883", got)
	}
	if len(sent) == 0 {
		t.Error("no delta propagated to the link")
	}
}

func TestHandleAPIConfigUpdateRejectsWithoutCSRF(t *testing.T) {
	s := newTestServer(t, &fakeBackend{auth: testAuthority(nil)})

	body, _ := json.Marshal(ConfigUpdateRequest{
		Section: uint8(wire.SectionMqtt),
		Field:   wire.FieldMqttPort,
		Value:   []byte{0xB3, 0x22},
	})
	w := s.do(httptest.NewRequest(http.MethodPost, "/api/config/update", bytes.NewReader(body)))
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestHandleAPIConfigUpdateValidation(t *testing.T) {
	s := newTestServer(t, &fakeBackend{auth: testAuthority(nil)})
	token := csrfToken(t, s)

	// Unknown field
	body, _ := json.Marshal(ConfigUpdateRequest{
		Section: uint8(wire.SectionMqtt),
		Field:   200,
		Value:   []byte{1},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/config/update", bytes.NewReader(body))
	req.Header.Set(CSRFHeaderName, token)
	if w := s.do(req); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown field: status = %d, want 422", w.Code)
	}

	// Wrong value length
	body, _ = json.Marshal(ConfigUpdateRequest{
		Section: uint8(wire.SectionMqtt),
		Field:   wire.FieldMqttPort,
		Value:   []byte{1},
	})
	req = httptest.NewRequest(http.MethodPost, "/api/config/update", bytes.NewReader(body))
	req.Header.Set(CSRFHeaderName, token)
	if w := s.do(req); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad length: status = %d, want 422", w.Code)
	}
}

func TestHandleAPIConfigUpdateProposesOnCache(t *testing.T) {
	var sent [][]byte
	cache := configsync.NewCache(configsync.CacheConfig{
		Send: func(p []byte) error {
			sent = append(sent, p)
			return nil
		},
	})
	s := newTestServer(t, &fakeBackend{cache: cache})
	token := csrfToken(t, s)

	body, _ := json.Marshal(ConfigUpdateRequest{
		Section: uint8(wire.SectionBattery),
		Field:   wire.FieldBattChemistry,
		Value:   []byte{3},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/config/update", bytes.NewReader(body))
	req.Header.Set(CSRFHeaderName, token)
	w := s.do(req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", w.Code, w.Body.String())
	}
	if len(sent) != 1 || wire.MsgType(sent[0][0]) != wire.MsgSettingsUpdate {
		t.Errorf("sent = %v, want one settings update frame", sent)
	}
}

func TestHandleAPIHealth(t *testing.T) {
	up := newTestServer(t, &fakeBackend{
		report: diag.Report{Up: true, State: "connected"},
		auth:   testAuthority(nil),
	})
	w := up.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Checks["link"] != "connected" {
		t.Errorf("health = %+v", resp)
	}

	down := newTestServer(t, &fakeBackend{
		report: diag.Report{Up: false, State: "discovering"},
		auth:   testAuthority(nil),
	})
	w = down.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.Checks["link"] != "discovering" {
		t.Errorf("health = %+v", resp)
	}
}

func TestHandleAPIReadiness(t *testing.T) {
	ready := newTestServer(t, &fakeBackend{report: diag.Report{Up: true}})
	if w := ready.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)); w.Code != http.StatusOK {
		t.Errorf("ready: status = %d", w.Code)
	}

	notReady := newTestServer(t, &fakeBackend{report: diag.Report{Up: false}})
	if w := notReady.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)); w.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready: status = %d", w.Code)
	}
}

func TestHandleAPILiveness(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})
	w := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})
	w := s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("nowlink_")) {
		t.Error("metrics exposition missing nowlink metrics")
	}
}
