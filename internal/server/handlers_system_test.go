package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleHealthz_ReturnsOK(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.handleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected status: %q", body["status"])
	}
}

func TestHandleHealthz_RejectsWrongMethod(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.handleHealthz(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHandleVersion_ReturnsVersionFields(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()

	s.handleVersion(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	for _, key := range []string{"version", "build", "commit"} {
		if _, ok := body[key]; !ok {
			t.Errorf("expected %q in version response", key)
		}
	}
}

func TestHandleDiagnostics_ReturnsUptimeAndLogs(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/diagnostics", nil)
	rec := httptest.NewRecorder()

	s.handleDiagnostics(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if _, ok := body["uptime"]; !ok {
		t.Error("expected uptime in diagnostics response")
	}
	if _, ok := body["ws_clients"]; !ok {
		t.Error("expected ws_clients in diagnostics response")
	}
}

func TestHandleMemstats_ReturnsHeapFields(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/debug/memstats", nil)
	rec := httptest.NewRecorder()

	s.handleMemstats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if _, ok := body["heap_alloc_bytes"]; !ok {
		t.Error("expected heap_alloc_bytes in memstats response")
	}
}

func TestHandleShutdown_DisabledInProduction(t *testing.T) {
	s, _ := newTestServer()
	s.app.Config.Environment = "production"
	req := httptest.NewRequest(http.MethodPost, "/admin/shutdown", nil)
	rec := httptest.NewRecorder()

	s.handleShutdown(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 in production, got %d", rec.Code)
	}
}

func TestHandleShutdown_SignalsShutdownChannel(t *testing.T) {
	s, _ := newTestServer()
	ch := make(chan struct{}, 1)
	s.SetShutdownChannel(ch)

	req := httptest.NewRequest(http.MethodPost, "/admin/shutdown", nil)
	rec := httptest.NewRecorder()

	s.handleShutdown(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected shutdown channel to be signaled")
	}
}
