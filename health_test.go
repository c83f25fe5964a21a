package peernet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sunipkm/peernet/pkg/transport/memory"
)

func TestPeer_IsHealthy(t *testing.T) {
	p := newTestPeer(t, memory.NewHub(), "alice")
	if p.IsHealthy() {
		t.Error("expected stopped peer to be unhealthy")
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !p.IsHealthy() {
		t.Error("expected started peer to be healthy")
	}

	_ = p.Stop()
	if p.IsHealthy() {
		t.Error("expected stopped peer to be unhealthy")
	}
}

func TestPeer_ReadinessChecks(t *testing.T) {
	p := newTestPeer(t, memory.NewHub(), "alice")

	status := p.ReadinessChecks()
	if status.Healthy {
		t.Error("expected stopped peer to be unready")
	}
	if len(status.Checks) != 4 {
		t.Fatalf("expected 4 checks, got %d", len(status.Checks))
	}
	for _, check := range status.Checks {
		if check.Name == "connections" && !check.Healthy {
			t.Error("connections check is informational and always healthy")
		}
		if check.Name == "peer_running" && check.Healthy {
			t.Error("expected peer_running to fail")
		}
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	status = p.ReadinessChecks()
	if !status.Healthy {
		t.Errorf("expected started peer to be ready: %+v", status.Checks)
	}
}

func TestHealthHandler(t *testing.T) {
	p := newTestPeer(t, memory.NewHub(), "alice")
	handler := HealthHandler(p)

	serve := func() (*httptest.ResponseRecorder, HealthStatus) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		var status HealthStatus
		if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		return rec, status
	}

	rec, status := serve()
	if rec.Code != http.StatusServiceUnavailable || status.Healthy {
		t.Errorf("stopped peer: code = %d, healthy = %v", rec.Code, status.Healthy)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rec, status = serve()
	if rec.Code != http.StatusOK || !status.Healthy {
		t.Errorf("started peer: code = %d, healthy = %v", rec.Code, status.Healthy)
	}
}

func TestLivenessHandler(t *testing.T) {
	p := newTestPeer(t, memory.NewHub(), "alice")
	handler := LivenessHandler(p)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != `{"healthy":false}` {
		t.Errorf("stopped peer: %d %s", rec.Code, rec.Body.String())
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"healthy":true}` {
		t.Errorf("started peer: %d %s", rec.Code, rec.Body.String())
	}
}

func TestBoolToMessage(t *testing.T) {
	if boolToMessage(true, "yes", "no") != "yes" || boolToMessage(false, "yes", "no") != "no" {
		t.Error("boolToMessage mismatch")
	}
}
