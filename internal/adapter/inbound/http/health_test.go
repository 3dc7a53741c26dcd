package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domainhub "github.com/shenjingnan/xiaozhi-gateway/internal/domain/hub"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
)

type fakeServices struct {
	states map[string]upstream.State
}

func (f *fakeServices) GetStatus() map[string]upstream.State { return f.states }

type fakeHubs struct {
	states map[string]*domainhub.ConnectionState
}

func (f *fakeHubs) StatusAll() map[string]*domainhub.ConnectionState { return f.states }

func TestHealthHandler_AlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	healthHandler(nil, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
	if resp.Timestamp.IsZero() {
		t.Error("expected a non-zero timestamp")
	}
}

func TestStatusHandler_ReportsUptimeAndClients(t *testing.T) {
	transport := NewHTTPTransport(&fakeDispatcher{}, nil, nil, WithLogger(discardLogger()))
	transport.startedAt = time.Now().Add(-time.Minute)
	transport.sessions.open(10)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	statusHandler(transport).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Clients != 1 {
		t.Errorf("Clients = %d, want 1", resp.Clients)
	}
	if resp.UptimeSec <= 0 {
		t.Errorf("UptimeSec = %v, want > 0", resp.UptimeSec)
	}
	if resp.Services != nil {
		t.Errorf("Services = %v, want nil (no source wired)", resp.Services)
	}
}

func TestStatusHandler_IncludesServiceAndHubStates(t *testing.T) {
	services := &fakeServices{states: map[string]upstream.State{"weather": upstream.StateConnected}}
	hubs := &fakeHubs{states: map[string]*domainhub.ConnectionState{
		"wss://hub.example/ws": {State: domainhub.StateConnected},
	}}
	transport := NewHTTPTransport(&fakeDispatcher{}, services, hubs, WithLogger(discardLogger()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	statusHandler(transport).ServeHTTP(rec, req)

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Services["weather"] != string(upstream.StateConnected) {
		t.Errorf("Services[weather] = %q", resp.Services["weather"])
	}
	if resp.Hubs["wss://hub.example/ws"] != string(domainhub.StateConnected) {
		t.Errorf("Hubs[...] = %q", resp.Hubs["wss://hub.example/ws"])
	}
}
