package http

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// newTestMux builds a transport the way Start() would, without binding a
// real network listener, so route-table tests can exercise it directly
// via httptest.
func newTestMux(t *testing.T, opts ...Option) http.Handler {
	t.Helper()
	allOpts := append([]Option{WithLogger(slog.Default())}, opts...)
	transport := NewHTTPTransport(&fakeDispatcher{responses: []string{`{"jsonrpc":"2.0","id":1,"result":{}}`}}, nil, nil, allOpts...)
	transport.metrics = NewMetrics(prometheus.NewRegistry())
	return transport.buildMux(prometheus.NewRegistry())
}

func TestBuildMux_HealthRoute(t *testing.T) {
	mux := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestBuildMux_StatusRoute(t *testing.T) {
	mux := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestBuildMux_MetricsRoute(t *testing.T) {
	mux := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestBuildMux_RPCRouteDispatches(t *testing.T) {
	mux := newTestMux(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestBuildMux_RequestIDHeaderSet(t *testing.T) {
	mux := newTestMux(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))

	mux.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestBuildMux_DNSRebindingRejectsUnknownOrigin(t *testing.T) {
	mux := newTestMux(t, WithAllowedOrigins([]string{"https://allowed.example"}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Origin", "https://evil.example")

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestHTTPTransport_StartAndClose(t *testing.T) {
	transport := NewHTTPTransport(&fakeDispatcher{}, nil, nil, WithAddr("127.0.0.1:0"), WithLogger(slog.Default()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- transport.Start(ctx) }()

	// Give the listener a moment to come up, then request shutdown.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error after cancel: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start() did not return within 1s of context cancellation")
	}
}
