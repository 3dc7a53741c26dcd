package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domainhub "github.com/shenjingnan/xiaozhi-gateway/internal/domain/hub"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/port/inbound"
)

// defaultMaxSSEConnections and defaultSessionIdleTimeout mirror the
// stated defaults for max_clients and the session inactivity timeout.
const (
	defaultMaxSSEConnections = 100
	defaultSessionIdleTimeout = 5 * time.Minute
	defaultMaxRequestBodySize = 1 << 20 // 1 MiB, the default max_message_size
	heartbeatInterval          = 30 * time.Second
)

// Dispatcher is the narrow contract the transport needs from the Message
// Handler (C1): decode-dispatch-encode one JSON-RPC message. A nil response
// with a nil error means the message was a notification.
type Dispatcher interface {
	Handle(ctx context.Context, raw []byte) ([]byte, error)
}

// ServiceStatusSource reports per-upstream-service connection state for
// GET /status.
type ServiceStatusSource interface {
	GetStatus() map[string]upstream.State
}

// HubStatusSource reports per-hub-endpoint connection state for GET /status.
type HubStatusSource interface {
	StatusAll() map[string]*domainhub.ConnectionState
}

// HTTPTransport is the inbound adapter implementing the HTTP/SSE and
// Streamable-HTTP surfaces (C6).
//
// Grounded on internal/adapter/inbound/http.HTTPTransport: the
// functional-options constructor, the middleware-wrapped ServeMux route
// table, and the graceful-shutdown-with-SSE-drain Start/shutdown pair.
// Generalized from a single-route MCP-only transport (one handler mounted
// at "/" plus /health/metrics) into the gateway's multi-route table
// (/sse, /messages, /rpc, /mcp, /status, /health, /metrics), and stripped
// of the admin-UI and HTTP-gateway (MITM reverse proxy) mounting hooks,
// which have no analog here.
type HTTPTransport struct {
	dispatcher     Dispatcher
	services       ServiceStatusSource
	hubs           HubStatusSource
	startedAt      time.Time
	addr           string
	allowedOrigins []string
	certFile       string
	keyFile        string
	maxSessions    int
	idleTimeout    time.Duration
	maxBodyBytes   int64
	sessions       *sessionRegistry
	logger         *slog.Logger
	server         *http.Server
	metrics        *Metrics
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address. Default "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) { t.addr = addr }
}

// WithTLS enables TLS using the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) { t.certFile = certFile; t.keyFile = keyFile }
}

// WithAllowedOrigins sets the DNS-rebinding-protection allowlist.
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) { t.allowedOrigins = origins }
}

// WithLogger sets the transport's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) { t.logger = logger }
}

// WithMaxSSEConnections sets max_clients; exceeding it makes GET /sse
// and GET /mcp respond 503.
func WithMaxSSEConnections(n int) Option {
	return func(t *HTTPTransport) { t.maxSessions = n }
}

// WithSessionIdleTimeout sets the inactivity duration after which an open
// session is server-terminated (default 5 minutes).
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) { t.idleTimeout = d }
}

// WithMaxRequestBodyBytes sets max_message_size (default 1 MiB).
func WithMaxRequestBodyBytes(n int64) Option {
	return func(t *HTTPTransport) { t.maxBodyBytes = n }
}

// NewHTTPTransport builds an HTTPTransport dispatching decoded messages to
// dispatcher and reporting status from services/hubs (either may be nil,
// in which case GET /status omits that section).
func NewHTTPTransport(dispatcher Dispatcher, services ServiceStatusSource, hubs HubStatusSource, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		dispatcher:   dispatcher,
		services:     services,
		hubs:         hubs,
		addr:         "127.0.0.1:8080",
		maxSessions:  defaultMaxSSEConnections,
		idleTimeout:  defaultSessionIdleTimeout,
		maxBodyBytes: defaultMaxRequestBodySize,
		sessions:     newSessionRegistry(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// buildMux assembles the route table: /health, /status, and /metrics run
// bare; the core MCP routes (/rpc, /sse, /messages, /mcp) run behind the
// DNS-rebinding/real-IP/request-ID/metrics middleware chain.
func (t *HTTPTransport) buildMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", healthHandler(t.services, t.hubs))
	mux.Handle("/status", statusHandler(t))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	core := http.NewServeMux()
	core.Handle("/rpc", rpcHandler(t.dispatcher))
	core.Handle("/sse", sseHandler(t.dispatcher, t.sessions, t.maxSessions))
	core.Handle("/messages", messagesHandler(t.dispatcher, t.sessions))
	core.Handle("/mcp", mcpHandler(t.dispatcher, t.sessions, t.maxSessions, t.maxBodyBytes))

	var coreHandler http.Handler = core
	coreHandler = DNSRebindingProtection(t.allowedOrigins)(coreHandler)
	coreHandler = RealIPMiddleware(coreHandler)
	coreHandler = RequestIDMiddleware(t.logger)(coreHandler)
	coreHandler = MetricsMiddleware(t.metrics)(coreHandler)
	mux.Handle("/", coreHandler)

	return mux
}

// Start begins accepting HTTP connections. It blocks until ctx is cancelled
// or the server fails.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.startedAt = time.Now()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	idleSweep := time.NewTicker(t.idleTimeout / 2)
	defer idleSweep.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-idleSweep.C:
				t.sessions.sweepIdle(t.idleTimeout)
			}
		}
	}()

	mux := t.buildMux(reg)

	t.server = &http.Server{Addr: t.addr, Handler: mux}
	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.sessions.closeAll()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

var _ inbound.ProxyService = (*HTTPTransport)(nil)
