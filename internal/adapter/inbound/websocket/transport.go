// Package websocket implements the inbound WebSocket transport adapter
// (C6): a JSON-RPC-per-message server with optional response batching
// and a connection cap.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/shenjingnan/xiaozhi-gateway/internal/port/inbound"
)

const (
	defaultMaxConnections = 100
	defaultBatchSize      = 1
	defaultBatchTimeout   = 50 * time.Millisecond
)

// Dispatcher is the narrow contract the transport needs from the Message
// Handler (C1). A nil response with a nil error means the decoded message
// was a notification and produces no reply frame.
type Dispatcher interface {
	Handle(ctx context.Context, raw []byte) ([]byte, error)
}

// Transport is the inbound adapter that serves the gateway over WebSocket:
// one JSON-RPC message per frame, with responses optionally coalesced into
// a batch array before being written back.
//
// Grounded on internal/adapter/outbound/hubws.Client's use of
// github.com/coder/websocket (itself adopted from MrWong99-glyphoxa's
// Gemini Live provider, the only pack example driving that library): the
// per-connection read loop pushing frames onto a channel and a context
// cancelled on connection close. The inbound direction (websocket.Accept
// instead of websocket.Dial, a connection cap, and response batching) has
// no existing analog and is new here.
type Transport struct {
	dispatcher  Dispatcher
	addr        string
	logger      *slog.Logger
	maxConns    int
	batchSize   int
	batchWindow time.Duration
	compression bool

	server  *http.Server
	connsMu sync.Mutex
	conns   int
	active  atomic.Int64
}

// Option configures a Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default "127.0.0.1:8081".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithLogger sets the transport's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMaxConnections sets max_connections; beyond it, new upgrade
// attempts are refused with 503.
func WithMaxConnections(n int) Option {
	return func(t *Transport) { t.maxConns = n }
}

// WithBatching sets batch_size and batch_timeout_ms: up to size responses,
// or whatever has accumulated after window elapses, are coalesced into a
// single JSON-RPC batch array frame. size <= 1 disables batching.
func WithBatching(size int, window time.Duration) Option {
	return func(t *Transport) { t.batchSize = size; t.batchWindow = window }
}

// WithCompression enables permessage-deflate.
func WithCompression(enabled bool) Option {
	return func(t *Transport) { t.compression = enabled }
}

// NewTransport builds a WebSocket Transport dispatching decoded frames to d.
func NewTransport(d Dispatcher, opts ...Option) *Transport {
	t := &Transport{
		dispatcher:  d,
		addr:        "127.0.0.1:8081",
		logger:      slog.Default(),
		maxConns:    defaultMaxConnections,
		batchSize:   defaultBatchSize,
		batchWindow: defaultBatchTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ActiveConnections reports the current number of accepted connections.
func (t *Transport) ActiveConnections() int {
	return int(t.active.Load())
}

// Start begins accepting WebSocket connections. It blocks until ctx is
// cancelled or the server fails.
func (t *Transport) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleUpgrade)

	t.server = &http.Server{Addr: t.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting WebSocket server", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down WebSocket server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return t.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !t.reserveSlot() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer t.releaseSlot()

	opts := &websocket.AcceptOptions{}
	if t.compression {
		opts.CompressionMode = websocket.CompressionContextTakeover
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		t.logger.Warn("websocket transport: accept failed", "error", err)
		return
	}
	t.active.Add(1)
	defer t.active.Add(-1)
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	t.serveConnection(r.Context(), conn)
}

func (t *Transport) reserveSlot() bool {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	if t.conns >= t.maxConns {
		return false
	}
	t.conns++
	return true
}

func (t *Transport) releaseSlot() {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	t.conns--
}

// serveConnection owns one WebSocket session: a read loop dispatching each
// incoming frame, and a batching writer coalescing responses per
// batch_size/batch_timeout_ms before flushing them back to the client.
func (t *Transport) serveConnection(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pending := make(chan []byte, t.maxBatchBuffer())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.batchWriter(ctx, conn, pending)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		resp, err := t.dispatcher.Handle(ctx, data)
		if err != nil {
			t.logger.Error("websocket transport: dispatch failed", "error", err)
			continue
		}
		if resp == nil {
			continue
		}
		select {
		case pending <- resp:
		case <-ctx.Done():
		}
	}

	cancel()
	close(pending)
	wg.Wait()
}

func (t *Transport) maxBatchBuffer() int {
	if t.batchSize > 1 {
		return t.batchSize
	}
	return 1
}

// batchWriter accumulates responses from pending and flushes them as a
// single frame once batchSize is reached, batchWindow elapses, or pending
// is closed (connection shutting down).
func (t *Transport) batchWriter(ctx context.Context, conn *websocket.Conn, pending <-chan []byte) {
	if t.batchSize <= 1 {
		for {
			select {
			case resp, ok := <-pending:
				if !ok {
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, resp); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}

	var batch []json.RawMessage
	timer := time.NewTimer(t.batchWindow)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		out, err := json.Marshal(batch)
		if err == nil {
			_ = conn.Write(ctx, websocket.MessageText, out)
		}
		batch = batch[:0]
	}

	for {
		select {
		case resp, ok := <-pending:
			if !ok {
				flush()
				return
			}
			batch = append(batch, json.RawMessage(resp))
			if len(batch) >= t.batchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(t.batchWindow)
			}
		case <-timer.C:
			flush()
			timer.Reset(t.batchWindow)
		case <-ctx.Done():
			flush()
			return
		}
	}
}

var _ inbound.ProxyService = (*Transport)(nil)
