package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDispatcher is a test double for Dispatcher. It echoes back a
// JSON-RPC result built from the request's id, unless configured
// otherwise.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
	fn    func(raw []byte) ([]byte, error)
}

func (f *fakeDispatcher) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(raw)
	}
	var req struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(raw, &req)
	if len(req.ID) == 0 {
		return nil, nil
	}
	resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": map[string]any{}})
	return resp, nil
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestServer(t *testing.T, transport *Transport) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(transport.handleUpgrade))
	t.Cleanup(server.Close)
	return server
}

func TestTransport_EchoesSingleResponse(t *testing.T) {
	d := &fakeDispatcher{}
	transport := NewTransport(d, WithLogger(discardLogger()), WithBatching(1, 0))
	server := newTestServer(t, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var resp struct {
		ID     int            `json:"id"`
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", data, err)
	}
	if resp.ID != 1 {
		t.Errorf("ID = %d, want 1", resp.ID)
	}
}

func TestTransport_NotificationProducesNoFrame(t *testing.T) {
	d := &fakeDispatcher{}
	transport := NewTransport(d, WithLogger(discardLogger()), WithBatching(1, 0))
	server := newTestServer(t, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer readCancel()
	if _, _, err := conn.Read(readCtx); err == nil {
		t.Error("expected no frame for a notification, but got one")
	}
}

func TestTransport_BatchesMultipleResponses(t *testing.T) {
	d := &fakeDispatcher{}
	transport := NewTransport(d, WithLogger(discardLogger()), WithBatching(2, time.Second))
	server := newTestServer(t, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for _, id := range []int{1, 2} {
		msg := []byte(`{"jsonrpc":"2.0","id":` + strconv.Itoa(id) + `,"method":"ping"}`)
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatalf("expected a batch array, got %q: %v", data, err)
	}
	if len(batch) != 2 {
		t.Errorf("batch length = %d, want 2", len(batch))
	}
}

func TestTransport_RejectsBeyondMaxConnections(t *testing.T) {
	d := &fakeDispatcher{}
	transport := NewTransport(d, WithLogger(discardLogger()), WithMaxConnections(1))
	server := newTestServer(t, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn1, _, err := websocket.Dial(ctx, wsURL(server), nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer conn1.Close(websocket.StatusNormalClosure, "")

	_, resp, err := websocket.Dial(ctx, wsURL(server), nil)
	if err == nil {
		t.Fatal("expected second dial to be rejected")
	}
	if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
