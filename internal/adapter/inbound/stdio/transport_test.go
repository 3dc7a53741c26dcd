package stdio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shenjingnan/xiaozhi-gateway/internal/port/inbound"
)

var _ inbound.ProxyService = (*Transport)(nil)

// fakeDispatcher is a test double for Dispatcher. responses is consumed in
// order for successive Handle calls; an empty string entry means
// "notification, no response".
type fakeDispatcher struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     [][]byte
}

func (f *fakeDispatcher) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]byte(nil), raw...))
	if f.err != nil {
		return nil, f.err
	}
	idx := len(f.calls) - 1
	if idx >= len(f.responses) {
		return nil, nil
	}
	resp := f.responses[idx]
	if resp == "" {
		return nil, nil
	}
	return []byte(resp), nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// syncBuffer wraps bytes.Buffer with a mutex so the transport's writer
// goroutine and test assertions don't race.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runUntilDone(t *testing.T, transport *Transport, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- transport.Start(ctx) }()
	return done
}

func TestTransport_EchoesSingleLineResponse(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	out := &syncBuffer{}
	d := &fakeDispatcher{responses: []string{`{"jsonrpc":"2.0","id":1,"result":{}}`}}

	transport := NewTransport(d, WithReader(in), WithWriter(out), WithLogger(discardLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := out.String(); got != `{"jsonrpc":"2.0","id":1,"result":{}}`+"\n" {
		t.Errorf("output = %q", got)
	}
}

func TestTransport_NotificationProducesNoOutput(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	out := &syncBuffer{}
	d := &fakeDispatcher{responses: []string{""}}

	transport := NewTransport(d, WithReader(in), WithWriter(out), WithLogger(discardLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := out.String(); got != "" {
		t.Errorf("output = %q, want empty", got)
	}
}

func TestTransport_MultipleLinesDispatchedInOrder(t *testing.T) {
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"a"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"b"}` + "\n",
	)
	out := &syncBuffer{}
	d := &fakeDispatcher{responses: []string{
		`{"jsonrpc":"2.0","id":1,"result":"a"}`,
		`{"jsonrpc":"2.0","id":2,"result":"b"}`,
	}}

	transport := NewTransport(d, WithReader(in), WithWriter(out), WithLogger(discardLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	want := `{"jsonrpc":"2.0","id":1,"result":"a"}` + "\n" + `{"jsonrpc":"2.0","id":2,"result":"b"}` + "\n"
	if got := out.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if n := d.callCount(); n != 2 {
		t.Errorf("dispatcher called %d times, want 2", n)
	}
}

func TestTransport_BlankLinesSkipped(t *testing.T) {
	in := strings.NewReader("\n\n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n\n")
	out := &syncBuffer{}
	d := &fakeDispatcher{responses: []string{`{"jsonrpc":"2.0","id":1,"result":{}}`}}

	transport := NewTransport(d, WithReader(in), WithWriter(out), WithLogger(discardLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if n := d.callCount(); n != 1 {
		t.Errorf("dispatcher called %d times, want 1", n)
	}
}

func TestTransport_DispatcherErrorLoggedNotFatal(t *testing.T) {
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"boom"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"ok"}` + "\n",
	)
	out := &syncBuffer{}
	d := &fakeDispatcher{err: errors.New("boom")}

	transport := NewTransport(d, WithReader(in), WithWriter(out), WithLogger(discardLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if n := d.callCount(); n != 2 {
		t.Errorf("dispatcher called %d times, want 2 (errors don't stop the scan loop)", n)
	}
	if got := out.String(); got != "" {
		t.Errorf("output = %q, want empty (dispatch errors produce no reply line)", got)
	}
}

func TestTransport_ContextCancelStopsLoop(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	d := &fakeDispatcher{}

	transport := NewTransport(d, WithReader(pr), WithWriter(out), WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := runUntilDone(t, transport, ctx)

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

func TestTransport_Close_IsNoop(t *testing.T) {
	transport := NewTransport(&fakeDispatcher{})
	if err := transport.Close(); err != nil {
		t.Errorf("Close() error = %v, want nil", err)
	}
}
