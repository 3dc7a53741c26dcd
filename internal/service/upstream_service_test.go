package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/mcp"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/resultcache"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTransportClient is an in-memory outbound.TransportClient double used
// to exercise UpstreamService without a real subprocess or HTTP upstream.
type fakeTransportClient struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	listErr     error
	callErr     error
	tools       []*upstream.Tool
	listCalls   int
	callCalls   int
}

func (f *fakeTransportClient) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransportClient) ListTools(ctx context.Context) ([]*upstream.Tool, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeTransportClient) CallTool(ctx context.Context, originalName string, arguments map[string]any) (*outbound.ToolCallResult, error) {
	f.mu.Lock()
	f.callCalls++
	f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &outbound.ToolCallResult{Content: []byte(`{"ok":true}`)}, nil
}

func (f *fakeTransportClient) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransportClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func newTestService(cfg *upstream.Config, client *fakeTransportClient) *UpstreamService {
	factory := func(*upstream.Config, *slog.Logger) outbound.TransportClient { return client }
	bus := NewEventBus(testLogger())
	return NewUpstreamService(cfg, factory, nil, nil, bus, testLogger())
}

// fakeResultCacheStore is an in-memory outbound.ResultCacheStore double.
type fakeResultCacheStore struct {
	mu       sync.Mutex
	entries  map[string]*resultcache.Entry
	writes   int
}

func newFakeResultCacheStore() *fakeResultCacheStore {
	return &fakeResultCacheStore{entries: make(map[string]*resultcache.Entry)}
}

func (f *fakeResultCacheStore) Write(key string, entry *resultcache.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.entries[key] = entry
	return nil
}

func (f *fakeResultCacheStore) Read(key string) (*resultcache.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return nil, nil
	}
	return e, nil
}

func (f *fakeResultCacheStore) UpdateStatus(key string, status resultcache.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[key]; ok {
		e.UpdateStatus(status)
	}
	return nil
}

func (f *fakeResultCacheStore) MarkConsumed(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[key]; ok {
		e.MarkConsumed()
	}
	return nil
}

func (f *fakeResultCacheStore) Sweep() (int, error) { return 0, nil }

func newTestCustomMCPService(client *fakeTransportClient, resultCache outbound.ResultCacheStore) *UpstreamService {
	cfg := &upstream.Config{Name: upstream.CustomMCPNamespace, Type: upstream.TransportCustom, TimeoutMS: 1000}
	factory := func(*upstream.Config, *slog.Logger) outbound.TransportClient { return client }
	bus := NewEventBus(testLogger())
	return NewUpstreamService(cfg, factory, nil, resultCache, bus, testLogger())
}

func TestUpstreamService_Connect_Success(t *testing.T) {
	cfg := &upstream.Config{Name: "calc", TimeoutMS: 1000}
	client := &fakeTransportClient{tools: []*upstream.Tool{{OriginalName: "add", Description: "adds"}}}
	svc := newTestService(cfg, client)

	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() unexpected error: %v", err)
	}

	if !svc.IsConnected() {
		t.Error("expected IsConnected() true after successful Connect")
	}

	tools := svc.ListTools()
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	if tools[0].Name != "calc__add" {
		t.Errorf("expected namespaced name calc__add, got %q", tools[0].Name)
	}
}

func TestUpstreamService_Connect_FailsOnTransportError(t *testing.T) {
	cfg := &upstream.Config{Name: "calc", TimeoutMS: 1000}
	client := &fakeTransportClient{connectErr: errors.New("dial refused")}
	svc := newTestService(cfg, client)

	if err := svc.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect() to fail")
	}

	state, lastErr := svc.GetStatus()
	if state != upstream.StateDisconnected {
		t.Errorf("expected disconnected state after failed connect, got %v", state)
	}
	if lastErr == "" {
		t.Error("expected lastError to be recorded")
	}
}

func TestUpstreamService_Connect_FailsOnListToolsError(t *testing.T) {
	cfg := &upstream.Config{Name: "calc", TimeoutMS: 1000}
	client := &fakeTransportClient{listErr: errors.New("listTools failed")}
	svc := newTestService(cfg, client)

	if err := svc.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect() to fail when ListTools errors")
	}
	if svc.IsConnected() {
		t.Error("expected IsConnected() false after ListTools failure")
	}
}

func TestUpstreamService_CallTool_NotConnected(t *testing.T) {
	cfg := &upstream.Config{Name: "calc", TimeoutMS: 1000}
	client := &fakeTransportClient{}
	svc := newTestService(cfg, client)

	_, err := svc.CallTool(context.Background(), "add", nil)
	if !errors.Is(err, mcp.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestUpstreamService_CallTool_ToolNotFound(t *testing.T) {
	cfg := &upstream.Config{Name: "calc", TimeoutMS: 1000}
	client := &fakeTransportClient{tools: []*upstream.Tool{{OriginalName: "add"}}}
	svc := newTestService(cfg, client)

	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(): %v", err)
	}

	_, err := svc.CallTool(context.Background(), "subtract", nil)
	if !errors.Is(err, mcp.ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}
}

func TestUpstreamService_CallTool_Success_IncrementsUsage(t *testing.T) {
	cfg := &upstream.Config{Name: "calc", TimeoutMS: 1000}
	client := &fakeTransportClient{tools: []*upstream.Tool{{OriginalName: "add"}}}
	svc := newTestService(cfg, client)

	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(): %v", err)
	}

	if _, err := svc.CallTool(context.Background(), "add", map[string]any{"a": 1}); err != nil {
		t.Fatalf("CallTool(): %v", err)
	}

	tools := svc.ListTools()
	if tools[0].UsageCount != 1 {
		t.Errorf("expected UsageCount 1, got %d", tools[0].UsageCount)
	}
	if tools[0].LastUsedAt == nil {
		t.Error("expected LastUsedAt to be set")
	}
}

func TestUpstreamService_Disconnect_ClearsTools(t *testing.T) {
	cfg := &upstream.Config{Name: "calc", TimeoutMS: 1000}
	client := &fakeTransportClient{tools: []*upstream.Tool{{OriginalName: "add"}}}
	svc := newTestService(cfg, client)

	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(): %v", err)
	}
	if err := svc.Disconnect(); err != nil {
		t.Fatalf("Disconnect(): %v", err)
	}

	if svc.IsConnected() {
		t.Error("expected IsConnected() false after Disconnect")
	}
	if len(svc.ListTools()) != 0 {
		t.Error("expected empty tool list after Disconnect")
	}
}

func TestUpstreamService_CallTool_CustomMCP_WritesResultCacheOnSuccess(t *testing.T) {
	client := &fakeTransportClient{tools: []*upstream.Tool{{OriginalName: "echo"}}}
	rc := newFakeResultCacheStore()
	svc := newTestCustomMCPService(client, rc)

	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(): %v", err)
	}

	if _, err := svc.CallTool(context.Background(), "echo", map[string]any{"a": 1}); err != nil {
		t.Fatalf("CallTool(): %v", err)
	}

	key, err := resultcache.Key("echo", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("resultcache.Key(): %v", err)
	}
	entry, err := rc.Read(key)
	if err != nil || entry == nil {
		t.Fatalf("expected a cached entry for key %q, got %v, %v", key, entry, err)
	}
	if entry.Status != resultcache.StatusCompleted {
		t.Errorf("expected StatusCompleted, got %v", entry.Status)
	}
	if entry.Consumed {
		t.Error("expected freshly written entry to be unconsumed")
	}
}

func TestUpstreamService_CallTool_CustomMCP_WritesResultCacheOnFailure(t *testing.T) {
	client := &fakeTransportClient{tools: []*upstream.Tool{{OriginalName: "echo"}}, callErr: errors.New("boom")}
	rc := newFakeResultCacheStore()
	svc := newTestCustomMCPService(client, rc)

	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(): %v", err)
	}

	if _, err := svc.CallTool(context.Background(), "echo", map[string]any{"a": 1}); err == nil {
		t.Fatal("expected CallTool() to propagate the transport error")
	}

	key, _ := resultcache.Key("echo", map[string]any{"a": 1})
	entry, err := rc.Read(key)
	if err != nil || entry == nil {
		t.Fatalf("expected a cached entry even on failure, got %v, %v", entry, err)
	}
	if entry.Status != resultcache.StatusFailed {
		t.Errorf("expected StatusFailed, got %v", entry.Status)
	}
}

func TestUpstreamService_CallTool_CustomMCP_ReplaysUnconsumedEntryWithoutRedispatch(t *testing.T) {
	client := &fakeTransportClient{tools: []*upstream.Tool{{OriginalName: "echo"}}}
	rc := newFakeResultCacheStore()
	svc := newTestCustomMCPService(client, rc)

	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(): %v", err)
	}

	args := map[string]any{"a": 1}
	if _, err := svc.CallTool(context.Background(), "echo", args); err != nil {
		t.Fatalf("first CallTool(): %v", err)
	}

	client.mu.Lock()
	callsAfterFirst := client.callCalls
	client.mu.Unlock()

	if _, err := svc.CallTool(context.Background(), "echo", args); err != nil {
		t.Fatalf("second CallTool(): %v", err)
	}

	client.mu.Lock()
	callsAfterSecond := client.callCalls
	client.mu.Unlock()

	if callsAfterSecond != callsAfterFirst {
		t.Errorf("expected the transport client not to be re-dispatched on cache replay, got %d calls after first and %d after second", callsAfterFirst, callsAfterSecond)
	}

	key, _ := resultcache.Key("echo", args)
	entry, _ := rc.Read(key)
	if entry == nil || !entry.Consumed {
		t.Error("expected the replayed entry to be marked consumed")
	}
}

func TestUpstreamService_PingLoop_ProbesAfterStartDelay(t *testing.T) {
	cfg := &upstream.Config{
		Name:      "calc",
		TimeoutMS: 1000,
		Ping:      &upstream.PingConfig{Enabled: true, IntervalMS: 20, StartDelayMS: 5},
	}
	client := &fakeTransportClient{tools: []*upstream.Tool{{OriginalName: "add"}}}
	svc := newTestService(cfg, client)

	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(): %v", err)
	}
	defer svc.Disconnect()

	time.Sleep(80 * time.Millisecond)

	client.mu.Lock()
	calls := client.listCalls
	client.mu.Unlock()
	if calls < 2 {
		t.Errorf("expected at least 2 ping probes (1 from Connect + pings), got %d", calls)
	}
}
