package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/port/outbound"
)

// CustomToolClient is the transport client for the customMCP namespace: a
// fixed set of user-defined tool manifests (name/description/input_schema)
// loaded from config rather than discovered from a live upstream server.
// There is no process or socket to dial, so Connect/Disconnect are no-ops
// and ListTools always returns the configured manifest.
//
// Grounded on StdioClient/SSEClient/StreamableHTTPClient's shape (same
// outbound.TransportClient surface, same config-driven construction), but
// with the dial itself removed since there is nothing external to reach:
// a customMCP tool's definition IS its entire backend. CallTool answers
// deterministically by echoing the tool name and arguments so the call is
// observable and testable without a sandboxed executor, which is out of
// scope here; UpstreamService's result-cache write-through is what makes
// a customMCP call idempotent and inspectable across repeated polls.
type CustomToolClient struct {
	tools  []*upstream.Tool
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	byName    map[string]*upstream.Tool
}

// NewCustomToolClient builds a customMCP transport client serving exactly
// the given tool manifests. Callers are responsible for setting
// OriginalName on each tool before it is passed in.
func NewCustomToolClient(tools []*upstream.Tool, logger *slog.Logger) *CustomToolClient {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]*upstream.Tool, len(tools))
	for _, t := range tools {
		byName[t.OriginalName] = t
	}
	return &CustomToolClient{tools: tools, logger: logger, byName: byName}
}

func (c *CustomToolClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *CustomToolClient) ListTools(ctx context.Context) ([]*upstream.Tool, error) {
	out := make([]*upstream.Tool, len(c.tools))
	copy(out, c.tools)
	return out, nil
}

// CallTool answers a customMCP call. There is no external process to
// invoke, so the result is a deterministic acknowledgement echoing the
// tool name and the arguments it was called with; a poller relying on the
// result cache's task_id/consumed bookkeeping sees the same completed
// payload on every replay of the same key.
func (c *CustomToolClient) CallTool(ctx context.Context, originalName string, arguments map[string]any) (*outbound.ToolCallResult, error) {
	c.mu.RLock()
	_, known := c.byName[originalName]
	c.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("custom tool client: unknown tool %q", originalName)
	}

	payload, err := json.Marshal(map[string]any{
		"tool":      originalName,
		"arguments": arguments,
		"status":    "completed",
	})
	if err != nil {
		return nil, fmt.Errorf("custom tool client: marshal result: %w", err)
	}
	return &outbound.ToolCallResult{Content: payload}, nil
}

func (c *CustomToolClient) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *CustomToolClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
