package mcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/port/outbound"
)

const maxUpstreamResponseBytes = 10 * 1024 * 1024 // 10MB, per http_client.go

// StreamableHTTPClient is the streamable-HTTP transport client: a single
// POST per JSON-RPC call against cfg.URL, tracking the Mcp-Session-Id
// header across calls.
//
// Grounded on http_client.go (session-ID header tracking, TLS 1.2
// minimum, response size limiting, non-2xx handling), simplified from its
// io.Pipe-bridged stream interface to direct per-call request/response
// since this client implements outbound.TransportClient (listTools/
// callTool) rather than the low-level MCPClient pipe port.
type StreamableHTTPClient struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	sessionID string
	nextID    int64
	connected atomic.Bool
}

// NewStreamableHTTPClient builds a streamable-HTTP transport client.
func NewStreamableHTTPClient(cfg *upstream.Config, logger *slog.Logger) *StreamableHTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StreamableHTTPClient{
		endpoint: cfg.URL,
		headers:  cfg.Headers,
		logger:   logger,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *StreamableHTTPClient) Connect(ctx context.Context) error {
	// A lightweight reachability probe: an explicit "initialize" call
	// serves as the handshake, after which request/response semantics are
	// equivalent to the stdio transport.
	if _, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
	}); err != nil {
		return fmt.Errorf("streamable_http connect: %w", err)
	}
	c.connected.Store(true)
	return nil
}

func (c *StreamableHTTPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	sessionID := c.sessionID
	c.mu.Unlock()

	reqBody := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		reqBody["params"] = params
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", "2025-06-18")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil // notification accepted, no reply body
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var env rpcEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", env.Error.Code, env.Error.Message)
	}
	return env.Result, nil
}

func (c *StreamableHTTPClient) ListTools(ctx context.Context) ([]*upstream.Tool, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return decodeToolsListResult(wrapEnvelope(result))
}

func (c *StreamableHTTPClient) CallTool(ctx context.Context, originalName string, arguments map[string]any) (*outbound.ToolCallResult, error) {
	result, err := c.call(ctx, "tools/call", map[string]any{"name": originalName, "arguments": arguments})
	if err != nil {
		return &outbound.ToolCallResult{IsError: true, Content: []byte(err.Error())}, nil
	}
	return &outbound.ToolCallResult{Content: result}, nil
}

func (c *StreamableHTTPClient) Disconnect() error {
	c.connected.Store(false)
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	return nil
}

func (c *StreamableHTTPClient) IsConnected() bool {
	return c.connected.Load()
}

// wrapEnvelope re-wraps an already-unwrapped result back into a minimal
// envelope so decodeToolsListResult's single entry point can be reused
// for both the stdio (full envelope) and HTTP (pre-unwrapped) paths.
func wrapEnvelope(result json.RawMessage) json.RawMessage {
	out, _ := json.Marshal(map[string]json.RawMessage{"result": result})
	return out
}

var _ outbound.TransportClient = (*StreamableHTTPClient)(nil)
