package mcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/port/outbound"
)

// SSEClient is the SSE transport client: opens a long-lived GET
// event-stream against cfg.URL, learns the per-session POST endpoint from
// the stream's initial "endpoint" event, and correlates POSTed requests
// with their async replies (delivered as "message" events) via a
// pending-request table.
//
// Grounded on http_client.go for the HTTP client configuration (TLS 1.2
// floor, idle-conn pooling) and its clientState/idempotent-Close pattern;
// the event-stream parsing and endpoint-discovery handshake are new,
// since that file only spoke one generic "http" transport, whereas SSE
// and streamable-HTTP need to be distinguished here.
type SSEClient struct {
	streamURL string
	headers   map[string]string
	httpClient *http.Client
	logger    *slog.Logger

	mu           sync.Mutex
	connected    bool
	messageURL   string
	endpointRdy  chan struct{}
	endpointOnce sync.Once
	cancelStream context.CancelFunc
	pending      *pendingTable
}

// NewSSEClient builds an SSE transport client for the given config.
func NewSSEClient(cfg *upstream.Config, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SSEClient{
		streamURL: cfg.URL,
		headers:   cfg.Headers,
		logger:    logger,
		httpClient: &http.Client{
			// No overall Timeout: the GET stream is held open indefinitely.
			// Per-send timeouts are enforced by the pending table instead.
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpointRdy: make(chan struct{}),
		pending:     newPendingTable(),
	}
}

func (c *SSEClient) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.streamURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("sse connect: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("sse connect: http status %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.cancelStream = cancel
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(resp.Body)

	// Wait for the "endpoint" event (or the caller's context deadline)
	// before declaring Connect successful: callers cannot send without it.
	select {
	case <-c.endpointRdy:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(defaultPendingTimeout):
		return fmt.Errorf("sse connect: %w", errTimeout)
	}
}

// readLoop parses the SSE byte stream into discrete events: "event: X"
// and "data: Y" lines, separated by a blank line. It routes "endpoint"
// events to endpoint discovery and "message"/unlabeled events to the
// pending table by JSON-RPC id.
func (c *SSEClient) readLoop(body interface {
	Read([]byte) (int, error)
	Close() error
}) {
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, stdioInitialBufSize), stdioMaxBufSize)

	var eventName string
	var dataBuf bytes.Buffer

	flush := func() {
		data := strings.TrimSpace(dataBuf.String())
		dataBuf.Reset()
		if data == "" {
			return
		}
		switch eventName {
		case "endpoint":
			c.setMessageURL(data)
		default:
			c.routeMessage(data)
		}
		eventName = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.pending.drain()
}

func (c *SSEClient) setMessageURL(data string) {
	resolved := data
	if base, err := url.Parse(c.streamURL); err == nil {
		if rel, err := url.Parse(data); err == nil {
			resolved = base.ResolveReference(rel).String()
		}
	}
	c.mu.Lock()
	c.messageURL = resolved
	c.mu.Unlock()
	c.endpointOnce.Do(func() { close(c.endpointRdy) })
}

func (c *SSEClient) routeMessage(data string) {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		c.logger.Warn("sse client: malformed event data", "error", err)
		return
	}
	if envelope.ID == nil {
		return // server-initiated notification; nothing pending to resolve
	}
	var idNum int64
	if err := json.Unmarshal(envelope.ID, &idNum); err != nil {
		return
	}
	c.pending.resolve(idNum, pendingResult{raw: json.RawMessage(data)})
}

func (c *SSEClient) send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	messageURL := c.messageURL
	connected := c.connected
	c.mu.Unlock()
	if !connected || messageURL == "" {
		return nil, fmt.Errorf("sse client: %w", errNotConnected)
	}

	id, resultCh := c.pending.register(timeout)

	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(body))
	if err != nil {
		c.pending.resolve(id, pendingResult{timeout: true})
		return nil, fmt.Errorf("sse client: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.pending.resolve(id, pendingResult{timeout: true})
		return nil, fmt.Errorf("sse client: post: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.pending.resolve(id, pendingResult{timeout: true})
		return nil, fmt.Errorf("sse client: post status %d", resp.StatusCode)
	}

	select {
	case result := <-resultCh:
		if result.timeout {
			return nil, fmt.Errorf("sse client: %w", errTimeout)
		}
		return result.raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *SSEClient) ListTools(ctx context.Context) ([]*upstream.Tool, error) {
	raw, err := c.send(ctx, "tools/list", nil, defaultPendingTimeout)
	if err != nil {
		return nil, err
	}
	return decodeToolsListResult(raw)
}

func (c *SSEClient) CallTool(ctx context.Context, originalName string, arguments map[string]any) (*outbound.ToolCallResult, error) {
	params := map[string]any{"name": originalName, "arguments": arguments}
	raw, err := c.send(ctx, "tools/call", params, defaultPendingTimeout)
	if err != nil {
		return nil, err
	}
	return decodeCallToolResult(raw)
}

func (c *SSEClient) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancelStream
	c.connected = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.pending.drain()
	return nil
}

func (c *SSEClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

var _ outbound.TransportClient = (*SSEClient)(nil)
