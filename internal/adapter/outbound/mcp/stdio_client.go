package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/port/outbound"
)

const (
	stdioInitialBufSize   = 256 * 1024
	stdioMaxBufSize       = 1024 * 1024
	defaultPendingTimeout = 30 * time.Second
)

// StdioClient is the stdio transport client: spawns the child process,
// pipes stdin/stdout, frames newline-delimited JSON messages, and tracks
// outstanding request IDs with a pending-map. stderr lines are classified
// by keyword.
//
// Grounded on stdio_client.go for process lifecycle (now factored into
// process.go's low-level process type); the pending-map, framing, and
// stderr classification are new — that logic previously lived in
// ProxyService, and is moved down into the client here so the transport
// client itself owns request/response matching.
type StdioClient struct {
	proc   *process
	logger *slog.Logger

	mu        sync.Mutex
	stdin     io.WriteCloser
	connected bool
	pending   *pendingTable
}

// NewStdioClient builds a stdio transport client for the given config.
func NewStdioClient(cfg *upstream.Config, logger *slog.Logger) *StdioClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioClient{
		proc:    newProcess(cfg.Command, cfg.Args, cfg.Env),
		logger:  logger,
		pending: newPendingTable(),
	}
}

func (c *StdioClient) Connect(ctx context.Context) error {
	stdin, stdout, err := c.proc.Start(ctx)
	if err != nil {
		return fmt.Errorf("stdio connect: %w", err)
	}

	c.mu.Lock()
	c.stdin = stdin
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(stdout)
	if stderr := c.proc.Stderr(); stderr != nil {
		go c.stderrLoop(stderr)
	}
	return nil
}

func (c *StdioClient) readLoop(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, stdioInitialBufSize), stdioMaxBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var envelope struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			c.logger.Warn("stdio client: malformed response line", "error", err)
			continue
		}
		if envelope.ID == nil {
			continue // notification from upstream; no pending entry to resolve
		}
		var idNum int64
		if err := json.Unmarshal(envelope.ID, &idNum); err != nil {
			continue
		}
		cp := make(json.RawMessage, len(line))
		copy(cp, line)
		c.pending.resolve(idNum, pendingResult{raw: cp})
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.pending.drain()
}

// stderrLoop classifies each stderr line: lines containing "[ERROR]",
// "Error:", or "Failed" log at error level, otherwise info.
func (c *StdioClient) stderrLoop(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "[ERROR]") || strings.Contains(line, "Error:") || strings.Contains(line, "Failed") {
			c.logger.Error("upstream stderr", "line", line)
		} else {
			c.logger.Info("upstream stderr", "line", line)
		}
	}
}

func (c *StdioClient) send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	stdin := c.stdin
	connected := c.connected
	c.mu.Unlock()
	if !connected || stdin == nil {
		return nil, fmt.Errorf("stdio client: %w", errNotConnected)
	}

	id, resultCh := c.pending.register(timeout)

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	body = append(body, '\n')

	if _, err := stdin.Write(body); err != nil {
		c.pending.resolve(id, pendingResult{timeout: true})
		return nil, fmt.Errorf("stdio client: write request: %w", err)
	}

	select {
	case result := <-resultCh:
		if result.timeout {
			return nil, fmt.Errorf("stdio client: %w", errTimeout)
		}
		return result.raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *StdioClient) ListTools(ctx context.Context) ([]*upstream.Tool, error) {
	raw, err := c.send(ctx, "tools/list", nil, defaultPendingTimeout)
	if err != nil {
		return nil, err
	}
	return decodeToolsListResult(raw)
}

func (c *StdioClient) CallTool(ctx context.Context, originalName string, arguments map[string]any) (*outbound.ToolCallResult, error) {
	params := map[string]any{"name": originalName, "arguments": arguments}
	raw, err := c.send(ctx, "tools/call", params, defaultPendingTimeout)
	if err != nil {
		return nil, err
	}
	return decodeCallToolResult(raw)
}

func (c *StdioClient) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.pending.drain()
	return c.proc.Close()
}

func (c *StdioClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

var _ outbound.TransportClient = (*StdioClient)(nil)
