package outbound

import (
	"context"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
)

// ToolCallResult is the outcome of a callTool invocation on a transport
// client, wrapping whatever content the upstream server returned.
type ToolCallResult struct {
	Content  []byte // raw JSON-RPC result payload
	IsError  bool
}

// TransportClient is the uniform capability set a Service Instance relies
// on: it owns exactly one TransportClient (stdio, SSE, or
// streamable_http) behind this interface and never downcasts it.
//
// Implementations: internal/adapter/outbound/mcp/{stdio_client,
// sse_client,streamable_http_client}.go.
type TransportClient interface {
	// Connect performs the transport-level handshake. Returns an error on
	// failure or context deadline exceeded.
	Connect(ctx context.Context) error

	// ListTools performs a tools/list call against the upstream server.
	ListTools(ctx context.Context) ([]*upstream.Tool, error)

	// CallTool performs a tools/call invocation.
	CallTool(ctx context.Context, originalName string, arguments map[string]any) (*ToolCallResult, error)

	// Disconnect tears down the transport-level connection. Idempotent.
	Disconnect() error

	// IsConnected reports whether the transport believes it is connected.
	IsConnected() bool
}
