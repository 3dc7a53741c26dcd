package mcp

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
)

// catClientConfig builds a stdio config whose subprocess is `cat`: every
// line written to its stdin is echoed back on stdout verbatim, which lets
// these tests exercise StdioClient's framing and pending-table matching
// without a real MCP server binary.
func catClientConfig() *upstream.Config {
	return &upstream.Config{Command: "cat", TimeoutMS: 2000}
}

func TestStdioClient_ConnectAndRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := NewStdioClient(catClientConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("expected IsConnected() true after Connect()")
	}

	// cat echoes whatever ListTools writes, so the pending entry resolves
	// against the same request envelope it sent rather than a real
	// tools/list reply; drive send() directly instead and check only that
	// an echoed response came back.
	raw, err := client.send(ctx, "tools/list", nil, defaultPendingTimeout)
	if err != nil {
		t.Fatalf("send() failed: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected a non-empty echoed response")
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect() failed: %v", err)
	}
	if client.IsConnected() {
		t.Fatal("expected IsConnected() false after Disconnect()")
	}
}

func TestStdioClient_SendBeforeConnectFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := NewStdioClient(catClientConfig(), nil)

	if _, err := client.ListTools(context.Background()); err == nil {
		t.Fatal("expected ListTools() to fail before Connect()")
	}
}

func TestStdioClient_DisconnectIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := NewStdioClient(catClientConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("first Disconnect() failed: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("second Disconnect() should be idempotent, got: %v", err)
	}
}

func TestStdioClient_ConnectUnknownCommandFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := NewStdioClient(&upstream.Config{Command: "xiaozhi-gateway-test-nonexistent-binary", TimeoutMS: 2000}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err == nil {
		_ = client.Disconnect()
		t.Fatal("expected Connect() to fail for a nonexistent command")
	}
}
