package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
)

func TestStreamableHTTPClient_ConnectSetsSessionID(t *testing.T) {
	defer goleak.VerifyNone(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Mcp-Session-Id", "sess-123")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer server.Close()

	client := NewStreamableHTTPClient(&upstream.Config{URL: server.URL, TimeoutMS: 2000}, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("expected IsConnected() true after Connect()")
	}
	if client.sessionID != "sess-123" {
		t.Errorf("expected sessionID to be captured from response header, got %q", client.sessionID)
	}
}

func TestStreamableHTTPClient_ConnectErrorOnRPCError(t *testing.T) {
	defer goleak.VerifyNone(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"boom"}}`))
	}))
	defer server.Close()

	client := NewStreamableHTTPClient(&upstream.Config{URL: server.URL, TimeoutMS: 2000}, nil)
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect() to fail on rpc error envelope")
	}
	if client.IsConnected() {
		t.Fatal("expected IsConnected() false after failed Connect()")
	}
}

func TestStreamableHTTPClient_ConnectErrorOnNon2xx(t *testing.T) {
	defer goleak.VerifyNone(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewStreamableHTTPClient(&upstream.Config{URL: server.URL, TimeoutMS: 2000}, nil)
	err := client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected Connect() to fail on non-2xx status")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("expected error to mention status code, got: %v", err)
	}
}

func TestStreamableHTTPClient_ListToolsAndCallTool(t *testing.T) {
	defer goleak.VerifyNone(t)

	var seenSessionID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		seenSessionID = r.Header.Get("Mcp-Session-Id")

		w.Header().Set("Mcp-Session-Id", "sess-abc")
		w.Header().Set("Content-Type", "application/json")
		switch req["method"] {
		case "initialize":
			_, _ = w.Write([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{}}`, req["id"])))
		case "tools/list":
			_, _ = w.Write([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"tools":[{"name":"echo","description":"echoes","inputSchema":{}}]}}`, req["id"])))
		case "tools/call":
			_, _ = w.Write([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"ok":true}}`, req["id"])))
		}
	}))
	defer server.Close()

	client := NewStreamableHTTPClient(&upstream.Config{URL: server.URL, TimeoutMS: 2000}, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() failed: %v", err)
	}
	if len(tools) != 1 || tools[0].OriginalName != "echo" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	if seenSessionID != "sess-abc" {
		t.Errorf("expected subsequent calls to carry the session ID header, got %q", seenSessionID)
	}

	result, err := client.CallTool(context.Background(), "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("CallTool() returned transport error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected successful result, got error content: %s", result.Content)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect() failed: %v", err)
	}
	if client.IsConnected() {
		t.Fatal("expected IsConnected() false after Disconnect()")
	}
}

func TestStreamableHTTPClient_CallToolWrapsRPCErrorAsResult(t *testing.T) {
	defer goleak.VerifyNone(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req["method"] == "tools/call" {
			_, _ = w.Write([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"error":{"code":-32000,"message":"tool failed"}}`, req["id"])))
			return
		}
		_, _ = w.Write([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{}}`, req["id"])))
	}))
	defer server.Close()

	client := NewStreamableHTTPClient(&upstream.Config{URL: server.URL, TimeoutMS: 2000}, nil)

	result, err := client.CallTool(context.Background(), "broken", nil)
	if err != nil {
		t.Fatalf("CallTool() should surface rpc errors as a result, not a transport error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError true for an rpc-level tool failure")
	}
	if !strings.Contains(string(result.Content), "tool failed") {
		t.Errorf("expected error content to mention the rpc message, got: %s", result.Content)
	}
}
