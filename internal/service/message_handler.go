package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	domainmcp "github.com/shenjingnan/xiaozhi-gateway/internal/domain/mcp"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/registry"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/port/outbound"
)

// gatewayName/gatewayVersion are reported in the initialize handshake.
const (
	gatewayName    = "xiaozhi-gateway"
	gatewayVersion = "1.0.0"

	// protocolVersion is offered when the client's requested version is
	// not one we recognize.
	protocolVersion = "2025-06-18"
)

// supportedProtocolVersions is the negotiation set: if the client asks
// for one of these, it is echoed back verbatim; otherwise we fall back
// to protocolVersion.
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-06-18": true,
}

// ToolLister is the narrow read contract the Message Handler needs from
// the Service Manager to answer tools/list and look up a tool's schema
// for tools/call argument validation.
type ToolLister interface {
	GetAllTools(filter registry.Filter, sortField registry.SortField) ([]*upstream.Tool, error)
	GetTool(publicName string) (*upstream.Tool, bool)
}

// ToolCaller is the narrow contract the Message Handler needs to dispatch
// tools/call.
type ToolCaller interface {
	CallTool(ctx context.Context, publicName string, arguments map[string]any) (*outbound.ToolCallResult, error)
}

// MessageHandler implements the Message Handler (C1): decodes
// an inbound JSON-RPC request, dispatches it to one of the fixed gateway
// methods (initialize, notifications/initialized, ping, tools/list,
// tools/call), and returns the raw response bytes to send back, or nil for
// a notification that produces no response.
//
// Grounded on internal/domain/proxy/upstream_router.go: the method-table
// switch shape, the plain jsonRPCError/jsonRPCResult wire structs built
// directly from the extracted raw ID (sidestepping the SDK's jsonrpc.ID
// marshaling quirk the same way), and the forward-unknown-methods-as-
// errors default case. Diverges by replacing the upstream-routing
// responsibility (GetConnection/AllConnected against per-upstream pipes)
// with delegation to the Service Manager's aggregated tool registry and
// callTool dispatch, since that routing belongs to C5, not to the message
// handler itself.
type MessageHandler struct {
	tools  ToolLister
	caller ToolCaller
	logger *slog.Logger
}

// NewMessageHandler builds a Message Handler over the given Service
// Manager-shaped dependencies.
func NewMessageHandler(tools ToolLister, caller ToolCaller, logger *slog.Logger) *MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageHandler{tools: tools, caller: caller, logger: logger}
}

// Handle decodes raw and dispatches it. Returns nil, nil for a
// notification (no id) that requires no response.
func (h *MessageHandler) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	msg, err := domainmcp.WrapMessage(raw, domainmcp.ClientToServer)
	if err != nil {
		return buildRawError(nil, domainmcp.CodeParseError, "parse error: "+err.Error()), nil
	}

	if !msg.IsRequest() {
		return buildRawError(msg.RawID(), domainmcp.CodeInvalidRequest, "expected a JSON-RPC request"), nil
	}

	if msg.IsNotification() {
		h.dispatchNotification(msg.Method())
		return nil, nil
	}

	id := msg.RawID()

	switch msg.Method() {
	case "initialize":
		return h.handleInitialize(id, msg), nil

	case "ping":
		return buildRawResult(id, map[string]any{}), nil

	case "tools/list":
		return h.handleToolsList(id), nil

	case "tools/call":
		return h.handleToolsCall(ctx, id, msg), nil

	default:
		return buildRawError(id, domainmcp.CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method())), nil
	}
}

// handleInitialize negotiates a protocol version: the client's requested
// version is echoed back when recognized, otherwise protocolVersion (the
// latest we speak) is offered.
func (h *MessageHandler) handleInitialize(id json.RawMessage, msg *domainmcp.Message) []byte {
	negotiated := protocolVersion
	if params := msg.ParseParams(); params != nil {
		if requested, _ := params["protocolVersion"].(string); supportedProtocolVersions[requested] {
			negotiated = requested
		}
	}

	return buildRawResult(id, map[string]any{
		"protocolVersion": negotiated,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": gatewayName, "version": gatewayVersion},
	})
}

func (h *MessageHandler) dispatchNotification(method string) {
	switch method {
	case "notifications/initialized":
		h.logger.Debug("client initialized")
	default:
		h.logger.Debug("unhandled notification", "method", method)
	}
}

func (h *MessageHandler) handleToolsList(id json.RawMessage) []byte {
	tools, err := h.tools.GetAllTools(registry.FilterEnabled, registry.SortByName)
	if err != nil {
		return buildRawError(id, domainmcp.CodeInternalError, err.Error())
	}

	entries := make([]toolListEntry, 0, len(tools))
	for _, t := range tools {
		entries = append(entries, toolListEntry{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	return buildRawResult(id, toolsListResult{Tools: entries})
}

func (h *MessageHandler) handleToolsCall(ctx context.Context, id json.RawMessage, msg *domainmcp.Message) []byte {
	params := msg.ParseParams()
	if params == nil {
		return buildRawError(id, domainmcp.CodeInvalidRequest, "tools/call requires params")
	}

	name, _ := params["name"].(string)
	if name == "" {
		return buildRawError(id, domainmcp.CodeInvalidRequest, "tools/call requires a non-empty name")
	}

	arguments, _ := params["arguments"].(map[string]any)

	if tool, ok := h.tools.GetTool(name); ok && len(tool.InputSchema) > 0 {
		if err := validateToolArguments(tool.InputSchema, arguments); err != nil {
			return buildRawError(id, domainmcp.CodeInternalError, "arguments do not match input_schema: "+err.Error())
		}
	}

	result, err := h.caller.CallTool(ctx, name, arguments)
	if err != nil {
		// NotFound and Transport application-layer errors are both
		// wrapped in -32603 with a descriptive message; -32601 is reserved
		// for a literal unrecognized JSON-RPC method (the default case in
		// Handle), not for "tool not found".
		return buildRawError(id, domainmcp.CodeInternalError, err.Error())
	}

	return buildRawResult(id, toolCallResult{
		Content: []json.RawMessage{result.Content},
		IsError: result.IsError,
	})
}

// validateToolArguments checks arguments against a tool's JSON-Schema
// input_schema before dispatch, so a malformed call fails fast with a
// descriptive message instead of reaching the owning service.
func validateToolArguments(rawSchema json.RawMessage, arguments map[string]any) error {
	var schema jsonschema.Schema
	if err := json.Unmarshal(rawSchema, &schema); err != nil {
		return fmt.Errorf("invalid input_schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve input_schema: %w", err)
	}
	return resolved.Validate(arguments)
}

type toolListEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []toolListEntry `json:"tools"`
}

type toolCallResult struct {
	Content []json.RawMessage `json:"content"`
	IsError bool              `json:"isError,omitempty"`
}

type rawRPCError struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Error   rawRPCErrorBody `json:"error"`
}

type rawRPCErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rawRPCResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result"`
}

func buildRawError(id json.RawMessage, code int, message string) []byte {
	raw, _ := json.Marshal(rawRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rawRPCErrorBody{Code: code, Message: message},
	})
	return raw
}

func buildRawResult(id json.RawMessage, result any) []byte {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return buildRawError(id, domainmcp.CodeInternalError, "marshaling result: "+err.Error())
	}
	raw, _ := json.Marshal(rawRPCResult{
		JSONRPC: "2.0",
		ID:      id,
		Result:  resultJSON,
	})
	return raw
}
