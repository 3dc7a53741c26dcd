package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/port/outbound"
)

var (
	errNotConnected = errors.New("transport client not connected")
	errTimeout      = errors.New("request timed out")
)

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type toolsListResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

// decodeToolsListResult parses the raw JSON-RPC response to a tools/list
// call into domain Tool descriptors. ServiceName/Name namespacing is
// applied by the caller (Upstream Service), which knows the owning
// service name; this only fills OriginalName.
func decodeToolsListResult(raw json.RawMessage) ([]*upstream.Tool, error) {
	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode tools/list envelope: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("tools/list error %d: %s", env.Error.Code, env.Error.Message)
	}

	var result toolsListResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	tools := make([]*upstream.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, &upstream.Tool{
			OriginalName: t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			Enabled:      true,
		})
	}
	return tools, nil
}

// decodeCallToolResult parses a tools/call response.
func decodeCallToolResult(raw json.RawMessage) (*outbound.ToolCallResult, error) {
	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode tools/call envelope: %w", err)
	}
	if env.Error != nil {
		return &outbound.ToolCallResult{IsError: true, Content: []byte(env.Error.Message)}, nil
	}
	return &outbound.ToolCallResult{Content: env.Result}, nil
}
