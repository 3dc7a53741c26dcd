package mcp

import "errors"

// JSON-RPC 2.0 and gateway-specific error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	CodeServerBusy     = -32000
)

// Sentinel errors classified by the gateway's error taxonomy.
// Adapters map these to JSON-RPC codes / HTTP statuses with errors.Is/As.
var (
	// ErrNotConnected is returned when a tool call is attempted against a
	// service instance whose state is not "connected".
	ErrNotConnected = errors.New("mcp: service not connected")

	// ErrToolNotFound is returned when a public tool name has no entry in
	// the registry or the owning service's tool map.
	ErrToolNotFound = errors.New("mcp: tool not found")

	// ErrServiceNotFound is returned when an operation names an unknown
	// service.
	ErrServiceNotFound = errors.New("mcp: service not found")

	// ErrConflict is returned when adding a service whose name already
	// exists.
	ErrConflict = errors.New("mcp: service name already exists")

	// ErrValidation is returned for malformed configuration or requests.
	ErrValidation = errors.New("mcp: validation failed")

	// ErrTimeout is returned when an upstream call exceeds its deadline.
	ErrTimeout = errors.New("mcp: timeout")
)

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// NewRPCError builds an *RPCError with the given code and message.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}
