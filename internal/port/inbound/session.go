package inbound

import "context"

// SessionState is the per-connection state machine:
// disconnected -> connecting -> connected -> disconnected; error is
// terminal until re-initialized.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionError        SessionState = "error"
)

// Session is the uniform per-connection contract shared by every inbound
// transport adapter (stdio, HTTP/SSE, streamable-HTTP, WebSocket). Each
// adapter wraps a single shared Message Handler.
type Session interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop() error
	SendMessage(ctx context.Context, raw []byte) error
	GetConnectionID() string
	GetState() SessionState
}
