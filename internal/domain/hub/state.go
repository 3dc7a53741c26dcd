// Package hub implements the domain model for the Hub Connection Manager:
// per-endpoint connection state, health scoring, error classification,
// and reconnect policy. Grounded on the three-state circuit breaker shape
// in MrWong99-glyphoxa's internal/resilience package, adapted from a
// boolean trip/reset gate into a continuous 0-100 health score plus an
// explicit reconnect ledger.
package hub

import (
	"time"
)

// State is the per-endpoint connection state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// ErrorClass classifies a transport error.
type ErrorClass string

const (
	ErrorNetwork        ErrorClass = "NETWORK"
	ErrorAuthentication ErrorClass = "AUTHENTICATION"
	ErrorServer         ErrorClass = "SERVER"
	ErrorTimeout        ErrorClass = "TIMEOUT"
	ErrorUnknown        ErrorClass = "UNKNOWN"
)

const maxReconnectHistory = 10

// ReconnectAttempt is one entry in a bounded reconnect history.
type ReconnectAttempt struct {
	At      time.Time
	Success bool
	Class   ErrorClass
}

// ConnectionState is the Hub Connection State.
type ConnectionState struct {
	EndpointURL string
	State       State

	ConnectedAt *time.Time
	LastError   string
	ErrorClass  ErrorClass

	ReconnectAttempts int
	HealthScore       int // 0-100

	ConsecutiveFailures int
	TotalRequests       int64
	SuccessfulRequests  int64
	LastSuccessAt       *time.Time

	NextReconnectAt  *time.Time
	ReconnectDelayMS int

	// ReconnectHistory never grows beyond maxReconnectHistory entries.
	ReconnectHistory []ReconnectAttempt
}

// NewConnectionState creates a ConnectionState for a freshly added
// endpoint: health score initialized at 100.
func NewConnectionState(endpointURL string) *ConnectionState {
	return &ConnectionState{
		EndpointURL: endpointURL,
		State:       StateDisconnected,
		HealthScore: 100,
	}
}

// RecordAttempt appends an attempt to the bounded reconnect history,
// evicting the oldest entry when at capacity.
func (s *ConnectionState) RecordAttempt(success bool, class ErrorClass) {
	s.ReconnectHistory = append(s.ReconnectHistory, ReconnectAttempt{
		At:      time.Now(),
		Success: success,
		Class:   class,
	})
	if len(s.ReconnectHistory) > maxReconnectHistory {
		s.ReconnectHistory = s.ReconnectHistory[len(s.ReconnectHistory)-maxReconnectHistory:]
	}
}
