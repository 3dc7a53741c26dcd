package hub

import "time"

// ReconnectPolicy holds the tunables for the fixed-interval reconnect
// scheduler. Deliberately NOT exponential backoff: despite option names
// suggesting backoff, the upstream hub protocol expects a fixed retry
// interval, so this implementation matches that fixed cadence — a
// divergence from UpstreamManager's own reconnect logic, which does
// exponentiate. See DESIGN.md.
type ReconnectPolicy struct {
	IntervalMS          int
	MaxAttempts         int
	MaxAuthAttempts     int // default 3
	MaxConsecutiveFails int // default 10
}

// DefaultReconnectPolicy returns the documented default tunables.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		IntervalMS:          5000,
		MaxAttempts:         3,
		MaxAuthAttempts:     3,
		MaxConsecutiveFails: 10,
	}
}

// ShouldReconnect decides whether another reconnect attempt may be
// scheduled for s:
//   - not if reconnect_attempts >= max_attempts
//   - not if class is AUTHENTICATION and attempts >= 3
//   - not if consecutive_failures >= 10
func (p ReconnectPolicy) ShouldReconnect(s *ConnectionState) bool {
	if s.ReconnectAttempts >= p.MaxAttempts {
		return false
	}
	if s.ErrorClass == ErrorAuthentication && s.ReconnectAttempts >= p.MaxAuthAttempts {
		return false
	}
	if s.ConsecutiveFailures >= p.MaxConsecutiveFails {
		return false
	}
	return true
}

// Delay is the fixed reconnect delay — no exponential ramp.
func (p ReconnectPolicy) Delay() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// MarkReconnectSuccess resets the failure/attempt counters.
// Health score is NOT reset — it is only updated by RecordSuccess/Failure.
func (s *ConnectionState) MarkReconnectSuccess() {
	s.ConsecutiveFailures = 0
	s.ReconnectAttempts = 0
	s.ReconnectDelayMS = 0
	s.State = StateConnected
	now := time.Now()
	s.ConnectedAt = &now
	s.NextReconnectAt = nil
}
