package hub

import (
	"testing"
	"time"
)

func TestRecordSuccessAndFailureScoring(t *testing.T) {
	s := NewConnectionState("ws://example")
	if s.HealthScore != 100 {
		t.Fatalf("expected initial score 100, got %d", s.HealthScore)
	}

	s.RecordFailure(ErrorNetwork)
	if s.HealthScore != 75 {
		t.Fatalf("expected score 75 after one failure, got %d", s.HealthScore)
	}
	if s.ConsecutiveFailures != 1 {
		t.Fatalf("expected consecutive failures 1, got %d", s.ConsecutiveFailures)
	}

	s.RecordSuccess(50 * time.Millisecond)
	if s.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutive failures reset to 0 after success")
	}
}

func TestReconnectHistoryBounded(t *testing.T) {
	s := NewConnectionState("ws://example")
	for i := 0; i < 20; i++ {
		s.RecordAttempt(false, ErrorTimeout)
	}
	if len(s.ReconnectHistory) != maxReconnectHistory {
		t.Fatalf("expected history capped at %d, got %d", maxReconnectHistory, len(s.ReconnectHistory))
	}
}

func TestClassifyError(t *testing.T) {
	cases := map[string]ErrorClass{
		"request timeout exceeded":      ErrorTimeout,
		"ECONNREFUSED":                  ErrorNetwork,
		"401 Unauthorized":              ErrorAuthentication,
		"502 Bad Gateway from server":   ErrorServer,
		"something totally unexpected": ErrorUnknown,
	}
	for msg, want := range cases {
		if got := ClassifyError(msg); got != want {
			t.Errorf("ClassifyError(%q) = %s, want %s", msg, got, want)
		}
	}
}

func TestReconnectPolicy(t *testing.T) {
	p := DefaultReconnectPolicy()
	s := NewConnectionState("ws://example")

	s.ReconnectAttempts = 3
	if p.ShouldReconnect(s) {
		t.Fatal("expected no reconnect once max attempts reached")
	}

	s2 := NewConnectionState("ws://example")
	s2.ErrorClass = ErrorAuthentication
	s2.ReconnectAttempts = 3
	if p.ShouldReconnect(s2) {
		t.Fatal("expected no reconnect for repeated auth failures")
	}

	s3 := NewConnectionState("ws://example")
	s3.ConsecutiveFailures = 10
	if p.ShouldReconnect(s3) {
		t.Fatal("expected no reconnect once consecutive failures hit cap")
	}
}
