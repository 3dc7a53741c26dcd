package resultcache

import (
	"testing"
	"time"
)

func TestKeyIsOrderIndependent(t *testing.T) {
	k1, err := Key("calc__add", map[string]any{"a": 2, "b": 3})
	if err != nil {
		t.Fatal(err)
	}
	k2, err := Key("calc__add", map[string]any{"b": 3, "a": 2})
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatalf("expected identical keys regardless of map iteration order: %s != %s", k1, k2)
	}
}

func TestTTLExpiry(t *testing.T) {
	e := NewPending("task-1")
	e.TTLMS = 100
	e.UpdateStatus(StatusCompleted)

	if e.IsExpired(e.CreatedAt.Add(50 * time.Millisecond)) {
		t.Fatal("expected entry to still be valid at 50ms")
	}
	if !e.IsExpired(e.CreatedAt.Add(200 * time.Millisecond)) {
		t.Fatal("expected entry to be expired at 200ms")
	}
}

func TestShouldCleanup(t *testing.T) {
	now := time.Now()

	e := NewPending("t")
	e.UpdateStatus(StatusCompleted)
	if e.ShouldCleanup(now) {
		t.Fatal("fresh, unconsumed, completed entry should not be cleaned up")
	}

	e.MarkConsumed()
	if !e.ShouldCleanup(now) {
		t.Fatal("consumed+completed entry should be cleaned up even before TTL")
	}

	e2 := NewPending("t2")
	e2.UpdateStatus(StatusFailed)
	if !e2.ShouldCleanup(now) {
		t.Fatal("failed entries should always be cleaned up")
	}
}
