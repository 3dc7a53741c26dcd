package service

import (
	"sync"
	"testing"
	"time"
)

func TestEventBus_PublishDeliversToAllSubscribers(t *testing.T) {
	bus := NewEventBus(testLogger())

	var mu sync.Mutex
	var got []string

	bus.Subscribe(EventServiceConnected, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "first")
	})
	bus.Subscribe(EventServiceConnected, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "second")
	})

	bus.Publish(EventServiceConnected, map[string]any{"service": "calc"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0] != "first" || got[1] != "second" {
		t.Errorf("expected subscription-ordered delivery, got %v", got)
	}
}

func TestEventBus_PublishToUnknownEventIsNoop(t *testing.T) {
	bus := NewEventBus(testLogger())
	bus.Publish("nothing:subscribed", map[string]any{})
}

func TestEventBus_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewEventBus(testLogger())

	var mu sync.Mutex
	secondCalled := false

	bus.Subscribe("evt", func(e Event) {
		panic("boom")
	})
	bus.Subscribe("evt", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		secondCalled = true
	})

	bus.Publish("evt", nil)

	mu.Lock()
	defer mu.Unlock()
	if !secondCalled {
		t.Error("expected second subscriber to run despite first panicking")
	}
}

func TestEventBus_PublishSetsTimestamp(t *testing.T) {
	bus := NewEventBus(testLogger())
	start := time.Now()

	var captured Event
	bus.Subscribe("evt", func(e Event) { captured = e })
	bus.Publish("evt", map[string]any{"x": 1})

	if captured.At.Before(start) {
		t.Error("expected event timestamp to be at or after publish call")
	}
	if captured.Name != "evt" {
		t.Errorf("expected event name %q, got %q", "evt", captured.Name)
	}
}
