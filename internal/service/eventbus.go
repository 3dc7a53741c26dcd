package service

import (
	"log/slog"
	"sync"
	"time"
)

// Event names used by the core.
const (
	EventServiceConnected        = "service:connected"
	EventServiceDisconnected     = "service:disconnected"
	EventServiceConnectionFailed = "service:connection:failed"
	EventMCPServerAdded          = "mcp:server:added"
	EventMCPServerRemoved        = "mcp:server:removed"
	EventMCPServerStatusChanged  = "mcp:server:status_changed"
	EventMCPServerToolsUpdated   = "mcp:server:tools:updated"
	EventServiceRestartRequested = "service:restart:requested"
	EventConfigChange            = "configChange"
	EventConnectionError         = "connectionError"
	EventAuthenticationError     = "authenticationError"
	EventConnectionRecovered     = "connectionRecovered"
)

// Event is the payload delivered to subscribers: the event name, an
// arbitrary data map, and the publish timestamp.
type Event struct {
	Name string
	Data map[string]any
	At   time.Time
}

// Subscriber receives published events.
type Subscriber func(Event)

// EventBus is a typed, in-process pub/sub with synchronous delivery.
// Subscribers are called on the publisher's goroutine; a panicking
// subscriber is recovered, logged, and does not propagate, nor does it
// stop delivery to remaining subscribers.
//
// New component; no single direct source file (the original codebase
// uses narrower per-feature callback fields rather than a generic typed
// bus). Grounded on the general fan-out idiom used throughout that
// codebase, adapted to a synchronous subscriber-map shape for
// ordered-per-publisher delivery rather than a worker queue.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	logger      *slog.Logger
}

// NewEventBus builds an empty event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		subscribers: make(map[string][]Subscriber),
		logger:      logger,
	}
}

// Subscribe registers fn to receive events named event.
func (b *EventBus) Subscribe(event string, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[event] = append(b.subscribers[event], fn)
}

// Publish delivers data to every subscriber of event, synchronously, in
// subscription order. A subscriber that panics is logged and does not
// interrupt delivery to the rest, nor does it propagate to the caller.
func (b *EventBus) Publish(event string, data map[string]any) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subscribers[event]...)
	b.mu.RUnlock()

	evt := Event{Name: event, Data: data, At: time.Now()}
	for _, sub := range subs {
		b.dispatch(sub, evt)
	}
}

func (b *EventBus) dispatch(sub Subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "event", evt.Name, "panic", r)
		}
	}()
	sub(evt)
}
