package hook

import (
	"sync"
	"time"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
)

// Lifecycle event types the host publishes, in addition to the
// memory.Event* constants.
const (
	EventSessionComplete = "session_complete"
	EventSessionError    = "session_error"
	EventToolCallEnd     = "tool_call_end"
	EventGuardViolation  = "guard_violation"
)

// EventHandler handles one lifecycle event.
type EventHandler func(memory.Event)

// Bus delivers host lifecycle events to subscribers. Handlers run
// synchronously on the publishing goroutine, outside the bus lock.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string][]EventHandler
	allHandlers []EventHandler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]EventHandler),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

// Publish sends an event to its type's handlers, then to catch-all handlers.
func (b *Bus) Publish(event memory.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	specific := b.handlers[event.Type]
	all := b.allHandlers
	b.mu.RUnlock()

	for _, handler := range specific {
		handler(event)
	}
	for _, handler := range all {
		handler(event)
	}
}

// PublishWithData builds and publishes an event.
func (b *Bus) PublishWithData(eventType, source, correlationID string, data map[string]any) {
	b.Publish(memory.NewEvent(eventType, source, correlationID, data))
}
