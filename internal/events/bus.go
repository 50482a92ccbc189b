// Package events provides the in-process pub/sub bus used for observability:
// queue transitions, broker connection changes and backup results are emitted
// here and fan out to subscribers such as the SSE stream.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a kind of system event
type EventType string

const (
	EventAdmitted      EventType = "EVENT_ADMITTED"
	EventDeduplicated  EventType = "EVENT_DEDUPLICATED"
	EventCompleted     EventType = "EVENT_COMPLETED"
	EventRequeued      EventType = "EVENT_REQUEUED"
	EventDelayed       EventType = "EVENT_DELAYED"
	EventRemoved       EventType = "EVENT_REMOVED"
	TriggerReceived    EventType = "TRIGGER_RECEIVED"
	OrderSubmitted     EventType = "ORDER_SUBMITTED"
	OrdersCancelled    EventType = "ORDERS_CANCELLED"
	BrokerConnected    EventType = "BROKER_CONNECTED"
	BrokerDisconnected EventType = "BROKER_DISCONNECTED"
	BackupCompleted    EventType = "BACKUP_COMPLETED"
)

// Event is a single bus message
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler receives events for a subscribed type
type Handler func(event *Event)

type subscription struct {
	id int64
	fn Handler
}

// Bus is a simple synchronous pub/sub bus. Handlers run on the emitter's
// goroutine and must not block; slow consumers (like SSE writers) buffer
// internally and drop rather than stall the emitter.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	nextID   int64
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type. The returned function
// removes the handler again; transient subscribers (like SSE clients) must
// call it on disconnect or their handler lives for the process lifetime.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, fn: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, sub := range subs {
			if sub.id == id {
				b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit publishes an event to all handlers subscribed to its type
func (b *Bus) Emit(eventType EventType, source string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	if raw, err := json.Marshal(event.Data); err == nil {
		b.log.Debug().
			Str("event_type", string(eventType)).
			Str("source", source).
			RawJSON("data", raw).
			Msg("Event emitted")
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[eventType]))
	copy(subs, b.handlers[eventType])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.fn(event)
	}
}

// EmitData publishes a typed event payload. The struct is flattened to a map
// through its JSON tags so SSE consumers see the same shape either way.
func (b *Bus) EmitData(source string, data EventData) {
	b.Emit(data.EventType(), source, structToMap(data))
}

func structToMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
