package miner

import (
	"sync"
	"time"
)

// EventType classifies bus events
type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventError    EventType = "error"
	EventMetrics  EventType = "metrics"
)

// Event is one orchestration notification delivered to subscribers
type Event struct {
	Type    EventType              `json:"type"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	Time    time.Time              `json:"time"`
}

// EventBus fans events out to any number of subscribers. Slow
// subscribers drop events rather than block the publisher.
type EventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewEventBus creates an empty bus
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber. The returned cancel func
// must be called to release the channel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking
func (b *EventBus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber is lagging, drop
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// publishStatus is a convenience for status events
func (b *EventBus) publishStatus(msg string) {
	b.Publish(Event{Type: EventStatus, Message: msg})
}

// publishError is a convenience for error events
func (b *EventBus) publishError(msg string, fields map[string]interface{}) {
	b.Publish(Event{Type: EventError, Message: msg, Fields: fields})
}
