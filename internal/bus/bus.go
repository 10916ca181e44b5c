// Package bus provides the in-process publish/subscribe hub connecting
// the exchange sources, the oracle, the alert engine and the dashboard.
// Delivery is synchronous in registration order; handlers are expected
// to be cheap. The hub additionally retains the most recent system
// events in a bounded ring, queryable by type.
package bus

import (
	"sync"
	"time"

	"github.com/collateralhq/loanwatch/internal/domain"
)

// Well-known topics.
const (
	TopicPriceUpdate = "price:update"      // domain.PriceUpdate
	TopicSourceTick  = "price:source_tick" // domain.SourceTick
	TopicSystemEvent = "system:event"      // domain.SystemEvent
	TopicSystemLog   = "system:log"        // string
)

// maxRetainedEvents bounds the system event ring.
const maxRetainedEvents = 1000

// Handler receives every payload published on a subscribed topic.
type Handler func(payload interface{})

// Bus is an in-process pub/sub hub. The zero value is not usable; use New.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]Handler
	events []domain.SystemEvent
}

// New returns an empty hub.
func New() *Bus {
	return &Bus{subs: make(map[string][]Handler)}
}

// Subscribe registers a handler on a topic. Handlers run synchronously
// inside Publish, in registration order.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish delivers payload to every handler subscribed to topic. System
// events are additionally recorded in the retained ring. Handlers may
// publish further messages; the lock is not held during delivery.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.subs[topic]))
	copy(handlers, b.subs[topic])
	if topic == TopicSystemEvent {
		if ev, ok := payload.(domain.SystemEvent); ok {
			b.events = append(b.events, ev)
			if len(b.events) > maxRetainedEvents {
				b.events = b.events[len(b.events)-maxRetainedEvents:]
			}
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}

// Emit records and publishes a system event built from a type and data.
func (b *Bus) Emit(eventType domain.SystemEventType, data map[string]interface{}) {
	b.Publish(TopicSystemEvent, domain.SystemEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Events returns the retained system events, newest last, filtered by
// type when eventType is non-empty and capped at limit when limit > 0.
func (b *Bus) Events(eventType domain.SystemEventType, limit int) []domain.SystemEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.SystemEvent, 0, len(b.events))
	for _, ev := range b.events {
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
