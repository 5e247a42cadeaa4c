// Package eventbus provides in-process pub/sub for domain events.
//
// Publish is asynchronous: each handler runs on its own goroutine, so a slow
// or failing subscriber can never block or fail the operation that emitted
// the event. That property is load-bearing — escrow transitions notify
// parties through this bus and must not depend on delivery.
package eventbus

import (
	"sync"

	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// Handler is a function that handles an event.
type Handler func(event model.Event)

// Bus routes events to subscribers by topic.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for a single topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// SubscribeAll registers a handler for every topic (used by the NATS relay).
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers an event to all subscribers asynchronously.
func (b *Bus) Publish(event model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.handlers[event.Topic] {
		go h(event)
	}
	for _, h := range b.all {
		go h(event)
	}
}

// PublishSync delivers an event to all subscribers on the caller's goroutine.
// Tests use this to avoid racing against async delivery.
func (b *Bus) PublishSync(event model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.handlers[event.Topic] {
		h(event)
	}
	for _, h := range b.all {
		h(event)
	}
}

// SubscriberCount returns the number of subscribers for a topic, not
// counting catch-all subscribers.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
