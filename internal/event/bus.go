package event

import (
	"log"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
)

// Handler is a function that handles an event.
type Handler func(Event)

// subscription pairs a handler with its registration ID.
type subscription struct {
	id      string
	handler Handler
}

// Bus is a simple synchronous pub-sub event bus. It lets the scheduler,
// lifecycle coordinator, and CLI observe each other without direct
// dependencies.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription // eventType -> subscriptions; "*" matches all
	nextID atomic.Uint64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]subscription),
	}
}

// Subscribe registers a handler for a specific event type. Pass "*" to
// receive every event. Returns a subscription ID for Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a subscription by ID. Returns true if it was found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches an event synchronously to type-specific handlers and
// then to wildcard handlers, in registration order. A panicking handler is
// recovered and logged so it cannot block delivery to the rest.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]subscription, 0, len(b.subs[ev.EventType()])+len(b.subs["*"]))
	handlers = append(handlers, b.subs[ev.EventType()]...)
	handlers = append(handlers, b.subs["*"]...)
	b.mu.RUnlock()

	for _, sub := range handlers {
		b.safeCall(sub.handler, ev)
	}
}

func (b *Bus) safeCall(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked for %s: %v\n%s",
				ev.EventType(), r, debug.Stack())
		}
	}()
	handler(ev)
}
