package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives events. Handlers run synchronously on the emitting
// goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans events out to subscribers
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]subscription
	all      []subscription
	log      zerolog.Logger
}

// NewBus creates an empty bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for one event type. The returned func removes it.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[eventType] = remove(b.handlers[eventType], id)
	}
}

// SubscribeAll registers a handler for every event type
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

// Publish delivers an event to its subscribers. A panicking handler is
// logged and does not affect the others.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.handlers[event.Type])+len(b.all))
	targets = append(targets, b.handlers[event.Type]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s.handler, event)
	}
}

func (b *Bus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}

func remove(subs []subscription, id uint64) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
