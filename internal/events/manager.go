package events

import (
	"time"

	"github.com/rs/zerolog"
)

// Manager handles event emission and logging
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Bus returns the underlying bus for subscriptions
func (m *Manager) Bus() *Bus {
	return m.bus
}

// EmitTyped emits an event with typed data to the bus and logs it
func (m *Manager) EmitTyped(module string, data EventData) {
	if m == nil || data == nil {
		return
	}

	event := Event{
		Type:      data.EventType(),
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	m.bus.Publish(event)

	m.log.Debug().
		Str("event_type", string(event.Type)).
		Str("module", module).
		Interface("data", data).
		Msg("Event emitted")
}
