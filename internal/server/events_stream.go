package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/events"
)

// EventsStreamHandler streams bus events to clients as Server-Sent Events.
type EventsStreamHandler struct {
	eventBus  *events.Bus
	log       zerolog.Logger
	heartbeat time.Duration
}

// NewEventsStreamHandler creates a new events stream handler.
func NewEventsStreamHandler(eventBus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		eventBus:  eventBus,
		log:       log.With().Str("component", "events_stream").Logger(),
		heartbeat: 30 * time.Second,
	}
}

// ServeHTTP handles GET /api/events/stream requests (SSE).
// The optional types query parameter is a comma-separated event type filter.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	typesFilter := r.URL.Query().Get("types")
	var allowedTypes map[events.EventType]bool
	if typesFilter != "" {
		allowedTypes = make(map[events.EventType]bool)
		for _, t := range strings.Split(typesFilter, ",") {
			allowedTypes[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	h.log.Info().Str("types_filter", typesFilter).Msg("Client connected to event stream")

	eventChan := make(chan events.Event, 100)
	unsubscribe := h.eventBus.SubscribeAll(func(event events.Event) {
		if allowedTypes != nil && !allowedTypes[event.Type] {
			return
		}
		// Non-blocking send (drop if channel full)
		select {
		case eventChan <- event:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event channel full, dropping event")
		}
	})
	defer unsubscribe()

	fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
		"type":    "connected",
		"message": "Connected to event stream",
	}))
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			}))
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

// encodeEvent encodes an event map to JSON string.
func (h *EventsStreamHandler) encodeEvent(event map[string]interface{}) string {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}
