package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Resolution events.
	EventEndpointResolved EventType = "endpoint.resolved"
	EventResolutionFailed EventType = "endpoint.resolution_failed"

	// Health events.
	EventHealthUp   EventType = "health.up"
	EventHealthDown EventType = "health.down"

	// Local process events.
	EventProcessStarted EventType = "process.started"
	EventProcessExited  EventType = "process.exited"
	EventProcessKilled  EventType = "process.killed"

	// Session lifecycle events.
	EventModeChanged     EventType = "session.mode_changed"
	EventSessionStarted  EventType = "session.started"
	EventSessionFinished EventType = "session.finished"
)

// Event is the envelope published on the event bus. The bus is the observable
// status channel; control flow reacts to the coordinator's inbox, not to
// published events.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for status events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
