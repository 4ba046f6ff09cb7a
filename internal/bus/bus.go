// Package bus publishes evaluation lifecycle events to subscribers,
// in-process or over Kafka.
package bus

import (
	"context"
	"time"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type, matching the topic it is published on.
	Type string `json:"type"`

	// Source identifies the experiment or component that emitted it.
	Source string `json:"source"`

	// Timestamp is when the event was created (unix milliseconds).
	Timestamp int64 `json:"timestamp"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(id, eventType, source string, payload any) Event {
	return Event{
		ID:        id,
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// Evaluation lifecycle topics.
const (
	TopicRunStarted         = "eval.run.started"
	TopicQueryDegraded      = "eval.query.degraded"
	TopicRunScored          = "eval.run.scored"
	TopicRunPersisted       = "eval.run.persisted"
	TopicRunAborted         = "eval.run.aborted"
	TopicBenchmarkCompleted = "eval.benchmark.completed"
)
