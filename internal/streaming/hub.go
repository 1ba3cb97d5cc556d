package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time engine event: status changes, escalations,
// breaker transitions, recovery progress.
type StreamEvent struct {
	WorkflowID string    `json:"workflow_id,omitempty"`
	OwnerID    string    `json:"owner_id,omitempty"`
	EventType  string    `json:"event_type"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	OwnerID    string   `json:"owner_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for engine events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
