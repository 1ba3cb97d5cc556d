package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/bulwark/pkg/schema"
)

// StateRecord is the persisted form of a mirrored workflow.
type StateRecord struct {
	WorkflowID   string                `json:"workflow_id"`
	WorkflowType string                `json:"workflow_type"`
	OwnerID      string                `json:"owner_id"`
	Status       schema.WorkflowStatus `json:"status"`
	StatusReason string                `json:"status_reason,omitempty"`
	State        *schema.WorkflowState `json:"state"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// StateFilter narrows ListStates. Zero fields match everything.
type StateFilter struct {
	Status       schema.WorkflowStatus `json:"status,omitempty"`
	WorkflowType string                `json:"workflow_type,omitempty"`
	OwnerID      string                `json:"owner_id,omitempty"`
	UpdatedSince *time.Time            `json:"updated_since,omitempty"`
	Limit        int                   `json:"limit,omitempty"`
}

// AttemptFilter narrows ListAttempts.
type AttemptFilter struct {
	WorkflowID string                `json:"workflow_id,omitempty"`
	Status     schema.RecoveryStatus `json:"status,omitempty"`
	Since      *time.Time            `json:"since,omitempty"`
	Limit      int                   `json:"limit,omitempty"`
}

// Event is an immutable entry in the event log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	OwnerID    string          `json:"owner_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}
