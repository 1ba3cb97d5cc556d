package schema

import "time"

// Snapshot is an immutable deep copy of a workflow state at a point in time.
type Snapshot struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	State      *WorkflowState `json:"state"`
	Hash       string         `json:"hash"`
	Checkpoint string         `json:"checkpoint,omitempty"`
	Automatic  bool           `json:"automatic"`
	CreatedAt  time.Time      `json:"created_at"`
}

// RecoveryPoint marks a snapshot that the workflow may be restored to.
type RecoveryPoint struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	Name        string    `json:"name"`
	Snapshot    *Snapshot `json:"snapshot"`
	Reason      string    `json:"reason,omitempty"`
	Recoverable bool      `json:"recoverable"`
	Automatic   bool      `json:"automatic"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkflowMetadata is the store's bookkeeping for one workflow.
type WorkflowMetadata struct {
	WorkflowID     string         `json:"workflow_id"`
	WorkflowType   string         `json:"workflow_type"`
	OwnerID        string         `json:"owner_id"`
	Status         WorkflowStatus `json:"status"`
	StatusReason   string         `json:"status_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	ArchivedAt     *time.Time     `json:"archived_at,omitempty"`
}

// RecoveryAttempt records one run of the recovery service against a workflow.
type RecoveryAttempt struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	Trigger       RecoveryTrigger `json:"trigger"`
	Strategy      Strategy        `json:"strategy"`
	Status        RecoveryStatus  `json:"status"`
	Checkpoint    string          `json:"checkpoint,omitempty"`
	Message       string          `json:"message,omitempty"`
	AttemptNumber int             `json:"attempt_number"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Finished reports whether the attempt reached a terminal status.
func (a *RecoveryAttempt) Finished() bool {
	switch a.Status {
	case RecoveryStatusSuccess, RecoveryStatusFailure, RecoveryStatusSkipped:
		return true
	}
	return false
}
