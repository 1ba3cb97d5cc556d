package statestore

import "github.com/rendis/bulwark/pkg/schema"

// ValidTransitions lists the statuses reachable from each status. Movement is
// one-directional except suspended <-> active. Any non-terminal workflow may
// be rolled back to a recovery point.
var ValidTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusInitializing: {
		schema.WorkflowStatusActive, schema.WorkflowStatusSuspended, schema.WorkflowStatusRecovered,
		schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusArchived,
	},
	schema.WorkflowStatusActive: {
		schema.WorkflowStatusSuspended, schema.WorkflowStatusRecovered, schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed, schema.WorkflowStatusArchived,
	},
	schema.WorkflowStatusSuspended: {
		schema.WorkflowStatusActive, schema.WorkflowStatusRecovered, schema.WorkflowStatusFailed,
		schema.WorkflowStatusCompleted, schema.WorkflowStatusArchived,
	},
	schema.WorkflowStatusFailed: {
		schema.WorkflowStatusRecovered, schema.WorkflowStatusSuspended,
		schema.WorkflowStatusCompleted, schema.WorkflowStatusArchived,
	},
	schema.WorkflowStatusRecovered: {
		schema.WorkflowStatusActive, schema.WorkflowStatusSuspended, schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed, schema.WorkflowStatusArchived,
	},
	schema.WorkflowStatusCompleted: {schema.WorkflowStatusArchived},
	schema.WorkflowStatusArchived:  {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.WorkflowStatus) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves meta to status to, or returns INVALID_TRANSITION.
// Moving to the current status is a no-op.
func transition(meta *schema.WorkflowMetadata, to schema.WorkflowStatus) error {
	if meta.Status == to {
		return nil
	}
	if !CanTransition(meta.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", meta.Status, to).
			WithDetails(map[string]any{
				"workflow_id": meta.WorkflowID,
				"from":        string(meta.Status),
				"to":          string(to),
			})
	}
	meta.Status = to
	return nil
}

// derivedStatus picks the status an update implies. Errors fail the workflow,
// output at the terminal step completes it, anything else keeps it active.
// Suspended and failed workflows stay put unless the error is cleared.
func derivedStatus(current schema.WorkflowStatus, next *schema.WorkflowState, patch schema.StatePatch) schema.WorkflowStatus {
	switch {
	case patch.Error != nil:
		return schema.WorkflowStatusFailed
	case patch.Output != nil && next.AtTerminalStep() && next.Error == nil:
		return schema.WorkflowStatusCompleted
	case current == schema.WorkflowStatusSuspended:
		return current
	case current == schema.WorkflowStatusFailed && !patch.ClearError:
		return current
	default:
		return schema.WorkflowStatusActive
	}
}

func eventForStatus(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusSuspended:
		return schema.EventWorkflowSuspended
	case schema.WorkflowStatusRecovered:
		return schema.EventWorkflowRecovered
	case schema.WorkflowStatusArchived:
		return schema.EventWorkflowArchived
	case schema.WorkflowStatusInitializing:
		return schema.EventWorkflowCreated
	default:
		return schema.EventWorkflowUpdated
	}
}
