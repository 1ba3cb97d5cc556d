package store

import (
	"context"

	"github.com/rendis/bulwark/pkg/schema"
)

// Mirror receives copies of state store writes. It matches the interface the
// state store accepts, so any implementation here can be passed to
// statestore.WithMirror.
type Mirror interface {
	SaveState(ctx context.Context, state *schema.WorkflowState, meta schema.WorkflowMetadata) error
	SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error
	DeleteState(ctx context.Context, workflowID string) error
}

// Reader reads back what a Mirror received. Mirrored copies outlive the
// process, so workflows from before a restart stay readable here.
type Reader interface {
	GetState(ctx context.Context, workflowID string) (*StateRecord, error)
	ListStates(ctx context.Context, filter StateFilter) ([]*StateRecord, error)
	ListSnapshots(ctx context.Context, workflowID string) ([]*schema.Snapshot, error)
}

// Store is the durable persistence contract: the mirrored workflow states,
// their snapshots, the recovery attempt audit trail and the event log.
// All implementations must be safe for concurrent use.
type Store interface {
	Mirror
	Reader

	// Recovery audit
	RecordAttempt(ctx context.Context, attempt *schema.RecoveryAttempt) error
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]*schema.RecoveryAttempt, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Tee fans every write out to all mirrors. The first error is returned after
// every mirror has been tried.
func Tee(mirrors ...Mirror) Mirror {
	return tee(mirrors)
}

type tee []Mirror

func (t tee) SaveState(ctx context.Context, state *schema.WorkflowState, meta schema.WorkflowMetadata) error {
	return t.each(func(m Mirror) error { return m.SaveState(ctx, state, meta) })
}

func (t tee) SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error {
	return t.each(func(m Mirror) error { return m.SaveSnapshot(ctx, snap) })
}

func (t tee) DeleteState(ctx context.Context, workflowID string) error {
	return t.each(func(m Mirror) error { return m.DeleteState(ctx, workflowID) })
}

func (t tee) each(fn func(Mirror) error) error {
	var first error
	for _, m := range t {
		if m == nil {
			continue
		}
		if err := fn(m); err != nil && first == nil {
			first = err
		}
	}
	return first
}
