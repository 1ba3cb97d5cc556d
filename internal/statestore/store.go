// Package statestore keeps the authoritative in-memory record of every
// workflow: its current state, lifecycle status, snapshots and recovery points.
// Operations on one workflow are serialized by a per-id lock; different
// workflows never contend beyond brief map access.
package statestore

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/bulwark/internal/expressions"
	"github.com/rendis/bulwark/internal/logging"
	"github.com/rendis/bulwark/pkg/schema"
)

// Config tunes snapshot retention.
type Config struct {
	// MaxSnapshots caps the snapshots kept per workflow.
	MaxSnapshots int `json:"max_snapshots" yaml:"max_snapshots"`
	// Retention is how long automatic snapshots, automatic recovery points and
	// archived workflows survive the sweep.
	Retention time.Duration `json:"retention" yaml:"retention"`
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultConfig returns the stock retention settings.
func DefaultConfig() Config {
	return Config{
		MaxSnapshots:  10,
		Retention:     24 * time.Hour,
		SweepInterval: time.Hour,
	}
}

// Mirror receives a best-effort copy of every write. Errors are logged and
// never fail the store operation.
type Mirror interface {
	SaveState(ctx context.Context, state *schema.WorkflowState, meta schema.WorkflowMetadata) error
	SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error
	DeleteState(ctx context.Context, workflowID string) error
}

// Store is the in-memory state store.
type Store struct {
	cfg    Config
	logger *slog.Logger
	mirror Mirror
	cel    *expressions.CELEngine
	locks  *lockTable

	mu        sync.RWMutex
	states    map[string]*schema.WorkflowState
	meta      map[string]*schema.WorkflowMetadata
	snapshots map[string][]*schema.Snapshot
	points    map[string][]*schema.RecoveryPoint

	watchMu     sync.RWMutex
	watchers    map[int]*watcher
	nextWatchID int

	cronMu sync.Mutex
	cron   *cron.Cron
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logging.OrNop(logger)
	}
}

// WithMirror mirrors writes to an external store.
func WithMirror(m Mirror) Option {
	return func(s *Store) {
		s.mirror = m
	}
}

// New creates a Store. Zero config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) (*Store, error) {
	def := DefaultConfig()
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = def.MaxSnapshots
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:       cfg,
		logger:    logging.NewNop(),
		cel:       celEngine,
		locks:     newLockTable(),
		states:    make(map[string]*schema.WorkflowState),
		meta:      make(map[string]*schema.WorkflowMetadata),
		snapshots: make(map[string][]*schema.Snapshot),
		points:    make(map[string][]*schema.RecoveryPoint),
		watchers:  make(map[int]*watcher),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// Create registers a new workflow in status initializing and takes its
// initial snapshot. An archived id may be reused; its retained history is
// dropped.
func (s *Store) Create(ctx context.Context, state *schema.WorkflowState) error {
	if state == nil || state.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow state requires a workflow_id")
	}
	id := state.WorkflowID

	var change *Change
	err := s.locks.with(id, func() error {
		s.mu.Lock()
		if _, exists := s.states[id]; exists {
			s.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeAlreadyExists, "workflow %s already exists", id)
		}
		if _, archived := s.meta[id]; archived {
			delete(s.snapshots, id)
			delete(s.points, id)
		}

		now := time.Now().UTC()
		st := state.Clone()
		if st.StartedAt.IsZero() {
			st.StartedAt = now
		}
		st.UpdatedAt = now
		meta := &schema.WorkflowMetadata{
			WorkflowID:     id,
			WorkflowType:   st.WorkflowType,
			OwnerID:        st.OwnerID,
			Status:         schema.WorkflowStatusInitializing,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastAccessedAt: now,
		}
		s.states[id] = st
		s.meta[id] = meta
		s.mu.Unlock()

		s.takeSnapshot(ctx, st, "", true)
		s.mirrorState(ctx, st, *meta)
		change = newChange(OpCreate, st, "", meta.Status)
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(ctx, *change)
	return nil
}

// Get returns a deep copy of the live state.
func (s *Store) Get(ctx context.Context, id string) (*schema.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return nil, notFound(id)
	}
	s.meta[id].LastAccessedAt = time.Now().UTC()
	return st.Clone(), nil
}

// Update applies patch to the live state. When checkpoint is non-empty a
// named snapshot and recovery point are taken first; otherwise significant
// patches get an automatic snapshot.
func (s *Store) Update(ctx context.Context, id string, patch schema.StatePatch, checkpoint string) error {
	var change *Change
	err := s.locks.with(id, func() error {
		cur, meta, err := s.live(id)
		if err != nil {
			return err
		}

		switch {
		case checkpoint != "":
			s.recordPoint(ctx, cur, checkpoint, "update", false)
		case patch.Significant():
			s.takeSnapshot(ctx, cur, "", true)
		}

		next := cur.Clone()
		patch.Apply(next)
		next.UpdatedAt = time.Now().UTC()

		s.mu.Lock()
		prev := meta.Status
		target := derivedStatus(prev, next, patch)
		if target != prev && CanTransition(prev, target) {
			meta.Status = target
		}
		meta.UpdatedAt = next.UpdatedAt
		s.states[id] = next
		snapshotMeta := *meta
		s.mu.Unlock()

		s.mirrorState(ctx, next, snapshotMeta)
		change = newChange(OpUpdate, next, prev, snapshotMeta.Status)
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(ctx, *change)
	return nil
}

// Suspend pauses a workflow, recording why.
func (s *Store) Suspend(ctx context.Context, id, reason string) error {
	return s.setStatus(ctx, id, OpSuspend, schema.WorkflowStatusSuspended, reason, nil)
}

// Resume reactivates a suspended workflow. Any other status is an
// INVALID_TRANSITION.
func (s *Store) Resume(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, OpResume, schema.WorkflowStatusActive, "", func(meta *schema.WorkflowMetadata, _ *schema.WorkflowState) error {
		if meta.Status != schema.WorkflowStatusSuspended {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"workflow %s is %s, only suspended workflows resume", id, meta.Status).
				WithDetails(map[string]any{"workflow_id": id, "status": string(meta.Status)})
		}
		return nil
	})
}

// Complete writes the final output and marks the workflow completed.
func (s *Store) Complete(ctx context.Context, id string, output map[string]any) error {
	return s.setStatus(ctx, id, OpComplete, schema.WorkflowStatusCompleted, "", func(_ *schema.WorkflowMetadata, st *schema.WorkflowState) error {
		s.takeSnapshot(ctx, st, "", true)
		schema.StatePatch{Output: output, ClearError: true}.Apply(st)
		return nil
	})
}

// Archive retires a workflow. The live state is dropped; metadata, snapshots
// and recovery points are kept until the retention sweep.
func (s *Store) Archive(ctx context.Context, id string) error {
	var change *Change
	err := s.locks.with(id, func() error {
		s.mu.Lock()
		meta, ok := s.meta[id]
		st, live := s.states[id]
		if !ok || !live {
			s.mu.Unlock()
			return notFound(id)
		}
		prev := meta.Status
		if err := transition(meta, schema.WorkflowStatusArchived); err != nil {
			s.mu.Unlock()
			return err
		}
		now := time.Now().UTC()
		meta.ArchivedAt = &now
		meta.UpdatedAt = now
		delete(s.states, id)
		s.mu.Unlock()

		if s.mirror != nil {
			if err := s.mirror.DeleteState(ctx, id); err != nil {
				s.logger.WarnContext(ctx, "mirror delete failed",
					slog.String("workflow_id", id), slog.String("error", err.Error()))
			}
		}
		change = newChange(OpArchive, st, prev, schema.WorkflowStatusArchived)
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(ctx, *change)
	return nil
}

// setStatus runs a status-changing operation under the workflow lock. mutate,
// when given, runs before the transition and may edit the state in place.
func (s *Store) setStatus(ctx context.Context, id, op string, to schema.WorkflowStatus, reason string,
	mutate func(*schema.WorkflowMetadata, *schema.WorkflowState) error) error {
	var change *Change
	err := s.locks.with(id, func() error {
		cur, meta, err := s.live(id)
		if err != nil {
			return err
		}

		s.mu.RLock()
		prev := meta.Status
		s.mu.RUnlock()
		if prev != to && !CanTransition(prev, to) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"invalid workflow transition: %s -> %s", prev, to).
				WithDetails(map[string]any{"workflow_id": id, "from": string(prev), "to": string(to)})
		}

		next := cur.Clone()
		if mutate != nil {
			if err := mutate(meta, next); err != nil {
				return err
			}
		}
		next.UpdatedAt = time.Now().UTC()

		s.mu.Lock()
		meta.Status = to
		meta.StatusReason = reason
		meta.UpdatedAt = next.UpdatedAt
		s.states[id] = next
		snapshotMeta := *meta
		s.mu.Unlock()

		s.mirrorState(ctx, next, snapshotMeta)
		change = newChange(op, next, prev, to)
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(ctx, *change)
	return nil
}

// Status returns the lifecycle status of a workflow, archived ones included.
func (s *Store) Status(id string) (schema.WorkflowStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.meta[id]
	if !ok {
		return "", notFound(id)
	}
	return meta.Status, nil
}

// Metadata returns a copy of the store's bookkeeping for a workflow.
func (s *Store) Metadata(id string) (schema.WorkflowMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.meta[id]
	if !ok {
		return schema.WorkflowMetadata{}, notFound(id)
	}
	return *meta, nil
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Status       schema.WorkflowStatus
	WorkflowType string
	OwnerID      string
	Limit        int
}

// List returns matching workflow metadata, least recently updated first.
func (s *Store) List(filter ListFilter) []schema.WorkflowMetadata {
	s.mu.RLock()
	out := make([]schema.WorkflowMetadata, 0, len(s.meta))
	for _, m := range s.meta {
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.WorkflowType != "" && m.WorkflowType != filter.WorkflowType {
			continue
		}
		if filter.OwnerID != "" && m.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, *m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Stats summarizes store contents.
type Stats struct {
	ByStatus       map[schema.WorkflowStatus]int `json:"by_status"`
	Snapshots      int                           `json:"snapshots"`
	RecoveryPoints int                           `json:"recovery_points"`
	Watchers       int                           `json:"watchers"`
	ActiveLocks    int                           `json:"active_locks"`
}

// Stats returns counts by status and totals for snapshots and recovery points.
func (s *Store) Stats() Stats {
	st := Stats{ByStatus: make(map[schema.WorkflowStatus]int, len(schema.AllWorkflowStatuses))}
	for _, status := range schema.AllWorkflowStatuses {
		st.ByStatus[status] = 0
	}

	s.mu.RLock()
	for _, m := range s.meta {
		st.ByStatus[m.Status]++
	}
	for _, snaps := range s.snapshots {
		st.Snapshots += len(snaps)
	}
	for _, pts := range s.points {
		st.RecoveryPoints += len(pts)
	}
	s.mu.RUnlock()

	s.watchMu.RLock()
	st.Watchers = len(s.watchers)
	s.watchMu.RUnlock()
	st.ActiveLocks = s.locks.size()
	return st
}

// live returns the stored state and metadata pointers. Callers hold the
// workflow lock; the returned state must not be mutated.
func (s *Store) live(id string) (*schema.WorkflowState, *schema.WorkflowMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return nil, nil, notFound(id)
	}
	return st, s.meta[id], nil
}

func (s *Store) mirrorState(ctx context.Context, st *schema.WorkflowState, meta schema.WorkflowMetadata) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.SaveState(ctx, st, meta); err != nil {
		s.logger.WarnContext(ctx, "mirror save failed",
			slog.String("workflow_id", st.WorkflowID), slog.String("error", err.Error()))
	}
}

func notFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id).
		WithDetails(map[string]any{"workflow_id": id})
}
