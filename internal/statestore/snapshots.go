package statestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/bulwark/pkg/schema"
)

// Checkpoint takes a named snapshot and records a recovery point for it.
// Named recovery points survive the retention sweep.
func (s *Store) Checkpoint(ctx context.Context, id, name string) (*schema.RecoveryPoint, error) {
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "checkpoint name is required")
	}
	return s.checkpoint(ctx, id, name, "checkpoint", false)
}

// AutoCheckpoint records an automatic recovery point. Automatic points are
// dropped by the sweep once older than the retention window.
func (s *Store) AutoCheckpoint(ctx context.Context, id, reason string) (*schema.RecoveryPoint, error) {
	return s.checkpoint(ctx, id, "auto:"+reason, reason, true)
}

func (s *Store) checkpoint(ctx context.Context, id, name, reason string, automatic bool) (*schema.RecoveryPoint, error) {
	var point *schema.RecoveryPoint
	err := s.locks.with(id, func() error {
		cur, _, err := s.live(id)
		if err != nil {
			return err
		}
		point = s.recordPoint(ctx, cur, name, reason, automatic)
		return nil
	})
	if err != nil {
		return nil, err
	}
	cp := *point
	return &cp, nil
}

// Recover restores the workflow from the named recovery point, or from the
// most recent recoverable one when name is empty. The workflow moves to
// status recovered.
func (s *Store) Recover(ctx context.Context, id, name string) (*schema.WorkflowState, error) {
	var (
		restored *schema.WorkflowState
		change   *Change
	)
	err := s.locks.with(id, func() error {
		s.mu.Lock()
		meta, ok := s.meta[id]
		if !ok {
			s.mu.Unlock()
			return notFound(id)
		}
		point := pickPoint(s.points[id], name)
		if point == nil {
			s.mu.Unlock()
			if name != "" {
				return schema.NewErrorf(schema.ErrCodeNoRecoveryPoint,
					"workflow %s has no recoverable recovery point named %q", id, name)
			}
			return schema.NewErrorf(schema.ErrCodeNoRecoveryPoint,
				"workflow %s has no recoverable recovery point", id)
		}
		prev := meta.Status
		if err := transition(meta, schema.WorkflowStatusRecovered); err != nil {
			s.mu.Unlock()
			return err
		}
		st := point.Snapshot.State.Clone()
		st.UpdatedAt = time.Now().UTC()
		meta.UpdatedAt = st.UpdatedAt
		meta.StatusReason = "restored from " + point.Name
		s.states[id] = st
		snapshotMeta := *meta
		s.mu.Unlock()

		s.mirrorState(ctx, st, snapshotMeta)
		restored = st.Clone()
		change = newChange(OpRecover, st, prev, schema.WorkflowStatusRecovered)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, *change)
	return restored, nil
}

// Snapshots returns the workflow's snapshots, oldest first.
func (s *Store) Snapshots(id string) []schema.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Snapshot, 0, len(s.snapshots[id]))
	for _, snap := range s.snapshots[id] {
		cp := *snap
		cp.State = snap.State.Clone()
		out = append(out, cp)
	}
	return out
}

// RecoveryPoints returns the workflow's recovery points, oldest first.
func (s *Store) RecoveryPoints(id string) []schema.RecoveryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.RecoveryPoint, 0, len(s.points[id]))
	for _, p := range s.points[id] {
		out = append(out, *p)
	}
	return out
}

// pickPoint finds the latest recoverable point, restricted to the given name
// when one is set.
func pickPoint(points []*schema.RecoveryPoint, name string) *schema.RecoveryPoint {
	for i := len(points) - 1; i >= 0; i-- {
		p := points[i]
		if !p.Recoverable || (name != "" && p.Name != name) {
			continue
		}
		return p
	}
	return nil
}

// recordPoint snapshots st and appends a recovery point. Callers hold the
// workflow lock.
func (s *Store) recordPoint(ctx context.Context, st *schema.WorkflowState, name, reason string, automatic bool) *schema.RecoveryPoint {
	snap := s.takeSnapshot(ctx, st, name, automatic)
	point := &schema.RecoveryPoint{
		ID:          uuid.NewString(),
		WorkflowID:  st.WorkflowID,
		Name:        name,
		Snapshot:    snap,
		Reason:      reason,
		Recoverable: st.Error == nil || st.Error.Recoverable,
		Automatic:   automatic,
		CreatedAt:   snap.CreatedAt,
	}

	s.mu.Lock()
	s.points[st.WorkflowID] = append(s.points[st.WorkflowID], point)
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "recovery point recorded",
		slog.String("workflow_id", st.WorkflowID),
		slog.String("name", name),
		slog.Bool("automatic", automatic))
	return point
}

// takeSnapshot stores a deep copy of st. Callers hold the workflow lock.
func (s *Store) takeSnapshot(ctx context.Context, st *schema.WorkflowState, name string, automatic bool) *schema.Snapshot {
	snap := &schema.Snapshot{
		ID:         uuid.NewString(),
		WorkflowID: st.WorkflowID,
		State:      st.Clone(),
		Hash:       hashState(st),
		Checkpoint: name,
		Automatic:  automatic,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.snapshots[st.WorkflowID] = appendCapped(s.snapshots[st.WorkflowID], snap, s.cfg.MaxSnapshots)
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.SaveSnapshot(ctx, snap); err != nil {
			s.logger.WarnContext(ctx, "mirror snapshot failed",
				slog.String("workflow_id", st.WorkflowID), slog.String("error", err.Error()))
		}
	}
	return snap
}

// appendCapped appends snap, evicting until the list fits max. The oldest
// unnamed snapshot goes first; only when every snapshot is named does the
// oldest named one go.
func appendCapped(list []*schema.Snapshot, snap *schema.Snapshot, max int) []*schema.Snapshot {
	for max > 0 && len(list) >= max {
		victim := 0
		for i, existing := range list {
			if existing.Checkpoint == "" {
				victim = i
				break
			}
		}
		list = append(list[:victim:victim], list[victim+1:]...)
	}
	return append(list, snap)
}

// hashState is the sha256 of the state's JSON encoding. Map keys are sorted by
// encoding/json, so equal states hash equally.
func hashState(st *schema.WorkflowState) string {
	raw, err := json.Marshal(st)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
