package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/bulwark/internal/expressions"
	"github.com/rendis/bulwark/pkg/schema"
)

// Operations reported in Change.Op.
const (
	OpCreate   = "create"
	OpUpdate   = "update"
	OpSuspend  = "suspend"
	OpResume   = "resume"
	OpComplete = "complete"
	OpRecover  = "recover"
	OpArchive  = "archive"
)

// Change describes one store mutation delivered to watchers.
type Change struct {
	Op             string                `json:"op"`
	Event          string                `json:"event"`
	WorkflowID     string                `json:"workflow_id"`
	WorkflowType   string                `json:"workflow_type"`
	OwnerID        string                `json:"owner_id"`
	PreviousStatus schema.WorkflowStatus `json:"previous_status,omitempty"`
	Status         schema.WorkflowStatus `json:"status"`
	State          *schema.WorkflowState `json:"state"`
	At             time.Time             `json:"at"`
}

// StatusChanged reports whether the mutation moved the workflow's status.
func (c Change) StatusChanged() bool {
	return c.PreviousStatus != c.Status
}

func newChange(op string, st *schema.WorkflowState, prev, status schema.WorkflowStatus) *Change {
	event := schema.EventWorkflowUpdated
	if prev != status {
		event = eventForStatus(status)
	}
	if op == OpResume {
		event = schema.EventWorkflowResumed
	}
	return &Change{
		Op:             op,
		Event:          event,
		WorkflowID:     st.WorkflowID,
		WorkflowType:   st.WorkflowType,
		OwnerID:        st.OwnerID,
		PreviousStatus: prev,
		Status:         status,
		State:          st.Clone(),
		At:             time.Now().UTC(),
	}
}

func (c Change) celData() map[string]any {
	event := map[string]any{
		"op":              c.Op,
		"event":           c.Event,
		"workflow_id":     c.WorkflowID,
		"workflow_type":   c.WorkflowType,
		"owner_id":        c.OwnerID,
		"status":          string(c.Status),
		"previous_status": string(c.PreviousStatus),
	}
	state := map[string]any{}
	if raw, err := json.Marshal(c.State); err == nil {
		_ = json.Unmarshal(raw, &state)
	}
	return map[string]any{"event": event, "state": state}
}

// WatchFunc receives store changes. Returned errors are logged.
type WatchFunc func(ctx context.Context, change Change) error

type watcher struct {
	filter string
	fn     WatchFunc
}

// Watch registers fn for every change matching filter, a CEL expression over
// `event` and `state`. An empty filter matches everything. The returned func
// unregisters the watcher.
func (s *Store) Watch(filter string, fn WatchFunc) (func(), error) {
	if fn == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "watch callback is required")
	}
	if filter != "" {
		if err := s.cel.Compile(filter); err != nil {
			return nil, err
		}
	}

	s.watchMu.Lock()
	id := s.nextWatchID
	s.nextWatchID++
	s.watchers[id] = &watcher{filter: filter, fn: fn}
	s.watchMu.Unlock()

	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}, nil
}

// notify delivers change to every matching watcher. Each watcher gets its own
// copy of the state. Watcher failures never reach the caller.
func (s *Store) notify(ctx context.Context, change Change) {
	s.watchMu.RLock()
	list := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		list = append(list, w)
	}
	s.watchMu.RUnlock()
	if len(list) == 0 {
		return
	}

	var data map[string]any
	for _, w := range list {
		if w.filter != "" {
			if data == nil {
				data = change.celData()
			}
			ok, err := expressions.EvaluateBool(ctx, s.cel, w.filter, data)
			if err != nil {
				s.logger.WarnContext(ctx, "watch filter failed",
					slog.String("filter", w.filter), slog.String("error", err.Error()))
				continue
			}
			if !ok {
				continue
			}
		}

		c := change
		c.State = change.State.Clone()
		if err := s.deliver(ctx, w, c); err != nil {
			s.logger.WarnContext(ctx, "watcher failed",
				slog.String("workflow_id", change.WorkflowID),
				slog.String("op", change.Op),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Store) deliver(ctx context.Context, w *watcher, c Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("watcher panic: %v", r)
		}
	}()
	return w.fn(ctx, c)
}
