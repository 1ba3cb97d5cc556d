package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/bulwark/internal/logging"
	"github.com/rendis/bulwark/internal/streaming"
)

// AppendEvent appends an event with a monotonically increasing per-workflow sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction. A write forces the
	// lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, owner_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.OwnerID), event.Type, nullRaw(event.Payload), event.Timestamp.UnixNano(), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a workflow with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, owner_id, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`, workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var owner, payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.WorkflowID, &owner, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.OwnerID = owner.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		e.Timestamp = fromNanos(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventAppender is the write side of the event log.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *Event) error
}

// EventLog persists hub events that carry a workflow id.
type EventLog struct {
	store  EventAppender
	logger *slog.Logger
}

// NewEventLog creates an event log writing to store.
func NewEventLog(store EventAppender, logger *slog.Logger) *EventLog {
	return &EventLog{store: store, logger: logging.OrNop(logger)}
}

// Record appends one stream event. Events without a workflow id are ignored.
func (l *EventLog) Record(ctx context.Context, ev streaming.StreamEvent) error {
	if ev.WorkflowID == "" {
		return nil
	}
	var payload json.RawMessage
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", ev.EventType, err)
		}
		payload = data
	}
	return l.store.AppendEvent(ctx, &Event{
		WorkflowID: ev.WorkflowID,
		OwnerID:    ev.OwnerID,
		Type:       ev.EventType,
		Payload:    payload,
		Timestamp:  ev.At,
	})
}

// Run subscribes to hub and records matching events until ctx is done.
// Write failures are logged and do not stop the loop.
func (l *EventLog) Run(ctx context.Context, hub streaming.EventHub, filter streaming.EventFilter) error {
	ch, unsubscribe, err := hub.Subscribe(ctx, filter)
	if err != nil {
		return fmt.Errorf("subscribe event log: %w", err)
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := l.Record(context.WithoutCancel(ctx), ev); err != nil {
				l.logger.Warn("event log append failed",
					slog.String("workflow_id", ev.WorkflowID),
					slog.String("event_type", ev.EventType),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
