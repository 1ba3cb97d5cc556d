package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/bulwark/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/bulwark.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow states ---

// SaveState upserts the mirrored state of one workflow.
func (s *LibSQLStore) SaveState(ctx context.Context, state *schema.WorkflowState, meta schema.WorkflowMetadata) error {
	if state == nil {
		return schema.NewError(schema.ErrCodeValidation, "state is required")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	created := timeOrNow(meta.CreatedAt)
	updated := timeOrNow(meta.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_states (workflow_id, workflow_type, owner_id, status, status_reason, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET
		   workflow_type=excluded.workflow_type, owner_id=excluded.owner_id, status=excluded.status,
		   status_reason=excluded.status_reason, state=excluded.state, updated_at=excluded.updated_at`,
		state.WorkflowID, state.WorkflowType, state.OwnerID, string(meta.Status), nullStr(meta.StatusReason),
		string(data), created.UnixNano(), updated.UnixNano(),
	)
	if err != nil {
		return storeError("save state", state.WorkflowID, err)
	}
	return nil
}

// GetState returns the mirrored state of a workflow.
func (s *LibSQLStore) GetState(ctx context.Context, workflowID string) (*StateRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, workflow_type, owner_id, status, status_reason, state, created_at, updated_at
		 FROM workflow_states WHERE workflow_id = ?`, workflowID,
	)
	rec, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", workflowID)
	}
	return rec, err
}

// ListStates returns mirrored states matching filter, least recently updated first.
func (s *LibSQLStore) ListStates(ctx context.Context, filter StateFilter) ([]*StateRecord, error) {
	query := `SELECT workflow_id, workflow_type, owner_id, status, status_reason, state, created_at, updated_at FROM workflow_states`
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowType != "" {
		where = append(where, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.UpdatedSince != nil {
		where = append(where, "updated_at >= ?")
		args = append(args, filter.UpdatedSince.UnixNano())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at ASC, workflow_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StateRecord
	for rows.Next() {
		rec, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteState removes a workflow with its snapshots. Attempts and events are
// kept as audit history.
func (s *LibSQLStore) DeleteState(ctx context.Context, workflowID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE workflow_id = ?`, workflowID); err != nil {
		return storeError("delete snapshots", workflowID, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflow_states WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return storeError("delete state", workflowID, err)
	}
	if err := checkRowsAffected(res, "workflow", workflowID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Snapshots ---

// SaveSnapshot persists a snapshot. Re-saving the same id is a no-op.
func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error {
	if snap == nil || snap.State == nil {
		return schema.NewError(schema.ErrCodeValidation, "snapshot with state is required")
	}
	data, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal snapshot state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, workflow_id, checkpoint, hash, automatic, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		snap.ID, snap.WorkflowID, nullStr(snap.Checkpoint), snap.Hash, boolInt(snap.Automatic),
		string(data), timeOrNow(snap.CreatedAt).UnixNano(),
	)
	if err != nil {
		return storeError("save snapshot", snap.WorkflowID, err)
	}
	return nil
}

// ListSnapshots returns a workflow's snapshots, oldest first.
func (s *LibSQLStore) ListSnapshots(ctx context.Context, workflowID string) ([]*schema.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, checkpoint, hash, automatic, state, created_at
		 FROM snapshots WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*schema.Snapshot
	for rows.Next() {
		snap := &schema.Snapshot{}
		var checkpoint sql.NullString
		var automatic int
		var stateJSON string
		var created int64
		if err := rows.Scan(&snap.ID, &snap.WorkflowID, &checkpoint, &snap.Hash, &automatic, &stateJSON, &created); err != nil {
			return nil, err
		}
		snap.Checkpoint = checkpoint.String
		snap.Automatic = automatic != 0
		snap.CreatedAt = fromNanos(created)
		snap.State = &schema.WorkflowState{}
		if err := json.Unmarshal([]byte(stateJSON), snap.State); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot %s: %w", snap.ID, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// --- Recovery attempts ---

// RecordAttempt upserts a recovery attempt, so an attempt recorded as running
// can later be completed under the same id.
func (s *LibSQLStore) RecordAttempt(ctx context.Context, attempt *schema.RecoveryAttempt) error {
	var completed any
	if attempt.CompletedAt != nil {
		completed = attempt.CompletedAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recovery_attempts (id, workflow_id, trigger_type, strategy, status, checkpoint, message, attempt_number, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   strategy=excluded.strategy, status=excluded.status, message=excluded.message, completed_at=excluded.completed_at`,
		attempt.ID, attempt.WorkflowID, string(attempt.Trigger), string(attempt.Strategy), string(attempt.Status),
		nullStr(attempt.Checkpoint), nullStr(attempt.Message), attempt.AttemptNumber,
		timeOrNow(attempt.CreatedAt).UnixNano(), completed,
	)
	if err != nil {
		return storeError("record attempt", attempt.WorkflowID, err)
	}
	return nil
}

// ListAttempts returns recovery attempts matching filter, oldest first.
func (s *LibSQLStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]*schema.RecoveryAttempt, error) {
	query := `SELECT id, workflow_id, trigger_type, strategy, status, checkpoint, message, attempt_number, created_at, completed_at FROM recovery_attempts`
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, attempt_number ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*schema.RecoveryAttempt
	for rows.Next() {
		a := &schema.RecoveryAttempt{}
		var trigger, strategy, status string
		var checkpoint, message sql.NullString
		var created int64
		var completed sql.NullInt64
		if err := rows.Scan(&a.ID, &a.WorkflowID, &trigger, &strategy, &status, &checkpoint, &message, &a.AttemptNumber, &created, &completed); err != nil {
			return nil, err
		}
		a.Trigger = schema.RecoveryTrigger(trigger)
		a.Strategy = schema.Strategy(strategy)
		a.Status = schema.RecoveryStatus(status)
		a.Checkpoint = checkpoint.String
		a.Message = message.String
		a.CreatedAt = fromNanos(created)
		if completed.Valid {
			t := fromNanos(completed.Int64)
			a.CompletedAt = &t
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*StateRecord, error) {
	rec := &StateRecord{}
	var status, stateJSON string
	var reason sql.NullString
	var created, updated int64
	if err := row.Scan(&rec.WorkflowID, &rec.WorkflowType, &rec.OwnerID, &status, &reason, &stateJSON, &created, &updated); err != nil {
		return nil, err
	}
	rec.Status = schema.WorkflowStatus(status)
	rec.StatusReason = reason.String
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	rec.State = &schema.WorkflowState{}
	if err := json.Unmarshal([]byte(stateJSON), rec.State); err != nil {
		return nil, fmt.Errorf("unmarshal state %s: %w", rec.WorkflowID, err)
	}
	return rec, nil
}

func storeNotFound(resource, id string) *schema.WorkflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op, workflowID string, err error) *schema.WorkflowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s for %s", op, workflowID).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
