package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/rendis/bulwark/pkg/schema"
)

const defaultRedisPrefix = "bulwark:"

// RedisMirror keeps the latest state of every workflow, plus its most recent
// snapshots, in Redis so other processes can read engine state.
type RedisMirror struct {
	client       *backend.Client
	prefix       string
	ttl          time.Duration
	maxSnapshots int64
}

// RedisOption configures a RedisMirror.
type RedisOption func(*RedisMirror)

// WithTTL expires mirrored keys after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(m *RedisMirror) {
		m.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(m *RedisMirror) {
		m.prefix = prefix
	}
}

// WithMaxSnapshots caps the snapshot list kept per workflow.
func WithMaxSnapshots(n int) RedisOption {
	return func(m *RedisMirror) {
		if n > 0 {
			m.maxSnapshots = int64(n)
		}
	}
}

// NewRedisMirror connects to addr.
func NewRedisMirror(addr, password string, db int, opts ...RedisOption) *RedisMirror {
	client := backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisMirrorFromClient(client, opts...)
}

// NewRedisMirrorFromClient wraps an existing client.
func NewRedisMirrorFromClient(client *backend.Client, opts ...RedisOption) *RedisMirror {
	m := &RedisMirror{
		client:       client,
		prefix:       defaultRedisPrefix,
		maxSnapshots: 10,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *RedisMirror) stateKey(id string) string    { return m.prefix + "state:" + id }
func (m *RedisMirror) snapshotKey(id string) string { return m.prefix + "snapshots:" + id }
func (m *RedisMirror) indexKey() string             { return m.prefix + "index" }

// Ping checks connectivity.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// SaveState writes the state record and indexes it by update time.
func (m *RedisMirror) SaveState(ctx context.Context, state *schema.WorkflowState, meta schema.WorkflowMetadata) error {
	if state == nil {
		return schema.NewError(schema.ErrCodeValidation, "state is required")
	}
	rec := StateRecord{
		WorkflowID:   state.WorkflowID,
		WorkflowType: state.WorkflowType,
		OwnerID:      state.OwnerID,
		Status:       meta.Status,
		StatusReason: meta.StatusReason,
		State:        state,
		CreatedAt:    timeOrNow(meta.CreatedAt),
		UpdatedAt:    timeOrNow(meta.UpdatedAt),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.stateKey(state.WorkflowID), data, m.ttl)
	pipe.ZAdd(ctx, m.indexKey(), backend.Z{
		Score:  float64(rec.UpdatedAt.UnixMilli()),
		Member: state.WorkflowID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return storeError("redis save state", state.WorkflowID, err)
	}
	return nil
}

// SaveSnapshot pushes a snapshot onto the workflow's list, newest first,
// trimmed to the configured cap.
func (m *RedisMirror) SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error {
	if snap == nil {
		return schema.NewError(schema.ErrCodeValidation, "snapshot is required")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := m.snapshotKey(snap.WorkflowID)
	pipe := m.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, m.maxSnapshots-1)
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeError("redis save snapshot", snap.WorkflowID, err)
	}
	return nil
}

// DeleteState removes the state, its snapshots and its index entry.
func (m *RedisMirror) DeleteState(ctx context.Context, workflowID string) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.stateKey(workflowID), m.snapshotKey(workflowID))
	pipe.ZRem(ctx, m.indexKey(), workflowID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeError("redis delete state", workflowID, err)
	}
	return nil
}

// GetState reads a mirrored state.
func (m *RedisMirror) GetState(ctx context.Context, workflowID string) (*StateRecord, error) {
	val, err := m.client.Get(ctx, m.stateKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, storeNotFound("workflow", workflowID)
		}
		return nil, storeError("redis get state", workflowID, err)
	}
	var rec StateRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal state %s: %w", workflowID, err)
	}
	return &rec, nil
}

// ListStates returns mirrored states, least recently updated first. Index
// entries whose key has expired are dropped lazily.
func (m *RedisMirror) ListStates(ctx context.Context, filter StateFilter) ([]*StateRecord, error) {
	lo := "-inf"
	if filter.UpdatedSince != nil {
		lo = fmt.Sprintf("%d", filter.UpdatedSince.UnixMilli())
	}
	ids, err := m.client.ZRangeByScore(ctx, m.indexKey(), &backend.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list index: %w", err)
	}

	var out []*StateRecord
	for _, id := range ids {
		rec, err := m.GetState(ctx, id)
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			m.client.ZRem(ctx, m.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.matches(rec) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ListSnapshots returns the mirrored snapshots of a workflow, oldest first.
func (m *RedisMirror) ListSnapshots(ctx context.Context, workflowID string) ([]*schema.Snapshot, error) {
	vals, err := m.client.LRange(ctx, m.snapshotKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list snapshots: %w", err)
	}
	snaps := make([]*schema.Snapshot, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		var snap schema.Snapshot
		if err := json.Unmarshal([]byte(vals[i]), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, nil
}

func (f StateFilter) matches(rec *StateRecord) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.WorkflowType != "" && rec.WorkflowType != f.WorkflowType {
		return false
	}
	if f.OwnerID != "" && rec.OwnerID != f.OwnerID {
		return false
	}
	return true
}

var (
	_ Mirror = (*RedisMirror)(nil)
	_ Reader = (*RedisMirror)(nil)
)
