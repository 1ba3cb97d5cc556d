package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bulwark/internal/statestore"
	"github.com/rendis/bulwark/internal/streaming"
	"github.com/rendis/bulwark/pkg/schema"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeResumer struct {
	mu      sync.Mutex
	resumed []string
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (r *fakeResumer) ResumeWorkflow(_ context.Context, id string) error {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumed = append(r.resumed, id)
	return r.err
}

func (r *fakeResumer) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resumed...)
}

type fixedCounter int

func (c fixedCounter) CountFor(string, time.Duration) int { return int(c) }

type memoryAttemptLog struct {
	mu       sync.Mutex
	attempts []schema.RecoveryAttempt
}

func (l *memoryAttemptLog) RecordAttempt(_ context.Context, a *schema.RecoveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, *a)
	return nil
}

func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	s, err := statestore.New(statestore.DefaultConfig())
	require.NoError(t, err)
	return s
}

func newTestService(t *testing.T, store Store, cfg Config, opts ...Option) *Service {
	t.Helper()
	s := NewService(store, cfg, opts...)
	s.nowFunc = func() time.Time { return fixedNow }
	t.Cleanup(s.Close)
	return s
}

// failWorkflow creates a workflow with a clean "start" checkpoint and then
// fails it.
func failWorkflow(t *testing.T, store *statestore.Store, id, workflowType string, recoverable bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &schema.WorkflowState{
		WorkflowID:   id,
		OwnerID:      "owner-1",
		WorkflowType: workflowType,
		Input:        map[string]any{"query": "status"},
	}))
	_, err := store.Checkpoint(ctx, id, "start")
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, id, schema.StatePatch{
		Error: &schema.ErrorInfo{
			Message:     "upstream unavailable",
			Type:        schema.ErrCodeExternalAPI,
			Severity:    schema.SeverityMedium,
			Category:    schema.CategoryExternalAPI,
			Recoverable: recoverable,
		},
	}, ""))
	status, err := store.Status(id)
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusFailed, status)
}

func requireStatus(t *testing.T, store *statestore.Store, id string, want schema.WorkflowStatus) {
	t.Helper()
	got, err := store.Status(id)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

func TestAttemptRecovery_RetryRestoresAndResumes(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "search", true)
	resumer := &fakeResumer{}
	log := &memoryAttemptLog{}
	svc := newTestService(t, store, Config{}, WithResumer(resumer), WithAttemptLog(log))

	attempt, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerWorkflowFailed, AttemptOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StrategyRetry, attempt.Strategy)
	assert.Equal(t, schema.RecoveryStatusSuccess, attempt.Status)
	assert.Equal(t, 1, attempt.AttemptNumber)
	assert.NotNil(t, attempt.CompletedAt)
	assert.Equal(t, []string{"wf-1"}, resumer.ids())
	requireStatus(t, store, "wf-1", schema.WorkflowStatusRecovered)

	st, err := store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Nil(t, st.Error, "restored from the pre-failure checkpoint")

	require.Len(t, log.attempts, 1)
	assert.Equal(t, attempt.ID, log.attempts[0].ID)
	assert.Empty(t, svc.Scheduled())
}

func TestAttemptRecovery_RetryUnknownCheckpointFailsAndReschedules(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "search", true)
	svc := newTestService(t, store, Config{}, WithResumer(&fakeResumer{}))

	attempt, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerManual,
		AttemptOptions{Checkpoint: "missing", Strategy: schema.StrategyRetry})
	require.NoError(t, err)

	assert.Equal(t, schema.RecoveryStatusFailure, attempt.Status)
	assert.Contains(t, attempt.Message, schema.ErrCodeNoRecoveryPoint)
	requireStatus(t, store, "wf-1", schema.WorkflowStatusFailed)

	scheduled := svc.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, schema.TriggerScheduledRetry, scheduled[0].Trigger)
	assert.Equal(t, schema.StrategyRetry, scheduled[0].Strategy)
	assert.Equal(t, fixedNow.Add(60*time.Second), scheduled[0].At, "30s * 2^1")
}

func TestAttemptRecovery_RetryWithoutResumerFails(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "search", true)
	svc := newTestService(t, store, Config{MaxRecoveryAttempts: 1})

	attempt, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerManual, AttemptOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RecoveryStatusFailure, attempt.Status)
	assert.Empty(t, svc.Scheduled(), "attempts exhausted")
}

func TestAttemptRecovery_UnknownWorkflow(t *testing.T) {
	svc := newTestService(t, newTestStore(t), Config{})

	_, err := svc.AttemptRecovery(context.Background(), "nope", schema.TriggerManual, AttemptOptions{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.False(t, svc.Active("nope"))
	require.Len(t, svc.Attempts("nope"), 1)
	assert.Equal(t, schema.RecoveryStatusFailure, svc.Attempts("nope")[0].Status)
}

// ---------------------------------------------------------------------------
// Concurrency guard
// ---------------------------------------------------------------------------

func TestAttemptRecovery_AtMostOneActive(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "search", true)
	resumer := &fakeResumer{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	svc := newTestService(t, store, Config{}, WithResumer(resumer))

	type result struct {
		attempt *schema.RecoveryAttempt
		err     error
	}
	first := make(chan result, 1)
	go func() {
		a, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerManual, AttemptOptions{})
		first <- result{a, err}
	}()

	<-resumer.entered
	require.True(t, svc.Active("wf-1"))

	second, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerManual, AttemptOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RecoveryStatusInProgress, second.Status)

	close(resumer.gate)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, second.ID, res.attempt.ID)
	assert.Equal(t, schema.RecoveryStatusSuccess, res.attempt.Status)
	assert.Len(t, svc.Attempts("wf-1"), 1)
	assert.Len(t, resumer.ids(), 1)
}

// ---------------------------------------------------------------------------
// Fallback
// ---------------------------------------------------------------------------

func TestAttemptRecovery_FallbackSynthesizesCompletion(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "briefing", false)
	require.NoError(t, store.Update(context.Background(), "wf-1", schema.StatePatch{
		StructuredOutput: map[string]any{"sections": []any{"weather"}},
	}, ""))
	svc := newTestService(t, store, Config{})

	attempt, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerWorkflowFailed, AttemptOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StrategyFallback, attempt.Strategy)
	assert.Equal(t, schema.RecoveryStatusSuccess, attempt.Status)
	requireStatus(t, store, "wf-1", schema.WorkflowStatusCompleted)

	st, err := store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, true, st.Output["success"])
	assert.Equal(t, "fallback", st.Output["recovered_via"])
	assert.Equal(t, "upstream unavailable", st.Output["original_error"])
	assert.Equal(t, map[string]any{"sections": []any{"weather"}}, st.Output["partial_results"])
	assert.Nil(t, st.Error)
}

func TestAttemptRecovery_FallbackPartialResultsQuery(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "briefing", false)
	require.NoError(t, store.Update(context.Background(), "wf-1", schema.StatePatch{
		StructuredOutput: map[string]any{"sections": []any{"weather", "calendar"}},
	}, ""))
	svc := newTestService(t, store, Config{}, WithPolicies(map[string]Policy{
		"briefing": {PartialResults: ".structured_output.sections | length"},
	}))

	_, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerManual,
		AttemptOptions{Strategy: schema.StrategyFallback})
	require.NoError(t, err)

	st, err := store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Output["partial_results"])
}

func TestAttemptRecovery_FallbackCustomHandler(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "briefing", false)
	svc := newTestService(t, store, Config{})

	var got *schema.WorkflowState
	svc.RegisterHandler("briefing", RecoveryHandlerFunc(func(_ context.Context, id string, st *schema.WorkflowState) (bool, error) {
		got = st
		return true, nil
	}))

	attempt, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerManual, AttemptOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RecoveryStatusSuccess, attempt.Status)
	assert.Contains(t, attempt.Message, "custom handler")
	require.NotNil(t, got)
	assert.Equal(t, "upstream unavailable", got.Error.Message)
	requireStatus(t, store, "wf-1", schema.WorkflowStatusFailed)
}

func TestAttemptRecovery_PanickingHandlerFallsBack(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "briefing", false)
	svc := newTestService(t, store, Config{})
	svc.RegisterHandler("briefing", RecoveryHandlerFunc(func(context.Context, string, *schema.WorkflowState) (bool, error) {
		panic("handler bug")
	}))

	attempt, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerManual, AttemptOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RecoveryStatusSuccess, attempt.Status)
	requireStatus(t, store, "wf-1", schema.WorkflowStatusCompleted)
}

// ---------------------------------------------------------------------------
// Circuit break, escalate, fail fast
// ---------------------------------------------------------------------------

func TestAttemptRecovery_CircuitBreakSuspendsAndSchedules(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "search", false)
	svc := newTestService(t, store, Config{}, WithErrorCounter(fixedCounter(5)))

	attempt, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerWorkflowFailed, AttemptOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.StrategyCircuitBreak, attempt.Strategy)
	assert.Equal(t, schema.RecoveryStatusSuccess, attempt.Status)
	requireStatus(t, store, "wf-1", schema.WorkflowStatusSuspended)

	scheduled := svc.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, schema.TriggerCircuitBreakerReset, scheduled[0].Trigger)
	assert.Equal(t, schema.StrategyRetry, scheduled[0].Strategy)
	assert.Equal(t, fixedNow.Add(300*time.Second), scheduled[0].At)
}

func TestAttemptRecovery_CircuitBreakPolicyDelay(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "search", false)
	svc := newTestService(t, store, Config{}, WithPolicies(map[string]Policy{
		"search": {DefaultStrategy: schema.StrategyCircuitBreak, CircuitBreakDelay: time.Minute},
	}))

	_, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerManual, AttemptOptions{})
	require.NoError(t, err)
	require.Len(t, svc.Scheduled(), 1)
	assert.Equal(t, fixedNow.Add(time.Minute), svc.Scheduled()[0].At)
}

func TestAttemptRecovery_EscalateRequestsManualReview(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "task", false)
	svc := newTestService(t, store, Config{})

	attempt, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerManual,
		AttemptOptions{Strategy: schema.StrategyEscalate})
	require.NoError(t, err)

	assert.Equal(t, schema.RecoveryStatusSuccess, attempt.Status)
	requireStatus(t, store, "wf-1", schema.WorkflowStatusSuspended)

	st, err := store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, false, st.Output["success"])
	assert.Equal(t, true, st.Output["requires_manual_review"])
	assert.Equal(t, "upstream unavailable", st.Output["original_error"])
	assert.NotEmpty(t, st.Metadata["escalated_at"])
}

func TestAttemptRecovery_FailFastIsSkipped(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "search", true)
	svc := newTestService(t, store, Config{})

	attempt, err := svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerManual,
		AttemptOptions{Strategy: schema.StrategyFailFast})
	require.NoError(t, err)

	assert.Equal(t, schema.RecoveryStatusSkipped, attempt.Status)
	assert.Empty(t, svc.Scheduled())
	requireStatus(t, store, "wf-1", schema.WorkflowStatusFailed)
}

// ---------------------------------------------------------------------------
// Strategy selection
// ---------------------------------------------------------------------------

func TestSelectStrategy(t *testing.T) {
	recoverable := &schema.ErrorInfo{Type: schema.ErrCodeRateLimit, Recoverable: true}
	fatal := &schema.ErrorInfo{Type: schema.ErrCodeExecution}

	tests := []struct {
		name   string
		state  schema.WorkflowState
		recent int
		policy Policy
		want   schema.Strategy
	}{
		{"recoverable early", schema.WorkflowState{Error: recoverable}, 0, Policy{}, schema.StrategyRetry},
		{"recoverable after retries", schema.WorkflowState{Error: recoverable, RetryCount: 2}, 0, Policy{}, schema.StrategyFallback},
		{"fatal with error burst", schema.WorkflowState{Error: fatal}, 3, Policy{}, schema.StrategyCircuitBreak},
		{"fatal", schema.WorkflowState{Error: fatal}, 1, Policy{}, schema.StrategyFallback},
		{"no error, static type map", schema.WorkflowState{WorkflowType: "task"}, 0, Policy{}, schema.StrategyEscalate},
		{"no error, unknown type", schema.WorkflowState{WorkflowType: "other"}, 0, Policy{}, schema.StrategyRetry},
		{"policy default", schema.WorkflowState{Error: recoverable}, 0,
			Policy{DefaultStrategy: schema.StrategyEscalate}, schema.StrategyEscalate},
		{"policy rule wins", schema.WorkflowState{Error: recoverable}, 0, Policy{
			DefaultStrategy: schema.StrategyFallback,
			Rules: []Rule{
				{When: `error.type == "NOPE"`, Strategy: schema.StrategyFailFast},
				{When: `error.type == "RATE_LIMITED" && retry_count < 3`, Strategy: schema.StrategyCircuitBreak},
			},
		}, schema.StrategyCircuitBreak},
		{"broken rule is skipped", schema.WorkflowState{Error: recoverable}, 0, Policy{
			Rules: []Rule{{When: `retry_count + "x"`, Strategy: schema.StrategyFailFast}},
		}, schema.StrategyRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, newTestStore(t), Config{}, WithErrorCounter(fixedCounter(tt.recent)))
			st := tt.state
			st.WorkflowID = "wf-1"
			got := svc.selectStrategy(context.Background(), &st,
				schema.WorkflowMetadata{Status: schema.WorkflowStatusFailed}, tt.policy, 0)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRetryDelay(t *testing.T) {
	svc := newTestService(t, newTestStore(t), Config{})

	assert.Equal(t, 60*time.Second, svc.retryDelay(Policy{}, 1))
	assert.Equal(t, 120*time.Second, svc.retryDelay(Policy{}, 2))
	assert.Equal(t, 300*time.Second, svc.retryDelay(Policy{}, 4))
	assert.Equal(t, 300*time.Second, svc.retryDelay(Policy{}, 5000))
	assert.Equal(t, 3*time.Second, svc.retryDelay(Policy{BaseDelay: time.Second, BackoffMultiplier: 3}, 1))
}

// ---------------------------------------------------------------------------
// Events and stats
// ---------------------------------------------------------------------------

func TestAttemptRecovery_PublishesLifecycleEvents(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "search", true)
	hub := streaming.NewMemoryHub(16)
	events, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer cancel()

	svc := newTestService(t, store, Config{}, WithEventHub(hub), WithResumer(&fakeResumer{}))
	_, err = svc.AttemptRecovery(context.Background(), "wf-1", schema.TriggerManual, AttemptOptions{})
	require.NoError(t, err)

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			assert.Equal(t, "owner-1", e.OwnerID)
			types = append(types, e.EventType)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{schema.EventRecoveryStarted, schema.EventRecoveryCompleted}, types)
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-ok", "search", true)
	failWorkflow(t, store, "wf-bad", "search", true)
	failWorkflow(t, store, "wf-skip", "search", true)
	svc := newTestService(t, store, Config{MaxRecoveryAttempts: 1}, WithResumer(&fakeResumer{}))
	ctx := context.Background()

	_, err := svc.AttemptRecovery(ctx, "wf-ok", schema.TriggerManual, AttemptOptions{})
	require.NoError(t, err)
	_, err = svc.AttemptRecovery(ctx, "wf-bad", schema.TriggerManual, AttemptOptions{Checkpoint: "missing"})
	require.NoError(t, err)
	_, err = svc.AttemptRecovery(ctx, "wf-skip", schema.TriggerManual, AttemptOptions{Strategy: schema.StrategyFailFast})
	require.NoError(t, err)

	stats := svc.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Skipped)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	assert.Equal(t, 2, stats.ByStrategy[schema.StrategyRetry])
	assert.Equal(t, 0, stats.Active)
}

// ---------------------------------------------------------------------------
// Batch
// ---------------------------------------------------------------------------

func TestBatchRecover(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"wf-a", "wf-b", "wf-c", "wf-d"} {
		failWorkflow(t, store, id, "report", false)
	}
	svc := newTestService(t, store, Config{BatchSize: 2, MaxRecoveryAttempts: 2})
	ctx := context.Background()

	for range 2 {
		_, err := svc.AttemptRecovery(ctx, "wf-d", schema.TriggerManual, AttemptOptions{Strategy: schema.StrategyFailFast})
		require.NoError(t, err)
	}

	res, err := svc.BatchRecover(ctx, BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Considered)
	assert.Equal(t, 1, res.Skipped, "wf-d used up its attempts")
	assert.Equal(t, 2, res.Succeeded)
	require.Len(t, res.Attempts, 2)
	for _, a := range res.Attempts {
		assert.Equal(t, schema.TriggerBatch, a.Trigger)
		assert.Equal(t, schema.StrategyFallback, a.Strategy)
		requireStatus(t, store, a.WorkflowID, schema.WorkflowStatusCompleted)
	}

	remaining := store.List(statestore.ListFilter{Status: schema.WorkflowStatusFailed})
	assert.Len(t, remaining, 2)
}

func TestBatchRecover_HonoursContext(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-a", "report", false)
	failWorkflow(t, store, "wf-b", "report", false)
	svc := newTestService(t, store, Config{BatchDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := svc.BatchRecover(ctx, BatchOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, res.Succeeded)
}
