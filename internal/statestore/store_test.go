package statestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bulwark/pkg/schema"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(DefaultConfig(), opts...)
	require.NoError(t, err)
	return s
}

func newWorkflow(id string) *schema.WorkflowState {
	return &schema.WorkflowState{
		WorkflowID:   id,
		OwnerID:      "owner-1",
		WorkflowType: "briefing",
		Input:        map[string]any{"query": "morning"},
	}
}

func strPtr(s string) *string { return &s }

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	wfErr, ok := schema.AsWorkflowError(err)
	require.True(t, ok, "expected WorkflowError, got %T: %v", err, err)
	assert.Equal(t, code, wfErr.Code)
}

func TestCreate_AndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))

	got, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "morning", got.Input["query"])
	assert.False(t, got.StartedAt.IsZero())

	status, err := s.Status("wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusInitializing, status)

	// Initial automatic snapshot.
	snaps := s.Snapshots("wf-1")
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Automatic)
	assert.NotEmpty(t, snaps[0].Hash)

	requireCode(t, s.Create(ctx, newWorkflow("wf-1")), schema.ErrCodeAlreadyExists)

	_, err = s.Get(ctx, "missing")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))

	got, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	got.Input["query"] = "evening"

	again, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "morning", again.Input["query"])
}

func TestUpdate_DerivesStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))

	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{CurrentStep: strPtr("gather")}, ""))
	status, _ := s.Status("wf-1")
	assert.Equal(t, schema.WorkflowStatusActive, status)

	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{
		CurrentStep: strPtr(schema.StepEnd),
		Output:      map[string]any{"summary": "done"},
	}, ""))
	status, _ = s.Status("wf-1")
	assert.Equal(t, schema.WorkflowStatusCompleted, status)

	got, _ := s.Get(ctx, "wf-1")
	assert.Equal(t, []string{"gather", schema.StepEnd}, got.VisitedSteps)
}

func TestUpdate_ErrorFailsWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))

	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{
		Error: &schema.ErrorInfo{Message: "boom", Type: schema.ErrCodeExecution},
	}, ""))
	status, _ := s.Status("wf-1")
	assert.Equal(t, schema.WorkflowStatusFailed, status)

	// A plain update keeps it failed.
	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{Metadata: map[string]any{"note": "x"}}, ""))
	status, _ = s.Status("wf-1")
	assert.Equal(t, schema.WorkflowStatusFailed, status)

	requireCode(t, s.Update(ctx, "nope", schema.StatePatch{}, ""), schema.ErrCodeNotFound)
}

func TestUpdate_SnapshotsSignificantPatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))

	retries := 1
	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{RetryCount: &retries}, ""))
	assert.Len(t, s.Snapshots("wf-1"), 1, "non-significant patch does not snapshot")

	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{CurrentStep: strPtr("gather")}, ""))
	assert.Len(t, s.Snapshots("wf-1"), 2)

	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{RetryCount: &retries}, "before-send"))
	snaps := s.Snapshots("wf-1")
	require.Len(t, snaps, 3)
	assert.Equal(t, "before-send", snaps[2].Checkpoint)
	assert.False(t, snaps[2].Automatic)
	assert.Len(t, s.RecoveryPoints("wf-1"), 1)
}

func TestCheckpointAndRecover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))

	_, err := s.Recover(ctx, "wf-1", "")
	requireCode(t, err, schema.ErrCodeNoRecoveryPoint)

	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{CurrentStep: strPtr("gather")}, ""))
	point, err := s.Checkpoint(ctx, "wf-1", "after-gather")
	require.NoError(t, err)
	assert.True(t, point.Recoverable)
	assert.False(t, point.Automatic)

	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{
		CurrentStep: strPtr("send"),
		Error:       &schema.ErrorInfo{Message: "smtp down", Recoverable: true},
	}, ""))

	restored, err := s.Recover(ctx, "wf-1", "")
	require.NoError(t, err)
	assert.Equal(t, "gather", restored.CurrentStep)
	assert.Nil(t, restored.Error)

	status, _ := s.Status("wf-1")
	assert.Equal(t, schema.WorkflowStatusRecovered, status)

	_, err = s.Recover(ctx, "wf-1", "no-such")
	requireCode(t, err, schema.ErrCodeNoRecoveryPoint)

	_, err = s.Checkpoint(ctx, "wf-1", "")
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestRecover_SkipsUnrecoverablePoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))

	_, err := s.AutoCheckpoint(ctx, "wf-1", "pre_execution")
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{
		CurrentStep: strPtr("send"),
		Error:       &schema.ErrorInfo{Message: "fatal", Recoverable: false},
	}, ""))
	_, err = s.Checkpoint(ctx, "wf-1", "broken")
	require.NoError(t, err)

	restored, err := s.Recover(ctx, "wf-1", "")
	require.NoError(t, err)
	assert.Empty(t, restored.CurrentStep, "latest recoverable point is the pre-execution one")

	// A named point captured in an unrecoverable state is not eligible either.
	_, err = s.Recover(ctx, "wf-1", "broken")
	requireCode(t, err, schema.ErrCodeNoRecoveryPoint)

	// The latest recoverable point of that name wins.
	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{CurrentStep: strPtr("retry"), ClearError: true}, ""))
	_, err = s.Checkpoint(ctx, "wf-1", "broken")
	require.NoError(t, err)
	restored, err = s.Recover(ctx, "wf-1", "broken")
	require.NoError(t, err)
	assert.Equal(t, "retry", restored.CurrentStep)
}

func TestRecover_FromRunningWorkflow(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, s *Store)
		from    schema.WorkflowStatus
	}{
		{
			name:    "initializing",
			prepare: func(*testing.T, *Store) {},
			from:    schema.WorkflowStatusInitializing,
		},
		{
			name: "active",
			prepare: func(t *testing.T, s *Store) {
				require.NoError(t, s.Update(context.Background(), "wf-1", schema.StatePatch{CurrentStep: strPtr("gather")}, ""))
			},
			from: schema.WorkflowStatusActive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))
			_, err := s.Checkpoint(ctx, "wf-1", "cp")
			require.NoError(t, err)
			tt.prepare(t, s)

			status, _ := s.Status("wf-1")
			require.Equal(t, tt.from, status)

			_, err = s.Recover(ctx, "wf-1", "cp")
			require.NoError(t, err)
			status, _ = s.Status("wf-1")
			assert.Equal(t, schema.WorkflowStatusRecovered, status)
		})
	}
}

func TestSuspendResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))

	requireCode(t, s.Resume(ctx, "wf-1"), schema.ErrCodeInvalidTransition)

	require.NoError(t, s.Suspend(ctx, "wf-1", "waiting for approval"))
	meta, err := s.Metadata("wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuspended, meta.Status)
	assert.Equal(t, "waiting for approval", meta.StatusReason)

	require.NoError(t, s.Resume(ctx, "wf-1"))
	status, _ := s.Status("wf-1")
	assert.Equal(t, schema.WorkflowStatusActive, status)

	requireCode(t, s.Suspend(ctx, "nope", ""), schema.ErrCodeNotFound)
}

func TestCompleteAndArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))

	require.NoError(t, s.Complete(ctx, "wf-1", map[string]any{"success": true}))
	got, _ := s.Get(ctx, "wf-1")
	assert.Equal(t, true, got.Output["success"])

	requireCode(t, s.Suspend(ctx, "wf-1", ""), schema.ErrCodeInvalidTransition)

	require.NoError(t, s.Archive(ctx, "wf-1"))
	_, err := s.Get(ctx, "wf-1")
	requireCode(t, err, schema.ErrCodeNotFound)

	meta, err := s.Metadata("wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusArchived, meta.Status)
	require.NotNil(t, meta.ArchivedAt)
	assert.NotEmpty(t, s.Snapshots("wf-1"), "history survives archival")

	requireCode(t, s.Archive(ctx, "wf-1"), schema.ErrCodeNotFound)
}

func TestCreate_ReusesArchivedID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))
	_, err := s.Checkpoint(ctx, "wf-1", "old")
	require.NoError(t, err)

	requireCode(t, s.Create(ctx, newWorkflow("wf-1")), schema.ErrCodeAlreadyExists)

	require.NoError(t, s.Complete(ctx, "wf-1", map[string]any{"success": true}))
	require.NoError(t, s.Archive(ctx, "wf-1"))

	fresh := newWorkflow("wf-1")
	fresh.Input = map[string]any{"query": "evening"}
	require.NoError(t, s.Create(ctx, fresh))

	got, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "evening", got.Input["query"])

	meta, err := s.Metadata("wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusInitializing, meta.Status)
	assert.Nil(t, meta.ArchivedAt)
	assert.Empty(t, s.RecoveryPoints("wf-1"), "history of the archived run is dropped")
	assert.Len(t, s.Snapshots("wf-1"), 1)

	_, err = s.Recover(ctx, "wf-1", "old")
	requireCode(t, err, schema.ErrCodeNoRecoveryPoint)
}

func TestSnapshotCap_EvictsOldestUnnamed(t *testing.T) {
	s, err := New(Config{MaxSnapshots: 3})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWorkflow("wf-1"))) // auto #1

	_, err = s.Checkpoint(ctx, "wf-1", "named") // named #2
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{CurrentStep: strPtr("a")}, "")) // auto #3
	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{CurrentStep: strPtr("b")}, "")) // evicts #1

	snaps := s.Snapshots("wf-1")
	require.Len(t, snaps, 3)
	assert.Equal(t, "named", snaps[0].Checkpoint)
	assert.Equal(t, "a", snaps[2].State.CurrentStep)
}

func TestSnapshotCap_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot count never exceeds the cap", prop.ForAll(
		func(limit int, updates int, namedEvery int) bool {
			s, err := New(Config{MaxSnapshots: limit})
			if err != nil {
				return false
			}
			ctx := context.Background()
			if err := s.Create(ctx, newWorkflow("wf")); err != nil {
				return false
			}
			for i := 0; i < updates; i++ {
				checkpoint := ""
				if i%namedEvery == 0 {
					checkpoint = fmt.Sprintf("cp-%d", i)
				}
				step := fmt.Sprintf("step-%d", i)
				if err := s.Update(ctx, "wf", schema.StatePatch{CurrentStep: &step}, checkpoint); err != nil {
					return false
				}
				if len(s.Snapshots("wf")) > limit {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 40),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestConcurrentUpdates_SameWorkflowSerialized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{
				Metadata: map[string]any{fmt.Sprintf("k%d", i): i},
			}, ""))
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, got.Metadata, n, "no update lost")
	assert.Equal(t, 0, s.Stats().ActiveLocks)
}

func TestWatch_FilterAndIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		failed  []Change
		allSeen int
	)
	cancelFailed, err := s.Watch(`event.status == "failed"`, func(_ context.Context, c Change) error {
		mu.Lock()
		defer mu.Unlock()
		c.State.Input["query"] = "mutated by watcher"
		failed = append(failed, c)
		return nil
	})
	require.NoError(t, err)
	defer cancelFailed()

	cancelAll, err := s.Watch("", func(context.Context, Change) error {
		mu.Lock()
		defer mu.Unlock()
		allSeen++
		return errors.New("watcher errors are swallowed")
	})
	require.NoError(t, err)

	_, err = s.Watch(`event.status ==`, func(context.Context, Change) error { return nil })
	require.Error(t, err)

	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))
	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{
		Error: &schema.ErrorInfo{Message: "boom"},
	}, ""))

	mu.Lock()
	require.Len(t, failed, 1)
	assert.Equal(t, schema.WorkflowStatusFailed, failed[0].Status)
	assert.Equal(t, schema.EventWorkflowFailed, failed[0].Event)
	assert.True(t, failed[0].StatusChanged())
	assert.Equal(t, 2, allSeen)
	mu.Unlock()

	got, _ := s.Get(ctx, "wf-1")
	assert.Equal(t, "morning", got.Input["query"], "watchers see copies")

	cancelAll()
	require.NoError(t, s.Suspend(ctx, "wf-1", ""))
	mu.Lock()
	assert.Equal(t, 2, allSeen)
	mu.Unlock()
}

func TestWatch_PanicIsContained(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Watch("", func(context.Context, Change) error { panic("bad watcher") })
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		require.NoError(t, s.Create(context.Background(), newWorkflow("wf-1")))
	})
}

func TestSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))
	require.NoError(t, s.Create(ctx, newWorkflow("wf-2")))

	_, err := s.AutoCheckpoint(ctx, "wf-1", "pre_execution")
	require.NoError(t, err)
	_, err = s.Checkpoint(ctx, "wf-1", "keep-me")
	require.NoError(t, err)
	require.NoError(t, s.Archive(ctx, "wf-2"))

	// Within retention nothing goes.
	res := s.Sweep(time.Now())
	assert.Equal(t, SweepResult{}, res)

	res = s.Sweep(time.Now().Add(25 * time.Hour))
	assert.Equal(t, 1, res.Workflows)

	snaps := s.Snapshots("wf-1")
	require.Len(t, snaps, 1)
	assert.Equal(t, "keep-me", snaps[0].Checkpoint)
	points := s.RecoveryPoints("wf-1")
	require.Len(t, points, 1)
	assert.Equal(t, "keep-me", points[0].Name)

	_, err = s.Metadata("wf-2")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestSweeper_StartStop(t *testing.T) {
	s, err := New(Config{SweepInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, s.StartSweeper(context.Background()))
	require.NoError(t, s.StartSweeper(context.Background()))
	s.StopSweeper()
	s.StopSweeper()
}

type recordingMirror struct {
	mu        sync.Mutex
	states    map[string]schema.WorkflowStatus
	snapshots int
	deleted   []string
	fail      bool
}

func (m *recordingMirror) SaveState(_ context.Context, st *schema.WorkflowState, meta schema.WorkflowMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("mirror down")
	}
	if m.states == nil {
		m.states = map[string]schema.WorkflowStatus{}
	}
	m.states[st.WorkflowID] = meta.Status
	return nil
}

func (m *recordingMirror) SaveSnapshot(context.Context, *schema.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots++
	return nil
}

func (m *recordingMirror) DeleteState(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

func TestMirror_ReceivesWrites(t *testing.T) {
	m := &recordingMirror{}
	s := newTestStore(t, WithMirror(m))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newWorkflow("wf-1")))
	require.NoError(t, s.Update(ctx, "wf-1", schema.StatePatch{CurrentStep: strPtr("a")}, ""))
	require.NoError(t, s.Complete(ctx, "wf-1", map[string]any{"ok": true}))
	require.NoError(t, s.Archive(ctx, "wf-1"))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, schema.WorkflowStatusCompleted, m.states["wf-1"])
	assert.Equal(t, 3, m.snapshots)
	assert.Equal(t, []string{"wf-1"}, m.deleted)
}

func TestMirror_FailureDoesNotFailStore(t *testing.T) {
	s := newTestStore(t, WithMirror(&recordingMirror{fail: true}))
	require.NoError(t, s.Create(context.Background(), newWorkflow("wf-1")))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(schema.WorkflowStatusSuspended, schema.WorkflowStatusActive))
	assert.True(t, CanTransition(schema.WorkflowStatusActive, schema.WorkflowStatusSuspended))
	assert.True(t, CanTransition(schema.WorkflowStatusFailed, schema.WorkflowStatusRecovered))
	assert.True(t, CanTransition(schema.WorkflowStatusActive, schema.WorkflowStatusRecovered))
	assert.True(t, CanTransition(schema.WorkflowStatusInitializing, schema.WorkflowStatusRecovered))
	assert.False(t, CanTransition(schema.WorkflowStatusCompleted, schema.WorkflowStatusRecovered))
	assert.False(t, CanTransition(schema.WorkflowStatusCompleted, schema.WorkflowStatusActive))
	assert.False(t, CanTransition(schema.WorkflowStatusArchived, schema.WorkflowStatusActive))
	assert.False(t, CanTransition(schema.WorkflowStatusFailed, schema.WorkflowStatusActive))
}
