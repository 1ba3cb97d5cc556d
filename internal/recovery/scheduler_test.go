package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bulwark/pkg/schema"
)

func TestSchedule_ReplacesAndCancels(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "search", true)
	svc := newTestService(t, store, Config{})
	ctx := context.Background()

	svc.Schedule(ctx, "wf-1", time.Minute, schema.TriggerScheduledRetry, AttemptOptions{})
	at := svc.Schedule(ctx, "wf-1", 2*time.Minute, schema.TriggerManual, AttemptOptions{Checkpoint: "start"})

	scheduled := svc.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, at, scheduled[0].At)
	assert.Equal(t, schema.TriggerManual, scheduled[0].Trigger)
	assert.Equal(t, "start", scheduled[0].Checkpoint)

	assert.True(t, svc.Cancel("wf-1"))
	assert.False(t, svc.Cancel("wf-1"))
	assert.Empty(t, svc.Scheduled())
}

func TestScheduled_SoonestFirst(t *testing.T) {
	svc := newTestService(t, newTestStore(t), Config{})
	ctx := context.Background()

	svc.Schedule(ctx, "late", time.Hour, schema.TriggerManual, AttemptOptions{})
	svc.Schedule(ctx, "soon", time.Second, schema.TriggerManual, AttemptOptions{})
	svc.Schedule(ctx, "b-same", time.Minute, schema.TriggerManual, AttemptOptions{})
	svc.Schedule(ctx, "a-same", time.Minute, schema.TriggerManual, AttemptOptions{})

	var ids []string
	for _, e := range svc.Scheduled() {
		ids = append(ids, e.WorkflowID)
	}
	assert.Equal(t, []string{"soon", "a-same", "b-same", "late"}, ids)
}

func TestTick_DispatchesDueEntries(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-due", "search", true)
	failWorkflow(t, store, "wf-later", "search", true)
	resumer := &fakeResumer{}
	svc := newTestService(t, store, Config{}, WithResumer(resumer))
	ctx := context.Background()

	svc.Schedule(ctx, "wf-due", 10*time.Second, schema.TriggerScheduledRetry, AttemptOptions{Strategy: schema.StrategyRetry})
	svc.Schedule(ctx, "wf-later", time.Hour, schema.TriggerScheduledRetry, AttemptOptions{Strategy: schema.StrategyRetry})

	n := svc.tick(ctx, fixedNow.Add(time.Minute))
	assert.Equal(t, 1, n)
	svc.pool.Wait()

	assert.Equal(t, []string{"wf-due"}, resumer.ids())
	attempts := svc.Attempts("wf-due")
	require.Len(t, attempts, 1)
	assert.Equal(t, schema.TriggerScheduledRetry, attempts[0].Trigger)
	assert.Equal(t, schema.RecoveryStatusSuccess, attempts[0].Status)

	scheduled := svc.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, "wf-later", scheduled[0].WorkflowID)
}

func TestTick_RequeuesWhenPoolFull(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "search", true)
	failWorkflow(t, store, "wf-2", "search", true)
	resumer := &fakeResumer{gate: make(chan struct{}), entered: make(chan struct{}, 2)}
	svc := newTestService(t, store, Config{PoolSize: 1}, WithResumer(resumer))
	ctx := context.Background()

	svc.Schedule(ctx, "wf-1", 0, schema.TriggerScheduledRetry, AttemptOptions{})
	svc.Schedule(ctx, "wf-2", time.Second, schema.TriggerScheduledRetry, AttemptOptions{})

	assert.Equal(t, 1, svc.tick(ctx, fixedNow.Add(time.Minute)))
	<-resumer.entered

	scheduled := svc.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, "wf-2", scheduled[0].WorkflowID)
	assert.Equal(t, int64(1), svc.pool.Stats().Rejected)

	close(resumer.gate)
	svc.pool.Wait()

	assert.Equal(t, 1, svc.tick(ctx, fixedNow.Add(time.Minute)))
	svc.pool.Wait()
	assert.ElementsMatch(t, []string{"wf-1", "wf-2"}, resumer.ids())
}

func TestTick_DefersActiveWorkflows(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "search", true)
	resumer := &fakeResumer{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	svc := newTestService(t, store, Config{}, WithResumer(resumer))
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.AttemptRecovery(ctx, "wf-1", schema.TriggerManual, AttemptOptions{})
	}()
	<-resumer.entered

	svc.Schedule(ctx, "wf-1", 0, schema.TriggerScheduledRetry, AttemptOptions{})
	assert.Equal(t, 0, svc.tick(ctx, fixedNow.Add(time.Second)))
	scheduled := svc.Scheduled()
	require.Len(t, scheduled, 1, "entry waits for the running recovery")
	assert.Equal(t, schema.TriggerScheduledRetry, scheduled[0].Trigger)

	close(resumer.gate)
	<-done
	require.Len(t, svc.Attempts("wf-1"), 1)

	assert.Equal(t, 1, svc.tick(ctx, fixedNow.Add(time.Second)))
	svc.pool.Wait()
	attempts := svc.Attempts("wf-1")
	require.Len(t, attempts, 2)
	assert.Equal(t, schema.TriggerManual, attempts[0].Trigger)
	assert.Equal(t, schema.TriggerScheduledRetry, attempts[1].Trigger)
}

func TestStartStop(t *testing.T) {
	store := newTestStore(t)
	failWorkflow(t, store, "wf-1", "search", true)
	resumer := &fakeResumer{}
	svc := newTestService(t, store, Config{PollInterval: 10 * time.Millisecond}, WithResumer(resumer))
	ctx := context.Background()

	svc.Schedule(ctx, "wf-1", 0, schema.TriggerScheduledRetry, AttemptOptions{})
	require.NoError(t, svc.Start(ctx))
	require.Error(t, svc.Start(ctx), "second start is rejected")

	require.Eventually(t, func() bool {
		return len(svc.Attempts("wf-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	svc.Stop()
	svc.Stop()
	require.NoError(t, svc.Start(ctx), "restart after stop")
	svc.Stop()
}
