package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bulwark/internal/statestore"
	"github.com/rendis/bulwark/pkg/schema"
)

func newTestSimulator(rate float64) *simulator {
	sim := newSimulator(rate, 42, nil)
	sim.stepDelay = time.Millisecond
	return sim
}

func TestSimulator_NoFailures(t *testing.T) {
	orch := newTestOrchestrator(t)
	sim := newTestSimulator(0)
	require.NoError(t, sim.Register(orch))
	assert.ElementsMatch(t, simulatedTypes, orch.Types())

	sum, err := sim.Run(context.Background(), orch, 9, 3)
	require.NoError(t, err)
	assert.Equal(t, simulationSummary{Completed: 9}, sum)

	completed := orch.Store().List(statestore.ListFilter{Status: schema.WorkflowStatusCompleted})
	assert.Len(t, completed, 9)
}

func TestSimulator_AlwaysFails(t *testing.T) {
	orch := newTestOrchestrator(t)
	sim := newTestSimulator(1)
	require.NoError(t, sim.Register(orch))

	sum, err := sim.Run(context.Background(), orch, 6, 2)
	require.NoError(t, err)
	assert.Zero(t, sum.Completed)
	assert.Equal(t, 6, sum.Failed)
	assert.LessOrEqual(t, sum.Queued, sum.Failed)
}

func TestSimulator_CancelledContext(t *testing.T) {
	orch := newTestOrchestrator(t)
	sim := newTestSimulator(0)
	require.NoError(t, sim.Register(orch))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, _ := sim.Run(ctx, orch, 4, 1)
	assert.Zero(t, sum.Completed)
}
