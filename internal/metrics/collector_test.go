package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bulwark/internal/engine"
	"github.com/rendis/bulwark/internal/orchestrator"
	"github.com/rendis/bulwark/internal/recovery"
	"github.com/rendis/bulwark/pkg/schema"
)

type fixedSource orchestrator.Metrics

func (f fixedSource) Metrics() orchestrator.Metrics { return orchestrator.Metrics(f) }

func sampleMetrics() fixedSource {
	return fixedSource{
		Workflows: map[schema.WorkflowStatus]int{
			schema.WorkflowStatusActive: 3,
			schema.WorkflowStatusFailed: 2,
		},
		Running:        1,
		Snapshots:      12,
		RecoveryPoints: 4,
		Breakers: []engine.BreakerStats{
			{Key: "search:o1", State: engine.CircuitOpen.String(), ConsecutiveFailures: 5},
			{Key: "search:o2", State: engine.CircuitClosed.String(), ConsecutiveFailures: 1},
		},
		Errors: engine.ErrorBreakdown{
			Total:      3,
			BySeverity: map[schema.Severity]int{schema.SeverityHigh: 2, schema.SeverityLow: 1},
			ByCategory: map[schema.Category]int{schema.CategoryExternalAPI: 3},
		},
		Boundary: engine.BoundaryStats{Executions: 10, Successes: 7, Failures: 3, Retries: 4},
		Recovery: recovery.Stats{
			Succeeded:   3,
			Failed:      1,
			SuccessRate: 0.75,
			Scheduled:   2,
			Pool:        recovery.PoolStats{Rejected: 1},
		},
	}
}

func TestCollector_Counts(t *testing.T) {
	c := NewCollector(sampleMetrics())

	assert.Equal(t, len(schema.AllWorkflowStatuses), testutil.CollectAndCount(c, "bulwark_workflows"))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "bulwark_circuit_breaker_open"))
	assert.Equal(t, len(schema.AllSeverities), testutil.CollectAndCount(c, "bulwark_errors"))
	assert.Equal(t, 8, testutil.CollectAndCount(c, "bulwark_boundary_outcomes_total"))
}

func TestCollector_Values(t *testing.T) {
	c := NewCollector(sampleMetrics())

	expected := `
# HELP bulwark_circuit_breaker_open 1 when the circuit breaker for the key is open.
# TYPE bulwark_circuit_breaker_open gauge
bulwark_circuit_breaker_open{key="search:o1"} 1
bulwark_circuit_breaker_open{key="search:o2"} 0
# HELP bulwark_recovery_queue Recoveries that are active or scheduled.
# TYPE bulwark_recovery_queue gauge
bulwark_recovery_queue{state="active"} 0
bulwark_recovery_queue{state="scheduled"} 2
# HELP bulwark_workflows_running Executions currently in flight.
# TYPE bulwark_workflows_running gauge
bulwark_workflows_running 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"bulwark_circuit_breaker_open", "bulwark_recovery_queue", "bulwark_workflows_running")
	require.NoError(t, err)
}

func TestCollector_Lint(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewCollector(sampleMetrics()))
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestHandler(t *testing.T) {
	srv := httptest.NewServer(Handler(NewRegistry(sampleMetrics())))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `bulwark_workflows{status="failed"} 2`)
	assert.Contains(t, text, `bulwark_boundary_outcomes_total{outcome="retry"} 4`)
	assert.Contains(t, text, "go_goroutines")
}
