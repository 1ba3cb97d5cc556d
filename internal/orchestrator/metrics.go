package orchestrator

import (
	"time"

	"github.com/rendis/bulwark/internal/engine"
	"github.com/rendis/bulwark/internal/recovery"
	"github.com/rendis/bulwark/pkg/schema"
)

// Metrics is a read-only snapshot of engine activity.
type Metrics struct {
	Workflows      map[schema.WorkflowStatus]int `json:"workflows"`
	TotalWorkflows int                           `json:"total_workflows"`
	Running        int                           `json:"running"`
	Snapshots      int                           `json:"snapshots"`
	RecoveryPoints int                           `json:"recovery_points"`
	Watchers       int                           `json:"watchers"`
	ActiveLocks    int                           `json:"active_locks"`
	Breakers       []engine.BreakerStats         `json:"circuit_breakers"`
	OpenBreakers   int                           `json:"open_breakers"`
	Errors         engine.ErrorBreakdown         `json:"errors"`
	Boundary       engine.BoundaryStats          `json:"boundary"`
	Recovery       recovery.Stats                `json:"recovery"`
	CollectedAt    time.Time                     `json:"collected_at"`
}

// Metrics collects the current snapshot.
func (o *Orchestrator) Metrics() Metrics {
	storeStats := o.store.Stats()
	m := Metrics{
		Workflows:      storeStats.ByStatus,
		Snapshots:      storeStats.Snapshots,
		RecoveryPoints: storeStats.RecoveryPoints,
		Watchers:       storeStats.Watchers,
		ActiveLocks:    storeStats.ActiveLocks,
		Breakers:       o.boundary.Breakers().Snapshot(),
		Errors:         o.boundary.History().Breakdown(),
		Boundary:       o.boundary.Stats(),
		Recovery:       o.recovery.Stats(),
		CollectedAt:    time.Now().UTC(),
	}
	for _, n := range storeStats.ByStatus {
		m.TotalWorkflows += n
	}
	for _, b := range m.Breakers {
		if b.State == engine.CircuitOpen.String() {
			m.OpenBreakers++
		}
	}

	o.mu.Lock()
	m.Running = len(o.running)
	o.mu.Unlock()
	return m
}
