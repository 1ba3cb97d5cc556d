// Package metrics exposes the engine's metrics snapshot as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/bulwark/internal/engine"
	"github.com/rendis/bulwark/internal/orchestrator"
	"github.com/rendis/bulwark/pkg/schema"
)

const namespace = "bulwark"

// Source produces the snapshot the collector reports.
type Source interface {
	Metrics() orchestrator.Metrics
}

// Collector turns each scrape into one Source snapshot. All values are read
// at collection time, so nothing is cached between scrapes.
type Collector struct {
	source Source

	workflows      *prometheus.Desc
	running        *prometheus.Desc
	snapshots      *prometheus.Desc
	recoveryPoints *prometheus.Desc
	watchers       *prometheus.Desc
	activeLocks    *prometheus.Desc
	breakerOpen    *prometheus.Desc
	breakerFails   *prometheus.Desc
	errors         *prometheus.Desc
	errorsByCat    *prometheus.Desc
	boundary       *prometheus.Desc
	recovery       *prometheus.Desc
	recoveryRate   *prometheus.Desc
	recoveryQueue  *prometheus.Desc
	poolRejected   *prometheus.Desc
}

// NewCollector creates a collector over source.
func NewCollector(source Source) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		source:         source,
		workflows:      desc("workflows", "Workflows known to the state store, by status.", "status"),
		running:        desc("workflows_running", "Executions currently in flight."),
		snapshots:      desc("snapshots", "Snapshots held in memory."),
		recoveryPoints: desc("recovery_points", "Recovery points held in memory."),
		watchers:       desc("watchers", "Registered state watchers."),
		activeLocks:    desc("active_locks", "Per-workflow locks currently held or awaited."),
		breakerOpen:    desc("circuit_breaker_open", "1 when the circuit breaker for the key is open.", "key"),
		breakerFails:   desc("circuit_breaker_consecutive_failures", "Consecutive failures seen by the circuit breaker.", "key"),
		errors:         desc("errors", "Errors recorded in the history window, by severity.", "severity"),
		errorsByCat:    desc("errors_by_category", "Errors recorded in the history window, by category.", "category"),
		boundary:       desc("boundary_outcomes_total", "Error boundary outcomes since start.", "outcome"),
		recovery:       desc("recovery_attempts", "Retained recovery attempts, by status.", "status"),
		recoveryRate:   desc("recovery_success_rate", "Share of finished recovery attempts that succeeded."),
		recoveryQueue:  desc("recovery_queue", "Recoveries that are active or scheduled.", "state"),
		poolRejected:   desc("recovery_pool_rejected_total", "Recovery dispatches rejected because the pool was full."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.workflows, c.running, c.snapshots, c.recoveryPoints, c.watchers, c.activeLocks,
		c.breakerOpen, c.breakerFails, c.errors, c.errorsByCat, c.boundary,
		c.recovery, c.recoveryRate, c.recoveryQueue, c.poolRejected,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.source.Metrics()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	for _, status := range schema.AllWorkflowStatuses {
		gauge(c.workflows, float64(m.Workflows[status]), string(status))
	}
	gauge(c.running, float64(m.Running))
	gauge(c.snapshots, float64(m.Snapshots))
	gauge(c.recoveryPoints, float64(m.RecoveryPoints))
	gauge(c.watchers, float64(m.Watchers))
	gauge(c.activeLocks, float64(m.ActiveLocks))

	for _, b := range m.Breakers {
		open := 0.0
		if b.State == engine.CircuitOpen.String() {
			open = 1
		}
		gauge(c.breakerOpen, open, b.Key)
		gauge(c.breakerFails, float64(b.ConsecutiveFailures), b.Key)
	}

	for _, sev := range schema.AllSeverities {
		gauge(c.errors, float64(m.Errors.BySeverity[sev]), string(sev))
	}
	for cat, n := range m.Errors.ByCategory {
		gauge(c.errorsByCat, float64(n), string(cat))
	}

	b := m.Boundary
	for outcome, v := range map[string]int64{
		"success":       b.Successes,
		"failure":       b.Failures,
		"retry":         b.Retries,
		"fallback":      b.Fallbacks,
		"escalation":    b.Escalations,
		"fail_fast":     b.FailFasts,
		"short_circuit": b.ShortCircuits,
		"cancelled":     b.Cancellations,
	} {
		counter(c.boundary, float64(v), outcome)
	}

	r := m.Recovery
	gauge(c.recovery, float64(r.Succeeded), string(schema.RecoveryStatusSuccess))
	gauge(c.recovery, float64(r.Failed), string(schema.RecoveryStatusFailure))
	gauge(c.recovery, float64(r.Skipped), string(schema.RecoveryStatusSkipped))
	gauge(c.recoveryRate, r.SuccessRate)
	gauge(c.recoveryQueue, float64(r.Active), "active")
	gauge(c.recoveryQueue, float64(r.Scheduled), "scheduled")
	counter(c.poolRejected, float64(r.Pool.Rejected))
}

// NewRegistry returns a registry holding the collector plus the Go and
// process collectors.
func NewRegistry(source Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

var _ prometheus.Collector = (*Collector)(nil)
