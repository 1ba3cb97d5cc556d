package isolation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/bulwark/internal/engine"
	"github.com/rendis/bulwark/internal/logging"
)

// Factory builds containers with per-workflow-type default limits.
type Factory struct {
	mu         sync.RWMutex
	defaults   map[string]ResourceLimits
	classifier *engine.Classifier
	logger     *slog.Logger
	interval   time.Duration
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithFactoryLogger sets the logger handed to every container.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = logging.OrNop(logger) }
}

// WithFactoryClassifier shares a classifier with the error boundary.
func WithFactoryClassifier(cl *engine.Classifier) FactoryOption {
	return func(f *Factory) { f.classifier = cl }
}

// WithFactoryMonitorInterval sets the monitor interval of every container.
func WithFactoryMonitorInterval(d time.Duration) FactoryOption {
	return func(f *Factory) { f.interval = d }
}

// WithTypeLimits overlays per-type limits on the built-in table.
func WithTypeLimits(limits map[string]ResourceLimits) FactoryOption {
	return func(f *Factory) {
		for t, l := range limits {
			f.defaults[t] = f.defaults[t].Merge(l)
		}
	}
}

// NewFactory creates a factory seeded with DefaultLimits.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		defaults: DefaultLimits(),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetTypeLimits replaces the defaults for one workflow type.
func (f *Factory) SetTypeLimits(workflowType string, limits ResourceLimits) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[workflowType] = limits
}

// LimitsFor resolves the limits of a workflow type: the type's defaults (or
// the "default" entry) with each non-zero field of override applied.
func (f *Factory) LimitsFor(workflowType string, override ResourceLimits) ResourceLimits {
	f.mu.RLock()
	base, ok := f.defaults[workflowType]
	if !ok {
		base = f.defaults[DefaultWorkflowType]
	}
	f.mu.RUnlock()
	return base.Merge(override)
}

// New creates a container for one run of a workflow type.
func (f *Factory) New(workflowType string, step engine.StepFunc, override ResourceLimits) *Container {
	return NewContainer(step, f.LimitsFor(workflowType, override),
		WithLogger(f.logger.With(slog.String("workflow_type", workflowType))),
		WithClassifier(f.classifier),
		WithMonitorInterval(f.interval),
	)
}
