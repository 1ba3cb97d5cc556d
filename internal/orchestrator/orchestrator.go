// Package orchestrator composes the state store, isolation containers, the
// error boundary and the recovery service into one execution pipeline.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/bulwark/internal/engine"
	"github.com/rendis/bulwark/internal/isolation"
	"github.com/rendis/bulwark/internal/logging"
	"github.com/rendis/bulwark/internal/recovery"
	"github.com/rendis/bulwark/internal/statestore"
	"github.com/rendis/bulwark/internal/streaming"
	"github.com/rendis/bulwark/pkg/schema"
)

// CheckpointStart names the recovery point taken before the first run.
const CheckpointStart = "start"

var errCancelled = schema.NewError(schema.ErrCodeCancelled, "workflow cancelled by request")

// Registration binds a workflow type to its step and optional handlers.
type Registration struct {
	Step engine.StepFunc
	// Fallback runs inside the boundary after a non-retryable failure.
	Fallback engine.FallbackHandler
	// Recovery is the custom fallback used by the recovery service.
	Recovery recovery.RecoveryHandler
	// Limits overrides the type defaults field by field.
	Limits isolation.ResourceLimits
	// InputSchema is a JSON Schema checked against Request.Input when an
	// InputValidator is configured.
	InputSchema []byte
}

// InputValidator checks a workflow input against a JSON Schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Request starts one workflow execution.
type Request struct {
	WorkflowID   string                   `json:"workflow_id,omitempty"`
	WorkflowType string                   `json:"workflow_type"`
	OwnerID      string                   `json:"owner_id"`
	TraceID      string                   `json:"trace_id,omitempty"`
	Input        map[string]any           `json:"input,omitempty"`
	Metadata     map[string]any           `json:"metadata,omitempty"`
	Limits       isolation.ResourceLimits `json:"limits,omitzero"`
}

// ExecutionResult is the outcome of Execute or ResumeWorkflow.
type ExecutionResult struct {
	WorkflowID  string                `json:"workflow_id"`
	Status      schema.WorkflowStatus `json:"status"`
	Output      map[string]any        `json:"output,omitempty"`
	Error       *schema.ErrorInfo     `json:"error,omitempty"`
	RetryCount  int                   `json:"retry_count"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at"`
	// RecoveryAt is set when a failed run was queued for recovery.
	RecoveryAt *time.Time `json:"recovery_at,omitempty"`
}

// Config tunes the orchestrator.
type Config struct {
	// AutoRecover queues recoverable failures for the recovery service.
	AutoRecover bool `json:"auto_recover" yaml:"auto_recover"`
	// RecoveryDelay is how long after a failure the first recovery runs.
	RecoveryDelay time.Duration `json:"recovery_delay" yaml:"recovery_delay"`
}

// DefaultConfig returns the stock orchestrator settings.
func DefaultConfig() Config {
	return Config{AutoRecover: true, RecoveryDelay: 30 * time.Second}
}

// Orchestrator runs registered workflow types.
type Orchestrator struct {
	cfg      Config
	store    *statestore.Store
	boundary *engine.Boundary
	factory  *isolation.Factory
	recovery *recovery.Service
	hub      streaming.EventHub
	inputs   InputValidator
	logger   *slog.Logger
	unwatch  func()

	mu       sync.Mutex
	registry map[string]Registration
	running  map[string]context.CancelCauseFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(logger) }
}

// WithEventHub republishes store status changes to hub.
func WithEventHub(hub streaming.EventHub) Option {
	return func(o *Orchestrator) { o.hub = hub }
}

// WithInputValidator validates request input against each registration's
// InputSchema before a workflow is created.
func WithInputValidator(v InputValidator) Option {
	return func(o *Orchestrator) { o.inputs = v }
}

// New wires the orchestrator and installs it as the recovery resumer.
func New(cfg Config, store *statestore.Store, boundary *engine.Boundary, factory *isolation.Factory,
	rec *recovery.Service, opts ...Option) (*Orchestrator, error) {
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = DefaultConfig().RecoveryDelay
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		boundary: boundary,
		factory:  factory,
		recovery: rec,
		logger:   logging.NewNop(),
		registry: make(map[string]Registration),
		running:  make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.hub != nil {
		unwatch, err := store.Watch("", o.forward)
		if err != nil {
			return nil, err
		}
		o.unwatch = unwatch
	}
	rec.SetResumer(o)
	return o, nil
}

// Close detaches the store watcher.
func (o *Orchestrator) Close() {
	if o.unwatch != nil {
		o.unwatch()
	}
}

// Register binds workflowType to reg, replacing any earlier registration.
func (o *Orchestrator) Register(workflowType string, reg Registration) error {
	if workflowType == "" || reg.Step == nil {
		return schema.NewError(schema.ErrCodeValidation, "registration requires a workflow type and a step")
	}
	o.mu.Lock()
	o.registry[workflowType] = reg
	o.mu.Unlock()

	if reg.Fallback != nil {
		o.boundary.RegisterFallback(workflowType, reg.Fallback)
	}
	if reg.Recovery != nil {
		o.recovery.RegisterHandler(workflowType, reg.Recovery)
	}
	o.logger.Info("workflow type registered", slog.String("workflow_type", workflowType))
	return nil
}

// Types returns the registered workflow types.
func (o *Orchestrator) Types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.registry))
	for t := range o.registry {
		out = append(out, t)
	}
	return out
}

func (o *Orchestrator) registration(workflowType string) (Registration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg, ok := o.registry[workflowType]
	if !ok {
		return Registration{}, schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow type %q is not registered", workflowType).
			WithDetails(map[string]any{"workflow_type": workflowType})
	}
	return reg, nil
}

// Execute creates the workflow, checkpoints it and runs it to completion or
// failure. Execution failures are reported in the result; the error is only
// set when the workflow could not be started.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	reg, err := o.registration(req.WorkflowType)
	if err != nil {
		return nil, err
	}
	if req.OwnerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "owner_id is required")
	}
	if req.WorkflowID == "" {
		req.WorkflowID = uuid.NewString()
	}
	if req.TraceID == "" {
		req.TraceID = req.WorkflowID
	}
	if o.inputs != nil && len(reg.InputSchema) > 0 {
		input := req.Input
		if input == nil {
			input = map[string]any{}
		}
		if err := o.inputs.ValidateInput(input, reg.InputSchema); err != nil {
			return nil, err
		}
	}

	st := &schema.WorkflowState{
		WorkflowID:   req.WorkflowID,
		TraceID:      req.TraceID,
		OwnerID:      req.OwnerID,
		WorkflowType: req.WorkflowType,
		Input:        req.Input,
		Metadata:     req.Metadata,
		CurrentStep:  CheckpointStart,
		VisitedSteps: []string{CheckpointStart},
	}
	if err := o.store.Create(ctx, st); err != nil {
		return nil, err
	}
	if _, err := o.store.Checkpoint(ctx, req.WorkflowID, CheckpointStart); err != nil {
		return nil, err
	}

	return o.run(ctx, req.WorkflowID, reg, req.Limits, true)
}

// ResumeWorkflow re-runs a workflow from its stored state. It is the recovery
// service's Resumer: an error means the recovery attempt failed.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, id string) error {
	res, err := o.Resume(ctx, id)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error.Err()
	}
	return nil
}

// Resume is ResumeWorkflow returning the full result. Suspended workflows are
// reactivated first.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*ExecutionResult, error) {
	meta, err := o.store.Metadata(id)
	if err != nil {
		return nil, err
	}
	reg, err := o.registration(meta.WorkflowType)
	if err != nil {
		return nil, err
	}
	if meta.Status == schema.WorkflowStatusSuspended {
		if err := o.store.Resume(ctx, id); err != nil {
			return nil, err
		}
	}
	return o.run(ctx, id, reg, isolation.ResourceLimits{}, false)
}

// Cancel stops the in-flight execution of id, including pending retries, and
// drops any scheduled recovery. It reports whether an execution was running.
func (o *Orchestrator) Cancel(id string) bool {
	o.recovery.Cancel(id)
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		cancel(errCancelled)
		o.logger.Info("workflow cancellation requested", slog.String("workflow_id", id))
	}
	return ok
}

// Running reports whether id is executing.
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

func (o *Orchestrator) track(ctx context.Context, id string) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[id]; busy {
		return nil, nil, schema.NewErrorf(schema.ErrCodeRecoveryInProgress, "workflow %s is already running", id)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	o.running[id] = cancel
	return runCtx, func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
		cancel(nil)
	}, nil
}

// run executes the stored state of id through container and boundary and
// writes the outcome back.
func (o *Orchestrator) run(ctx context.Context, id string, reg Registration, limits isolation.ResourceLimits,
	scheduleRecovery bool) (*ExecutionResult, error) {
	runCtx, done, err := o.track(ctx, id)
	if err != nil {
		return nil, err
	}
	defer done()

	// Any update moves initializing or recovered workflows to active.
	if err := o.store.Update(runCtx, id, schema.StatePatch{
		Metadata: map[string]any{"last_run_at": time.Now().UTC().Format(time.RFC3339Nano)},
	}, ""); err != nil {
		return nil, err
	}
	st, err := o.store.Get(runCtx, id)
	if err != nil {
		return nil, err
	}
	// A resumed run starts clean; the stored error stays until the outcome is written.
	st.Error = nil
	runCtx = logging.WithIDs(runCtx, st.WorkflowID, st.OwnerID, st.TraceID)
	started := time.Now().UTC()
	o.logger.InfoContext(runCtx, "workflow execution started", slog.String("workflow_type", st.WorkflowType))

	container := o.factory.New(st.WorkflowType, reg.Step, reg.Limits.Merge(limits))
	out := o.boundary.Execute(runCtx, container.StepFunc(), st, nil)

	// Writes happen even when the run was cancelled.
	writeCtx := context.WithoutCancel(runCtx)
	res := &ExecutionResult{
		WorkflowID:  id,
		RetryCount:  out.RetryCount,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
	if out.Failed() {
		if err := o.recordFailure(writeCtx, id, out); err != nil {
			return nil, err
		}
		res.Error = out.Error
		res.Output = out.Output
		if scheduleRecovery && o.cfg.AutoRecover && out.Error.Recoverable {
			at := o.recovery.Schedule(writeCtx, id, o.cfg.RecoveryDelay, schema.TriggerWorkflowFailed, recovery.AttemptOptions{})
			res.RecoveryAt = &at
		}
		o.logger.WarnContext(runCtx, "workflow execution failed",
			slog.String("error_type", out.Error.Type),
			slog.Bool("recoverable", out.Error.Recoverable),
			slog.Int("retry_count", out.RetryCount))
	} else {
		if err := o.recordSuccess(writeCtx, id, out); err != nil {
			return nil, err
		}
		res.Output = out.Output
		o.logger.InfoContext(runCtx, "workflow execution completed",
			slog.Duration("elapsed", res.CompletedAt.Sub(started)))
	}

	status, err := o.store.Status(id)
	if err != nil {
		return nil, err
	}
	res.Status = status
	return res, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, id string, out *schema.WorkflowState) error {
	retries := out.RetryCount
	return o.store.Update(ctx, id, schema.StatePatch{
		Output:         out.Output,
		Error:          out.Error,
		RetryCount:     &retries,
		LastError:      &out.LastError,
		RetryTimestamp: out.RetryTimestamp,
		Metrics:        out.Metrics,
	}, "")
}

func (o *Orchestrator) recordSuccess(ctx context.Context, id string, out *schema.WorkflowState) error {
	retries := out.RetryCount
	patch := schema.StatePatch{
		StructuredOutput: out.StructuredOutput,
		ClearError:       true,
		RetryCount:       &retries,
		Metrics:          out.Metrics,
		Metadata:         out.Metadata,
	}
	if out.CurrentStep != "" {
		step := out.CurrentStep
		patch.CurrentStep = &step
	}
	if err := o.store.Update(ctx, id, patch, ""); err != nil {
		return err
	}
	err := o.store.Complete(ctx, id, out.Output)
	if schema.HasCode(err, schema.ErrCodeInvalidTransition) {
		// Suspended from outside while running; leave it for the operator.
		o.logger.WarnContext(ctx, "completed workflow not marked completed", slog.String("error", err.Error()))
		return nil
	}
	return err
}

// forward republishes store changes that moved a workflow's status.
func (o *Orchestrator) forward(ctx context.Context, c statestore.Change) error {
	if !c.StatusChanged() && c.Op != statestore.OpResume {
		return nil
	}
	return o.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		WorkflowID: c.WorkflowID,
		OwnerID:    c.OwnerID,
		EventType:  c.Event,
		Payload: map[string]any{
			"op":              c.Op,
			"workflow_type":   c.WorkflowType,
			"status":          string(c.Status),
			"previous_status": string(c.PreviousStatus),
		},
	})
}

// Store exposes the state store.
func (o *Orchestrator) Store() *statestore.Store { return o.store }

// Boundary exposes the error boundary.
func (o *Orchestrator) Boundary() *engine.Boundary { return o.boundary }

// Recovery exposes the recovery service.
func (o *Orchestrator) Recovery() *recovery.Service { return o.recovery }
