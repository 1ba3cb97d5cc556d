package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/bulwark/internal/engine"
	"github.com/rendis/bulwark/internal/logging"
	"github.com/rendis/bulwark/pkg/schema"
)

var (
	errDeadline  = errors.New("isolation: execution deadline exceeded")
	errToolLimit = errors.New("isolation: concurrent tool ceiling exceeded")
)

const defaultMonitorInterval = time.Second

// Container runs one workflow step function under a deadline and a resource
// monitor. Execute never fails: every failure mode comes back as an
// error-state.
type Container struct {
	step       engine.StepFunc
	limits     ResourceLimits
	classifier *engine.Classifier
	logger     *slog.Logger
	interval   time.Duration
}

// ContainerOption configures a Container.
type ContainerOption func(*Container)

// WithLogger sets the container logger.
func WithLogger(logger *slog.Logger) ContainerOption {
	return func(c *Container) { c.logger = logging.OrNop(logger) }
}

// WithMonitorInterval overrides how often the resource monitor samples.
func WithMonitorInterval(d time.Duration) ContainerOption {
	return func(c *Container) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithClassifier sets the classifier used to grade failures.
func WithClassifier(cl *engine.Classifier) ContainerOption {
	return func(c *Container) {
		if cl != nil {
			c.classifier = cl
		}
	}
}

// NewContainer wraps step with limits.
func NewContainer(step engine.StepFunc, limits ResourceLimits, opts ...ContainerOption) *Container {
	c := &Container{
		step:       step,
		limits:     limits,
		classifier: engine.NewClassifier(),
		logger:     logging.NewNop(),
		interval:   defaultMonitorInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limits returns the effective limits.
func (c *Container) Limits() ResourceLimits { return c.limits }

type stepResult struct {
	state *schema.WorkflowState
	err   error
}

// Execute runs the step with state and returns the final state.
func (c *Container) Execute(ctx context.Context, state *schema.WorkflowState) *schema.WorkflowState {
	ec := newExecutionContext(state, c.limits)
	ctx = logging.WithIDs(ctx, state.WorkflowID, state.OwnerID, state.TraceID)

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	if c.limits.MaxExecutionTime > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, c.limits.MaxExecutionTime, errDeadline)
		defer stop()
	}
	runCtx = WithExecutionContext(runCtx, ec)

	monitorCtx, stopMonitor := context.WithCancel(runCtx)
	g, gctx := errgroup.WithContext(monitorCtx)
	g.Go(func() error {
		c.monitor(gctx, ec, abort)
		return nil
	})

	res := c.run(runCtx, state)

	stopMonitor()
	_ = g.Wait()

	return c.finish(runCtx, ec, state, res)
}

// StepFunc adapts the container into an engine step. Error-states are turned
// back into errors so the boundary can classify them.
func (c *Container) StepFunc() engine.StepFunc {
	return func(ctx context.Context, st *schema.WorkflowState) (*schema.WorkflowState, error) {
		out := c.Execute(ctx, st)
		if out.Failed() {
			return out, out.Error.Err()
		}
		return out, nil
	}
}

// run executes the step on its own goroutine so a step that ignores its
// context cannot hold the container past the deadline.
func (c *Container) run(ctx context.Context, state *schema.WorkflowState) stepResult {
	done := make(chan stepResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepResult{err: schema.NewErrorf(schema.ErrCodePanic, "step panicked: %v", r)}
			}
		}()
		out, err := c.step(ctx, state.Clone())
		done <- stepResult{state: out, err: err}
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return stepResult{err: context.Cause(ctx)}
	}
}

func (c *Container) finish(ctx context.Context, ec *ExecutionContext, state *schema.WorkflowState, res stepResult) *schema.WorkflowState {
	stats := ec.Stats()
	if res.err == nil {
		out := res.state
		if out == nil {
			out = state.Clone()
		}
		out.UpdatedAt = time.Now().UTC()
		recordStats(out, stats)
		return out
	}

	wfErr := c.wrap(ctx, state, res.err)
	c.logger.WarnContext(ctx, "isolated execution failed",
		slog.String("code", wfErr.Code),
		slog.Bool("recoverable", wfErr.Recoverable),
		slog.Duration("elapsed", stats.Elapsed),
		slog.String("error", wfErr.Error()))

	cl := c.classifier.Classify(wfErr, state.WorkflowType)
	out := state.Clone()
	out.Fail(schema.ErrorInfo{
		Message:     wfErr.Message,
		Type:        wfErr.Code,
		Severity:    cl.Severity,
		Category:    cl.Category,
		Recoverable: wfErr.Recoverable,
		Context:     wfErr.Details,
	}, schema.SuggestedActions(wfErr.Code, cl.Category))
	recordStats(out, stats)
	return out
}

// wrap converts any step failure into a WorkflowError carrying the execution
// context. Domain errors keep their recoverable flag; unknown errors are not
// recoverable.
func (c *Container) wrap(ctx context.Context, state *schema.WorkflowState, err error) *schema.WorkflowError {
	details := map[string]any{
		"workflow_type": state.WorkflowType,
		"owner_id":      state.OwnerID,
		"current_step":  state.CurrentStep,
		"trace_id":      state.TraceID,
	}

	if cause := context.Cause(ctx); cause != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = cause
	}

	switch {
	case errors.Is(err, errDeadline):
		return schema.NewErrorf(schema.ErrCodeTimeout,
			"workflow exceeded maximum execution time of %s", c.limits.MaxExecutionTime).
			WithCause(err).WithDetails(details)

	// A deadline the step or its caller set, not ours.
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewRecoverableError(schema.ErrCodeTimeout,
			fmt.Sprintf("%s step %q timed out: %v", state.WorkflowType, state.CurrentStep, err)).
			WithCause(err).WithDetails(details)

	case errors.Is(err, errToolLimit):
		return schema.NewErrorf(schema.ErrCodeResourceLimit,
			"workflow exceeded %d concurrent tool calls", c.limits.MaxConcurrentTools).
			WithCause(err).WithDetails(details).WithSeverity(schema.SeverityHigh)

	case errors.Is(err, context.Canceled), schema.HasCode(err, schema.ErrCodeCancelled):
		return schema.NewError(schema.ErrCodeCancelled, "workflow cancelled").
			WithCause(err).WithDetails(details)
	}

	if wfErr, ok := schema.AsWorkflowError(err); ok {
		out := *wfErr
		out.Details = nil
		return out.WithDetails(details).WithDetails(wfErr.Details)
	}
	return schema.NewError(schema.ErrCodeExecution, fmt.Sprintf("%s step %q: %v", state.WorkflowType, state.CurrentStep, err)).
		WithCause(err).WithDetails(details)
}

// monitor samples the execution context until ctx ends. Crossing 1.5x the
// tool limit aborts the run.
func (c *Container) monitor(ctx context.Context, ec *ExecutionContext, abort context.CancelCauseFunc) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var warnedTime, warnedTools, warnedMemory bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if budget := c.limits.MaxExecutionTime; budget > 0 && !warnedTime {
			if elapsed := ec.Elapsed(); elapsed > budget*9/10 {
				warnedTime = true
				msg := fmt.Sprintf("elapsed %s exceeds 90%% of %s budget", elapsed.Round(time.Millisecond), budget)
				ec.warn(msg)
				c.logger.WarnContext(ctx, msg)
			}
		}

		if limit := c.limits.MaxConcurrentTools; limit > 0 {
			active := ec.ActiveTools()
			if float64(active) > c.limits.hardToolCeiling() {
				msg := fmt.Sprintf("%d active tools exceeds hard ceiling of %.1f", active, c.limits.hardToolCeiling())
				ec.warn(msg)
				c.logger.ErrorContext(ctx, "aborting execution", slog.String("reason", msg))
				abort(errToolLimit)
				return
			}
			if active > limit && !warnedTools {
				msg := fmt.Sprintf("%d active tools exceeds limit of %d", active, limit)
				ec.warn(msg)
				c.logger.WarnContext(ctx, msg)
			}
			warnedTools = active > limit
		}

		if ceiling := c.limits.MaxMemoryBytes; ceiling > 0 && !warnedMemory {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			if m.HeapAlloc > ceiling {
				warnedMemory = true
				msg := fmt.Sprintf("heap %d bytes exceeds limit of %d", m.HeapAlloc, ceiling)
				ec.warn(msg)
				c.logger.WarnContext(ctx, msg)
			}
		}
	}
}

func recordStats(st *schema.WorkflowState, stats ExecutionStats) {
	if st.Metrics == nil {
		st.Metrics = make(map[string]any)
	}
	st.Metrics["execution_ms"] = stats.Elapsed.Milliseconds()
	st.Metrics["peak_tools"] = stats.PeakTools
	st.Metrics["tool_calls"] = stats.ToolCalls
	if len(stats.Warnings) > 0 {
		st.Metrics["resource_warnings"] = stats.Warnings
	}
}
