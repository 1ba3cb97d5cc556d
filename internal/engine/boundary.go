package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/bulwark/internal/logging"
	"github.com/rendis/bulwark/internal/streaming"
	"github.com/rendis/bulwark/pkg/schema"
)

// StepFunc runs (part of) a workflow and returns the next state.
type StepFunc func(ctx context.Context, state *schema.WorkflowState) (*schema.WorkflowState, error)

// FallbackHandler produces a degraded result after a non-retryable failure.
type FallbackHandler interface {
	Fallback(ctx context.Context, state *schema.WorkflowState, cause error) (*schema.WorkflowState, error)
}

// FallbackFunc adapts a function to FallbackHandler.
type FallbackFunc func(ctx context.Context, state *schema.WorkflowState, cause error) (*schema.WorkflowState, error)

// Fallback implements FallbackHandler.
func (f FallbackFunc) Fallback(ctx context.Context, state *schema.WorkflowState, cause error) (*schema.WorkflowState, error) {
	return f(ctx, state, cause)
}

// BoundaryConfig tunes retries, breakers and escalation.
type BoundaryConfig struct {
	// MaxRetryAttempts is the number of retries after the first attempt.
	MaxRetryAttempts int                  `json:"max_retry_attempts" yaml:"max_retry_attempts"`
	Backoff          BackoffConfig        `json:"backoff" yaml:"backoff"`
	Breaker          CircuitBreakerConfig `json:"breaker" yaml:"breaker"`
	// HistoryWindow bounds how long error records are kept.
	HistoryWindow time.Duration `json:"history_window" yaml:"history_window"`
	HistoryMax    int           `json:"history_max" yaml:"history_max"`
	// Escalate once EscalationThreshold or more errors landed within EscalationWindow.
	EscalationThreshold   int           `json:"escalation_threshold" yaml:"escalation_threshold"`
	EscalationWindow      time.Duration `json:"escalation_window" yaml:"escalation_window"`
	CriticalWorkflowTypes []string      `json:"critical_workflow_types" yaml:"critical_workflow_types"`
}

// DefaultBoundaryConfig returns the stock boundary settings.
func DefaultBoundaryConfig() BoundaryConfig {
	return BoundaryConfig{
		MaxRetryAttempts:    3,
		Backoff:             DefaultBackoffConfig(),
		Breaker:             DefaultCircuitBreakerConfig(),
		HistoryWindow:       300 * time.Second,
		HistoryMax:          1000,
		EscalationThreshold: 10,
		EscalationWindow:    5 * time.Minute,
	}
}

func (c BoundaryConfig) withDefaults() BoundaryConfig {
	def := DefaultBoundaryConfig()
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if len(c.Backoff.BaseDelays) == 0 {
		c.Backoff.BaseDelays = def.Backoff.BaseDelays
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = def.HistoryWindow
	}
	if c.HistoryMax <= 0 {
		c.HistoryMax = def.HistoryMax
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = def.EscalationThreshold
	}
	if c.EscalationWindow <= 0 {
		c.EscalationWindow = def.EscalationWindow
	}
	return c
}

// BoundaryStats counts boundary outcomes since start.
type BoundaryStats struct {
	Executions    int64 `json:"executions"`
	Successes     int64 `json:"successes"`
	Failures      int64 `json:"failures"`
	Retries       int64 `json:"retries"`
	Fallbacks     int64 `json:"fallbacks"`
	Escalations   int64 `json:"escalations"`
	FailFasts     int64 `json:"fail_fasts"`
	ShortCircuits int64 `json:"short_circuits"`
	Cancellations int64 `json:"cancellations"`
}

// Boundary wraps step execution with classification, retries, fallbacks and
// per-(type, owner) circuit breaking. Execute never returns an error: failures
// come back as an error-state.
type Boundary struct {
	cfg        BoundaryConfig
	classifier *Classifier
	breakers   *CircuitBreakerRegistry
	history    *ErrorHistory
	hub        streaming.EventHub
	logger     *slog.Logger

	mu        sync.RWMutex
	fallbacks map[string]FallbackHandler

	stats BoundaryStats
}

// BoundaryOption configures a Boundary.
type BoundaryOption func(*Boundary)

// WithLogger sets the boundary logger.
func WithLogger(logger *slog.Logger) BoundaryOption {
	return func(b *Boundary) { b.logger = logging.OrNop(logger) }
}

// WithEventHub publishes retries, fallbacks, escalations and breaker
// transitions to hub.
func WithEventHub(hub streaming.EventHub) BoundaryOption {
	return func(b *Boundary) { b.hub = hub }
}

// NewBoundary creates a Boundary. Zero config fields take their defaults.
func NewBoundary(cfg BoundaryConfig, opts ...BoundaryOption) *Boundary {
	cfg = cfg.withDefaults()
	b := &Boundary{
		cfg:        cfg,
		classifier: NewClassifier(cfg.CriticalWorkflowTypes...),
		breakers:   NewCircuitBreakerRegistry(cfg.Breaker),
		history:    NewErrorHistory(cfg.HistoryWindow, cfg.HistoryMax),
		logger:     logging.NewNop(),
		fallbacks:  make(map[string]FallbackHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.breakers.OnStateChange(b.onBreakerChange)
	return b
}

// Breakers exposes the breaker registry.
func (b *Boundary) Breakers() *CircuitBreakerRegistry { return b.breakers }

// History exposes the error history.
func (b *Boundary) History() *ErrorHistory { return b.history }

// Classifier exposes the classifier.
func (b *Boundary) Classifier() *Classifier { return b.classifier }

// RegisterFallback sets the default fallback for a workflow type.
func (b *Boundary) RegisterFallback(workflowType string, h FallbackHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallbacks[workflowType] = h
}

func (b *Boundary) fallbackFor(workflowType string) FallbackHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fallbacks[workflowType]
}

// Stats returns a snapshot of the outcome counters.
func (b *Boundary) Stats() BoundaryStats {
	return BoundaryStats{
		Executions:    atomic.LoadInt64(&b.stats.Executions),
		Successes:     atomic.LoadInt64(&b.stats.Successes),
		Failures:      atomic.LoadInt64(&b.stats.Failures),
		Retries:       atomic.LoadInt64(&b.stats.Retries),
		Fallbacks:     atomic.LoadInt64(&b.stats.Fallbacks),
		Escalations:   atomic.LoadInt64(&b.stats.Escalations),
		FailFasts:     atomic.LoadInt64(&b.stats.FailFasts),
		ShortCircuits: atomic.LoadInt64(&b.stats.ShortCircuits),
		Cancellations: atomic.LoadInt64(&b.stats.Cancellations),
	}
}

// Execute runs step under the boundary. fallback overrides the handler
// registered for the workflow type; both may be nil.
func (b *Boundary) Execute(ctx context.Context, step StepFunc, state *schema.WorkflowState, fallback FallbackHandler) *schema.WorkflowState {
	atomic.AddInt64(&b.stats.Executions, 1)
	ctx = logging.WithIDs(ctx, state.WorkflowID, state.OwnerID, state.TraceID)
	key := BreakerKey(state.WorkflowType, state.OwnerID)

	if err := b.breakers.AllowRequest(key); err != nil {
		atomic.AddInt64(&b.stats.ShortCircuits, 1)
		b.logger.WarnContext(ctx, "execution short-circuited", slog.String("breaker", key))
		return b.errorState(state, err, Classification{
			ErrorType:   schema.ErrCodeCircuitOpen,
			Severity:    schema.SeverityHigh,
			Category:    schema.CategorySystem,
			Recoverable: true,
		}, "workflow temporarily unavailable after repeated failures")
	}

	if fallback == nil {
		fallback = b.fallbackFor(state.WorkflowType)
	}

	current := state.Clone()
	for attempt := 0; attempt <= b.cfg.MaxRetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return b.cancelledState(ctx, current, err)
		}

		out, err := invoke(ctx, step, current)
		if err == nil {
			b.breakers.RecordSuccess(key)
			b.history.Prune(time.Now())
			atomic.AddInt64(&b.stats.Successes, 1)
			if out == nil {
				out = current
			}
			return out
		}
		if isCancellation(ctx, err) {
			return b.cancelledState(ctx, current, err)
		}

		cl := b.classifier.Classify(err, state.WorkflowType)
		b.history.Add(ErrorRecord{
			Type:            cl.ErrorType,
			Severity:        cl.Severity,
			Category:        cl.Category,
			OwnerID:         state.OwnerID,
			WorkflowID:      state.WorkflowID,
			WorkflowType:    state.WorkflowType,
			Message:         err.Error(),
			Recoverable:     cl.Recoverable,
			CircuitBreaking: cl.CircuitBreaking,
		})

		strategy := b.selectStrategy(cl, attempt, fallback != nil)
		b.logger.WarnContext(ctx, "step failed",
			slog.Int("attempt", attempt),
			slog.String("strategy", string(strategy)),
			slog.String("severity", string(cl.Severity)),
			slog.String("category", string(cl.Category)),
			slog.String("error", err.Error()))

		switch strategy {
		case schema.StrategyFailFast:
			atomic.AddInt64(&b.stats.FailFasts, 1)
			return b.fail(ctx, key, current, err, cl)

		case schema.StrategyCircuitBreak:
			return b.fail(ctx, key, current, err, cl)

		case schema.StrategyEscalate:
			atomic.AddInt64(&b.stats.Escalations, 1)
			b.publish(ctx, schema.EventErrorEscalated, state, map[string]any{
				"error":         err.Error(),
				"severity":      string(cl.Severity),
				"category":      string(cl.Category),
				"recent_errors": b.history.RecentCount(b.cfg.EscalationWindow),
			})
			b.logger.ErrorContext(ctx, "error escalated", slog.String("error", err.Error()))

		case schema.StrategyFallback:
			res, ferr := invokeFallback(ctx, fallback, current, err)
			if ferr == nil {
				atomic.AddInt64(&b.stats.Fallbacks, 1)
				b.publish(ctx, schema.EventStepFallback, state, map[string]any{"error": err.Error()})
				if res == nil {
					res = current
				}
				return res
			}
			b.logger.WarnContext(ctx, "fallback failed", slog.String("error", ferr.Error()))
		}

		if !cl.Retryable || attempt == b.cfg.MaxRetryAttempts {
			return b.fail(ctx, key, current, err, cl)
		}

		now := time.Now().UTC()
		current.RetryCount = attempt + 1
		current.LastError = err.Error()
		current.RetryTimestamp = &now
		atomic.AddInt64(&b.stats.Retries, 1)

		delay := ComputeBackoff(b.cfg.Backoff, attempt, cl.Severity)
		b.publish(ctx, schema.EventStepRetrying, state, map[string]any{
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		if err := WaitForBackoff(ctx, delay); err != nil {
			return b.cancelledState(ctx, current, err)
		}
	}

	// Unreachable: the last attempt always returns.
	return current
}

// selectStrategy picks the response to one failure. Branch order matters.
func (b *Boundary) selectStrategy(cl Classification, attempt int, hasFallback bool) schema.Strategy {
	switch {
	case cl.Severity == schema.SeverityCritical:
		return schema.StrategyFailFast
	case cl.Severity.AtLeast(schema.SeverityHigh) && attempt >= 2:
		return schema.StrategyCircuitBreak
	case !cl.Retryable && hasFallback:
		return schema.StrategyFallback
	case b.history.RecentCount(b.cfg.EscalationWindow) >= b.cfg.EscalationThreshold:
		return schema.StrategyEscalate
	default:
		return schema.StrategyRetry
	}
}

// fail records one breaker failure and builds the error-state.
func (b *Boundary) fail(ctx context.Context, key string, st *schema.WorkflowState, err error, cl Classification) *schema.WorkflowState {
	atomic.AddInt64(&b.stats.Failures, 1)
	if b.breakers.RecordFailure(key) == CircuitOpen {
		b.logger.WarnContext(ctx, "circuit open", slog.String("breaker", key))
	}
	return b.errorState(st, err, cl, "")
}

func (b *Boundary) cancelledState(ctx context.Context, st *schema.WorkflowState, err error) *schema.WorkflowState {
	atomic.AddInt64(&b.stats.Cancellations, 1)
	b.logger.InfoContext(ctx, "execution cancelled", slog.String("error", err.Error()))
	return b.errorState(st, err, Classification{
		ErrorType: schema.ErrCodeCancelled,
		Severity:  schema.SeverityLow,
		Category:  schema.CategorySystem,
	}, "workflow cancelled")
}

// errorState synthesizes the failure result. message overrides the error text
// shown to users when non-empty.
func (b *Boundary) errorState(st *schema.WorkflowState, err error, cl Classification, message string) *schema.WorkflowState {
	out := st.Clone()
	details := map[string]any{
		"workflow_type": st.WorkflowType,
		"owner_id":      st.OwnerID,
		"current_step":  st.CurrentStep,
		"trace_id":      st.TraceID,
		"retry_count":   st.RetryCount,
		"cause":         err.Error(),
	}
	if message == "" {
		message = err.Error()
		if wfErr, ok := schema.AsWorkflowError(err); ok {
			message = wfErr.Message
			for k, v := range wfErr.Details {
				details[k] = v
			}
		}
	}
	out.Fail(schema.ErrorInfo{
		Message:     message,
		Type:        cl.ErrorType,
		Severity:    cl.Severity,
		Category:    cl.Category,
		Recoverable: cl.Recoverable,
		Context:     details,
	}, schema.SuggestedActions(cl.ErrorType, cl.Category))
	return out
}

func (b *Boundary) publish(ctx context.Context, eventType string, st *schema.WorkflowState, payload map[string]any) {
	if b.hub == nil {
		return
	}
	_ = b.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		WorkflowID: st.WorkflowID,
		OwnerID:    st.OwnerID,
		EventType:  eventType,
		Payload:    payload,
	})
}

func (b *Boundary) onBreakerChange(key string, from, to CircuitState) {
	b.logger.Info("circuit breaker transition",
		slog.String("breaker", key), slog.String("from", from.String()), slog.String("to", to.String()))
	if b.hub == nil {
		return
	}
	eventType := schema.EventCircuitBreakerClosed
	if to == CircuitOpen {
		eventType = schema.EventCircuitBreakerOpen
	} else if to != CircuitClosed {
		return
	}
	workflowType, owner, _ := strings.Cut(key, ":")
	_ = b.hub.Publish(context.Background(), streaming.StreamEvent{
		OwnerID:   owner,
		EventType: eventType,
		Payload:   map[string]any{"breaker": key, "workflow_type": workflowType, "from": from.String()},
	})
}

func invoke(ctx context.Context, step StepFunc, st *schema.WorkflowState) (out *schema.WorkflowState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodePanic, "step panicked: %v", r)
		}
	}()
	return step(ctx, st.Clone())
}

func invokeFallback(ctx context.Context, h FallbackHandler, st *schema.WorkflowState, cause error) (out *schema.WorkflowState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fallback panicked: %v", r)
		}
	}()
	return h.Fallback(ctx, st.Clone(), cause)
}

func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) || schema.HasCode(err, schema.ErrCodeCancelled) {
		return true
	}
	return ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded)
}
