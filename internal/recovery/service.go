package recovery

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/bulwark/internal/expressions"
	"github.com/rendis/bulwark/internal/logging"
	"github.com/rendis/bulwark/internal/statestore"
	"github.com/rendis/bulwark/internal/streaming"
	"github.com/rendis/bulwark/pkg/schema"
)

// Store is the slice of the state store the recovery service drives.
type Store interface {
	Get(ctx context.Context, id string) (*schema.WorkflowState, error)
	Metadata(id string) (schema.WorkflowMetadata, error)
	Update(ctx context.Context, id string, patch schema.StatePatch, checkpoint string) error
	Recover(ctx context.Context, id, name string) (*schema.WorkflowState, error)
	Suspend(ctx context.Context, id, reason string) error
	Complete(ctx context.Context, id string, output map[string]any) error
	List(filter statestore.ListFilter) []schema.WorkflowMetadata
}

// Resumer re-runs a workflow from its current stored state.
type Resumer interface {
	ResumeWorkflow(ctx context.Context, id string) error
}

// RecoveryHandler is a custom fallback for one workflow type. Returning
// false (or an error) lets the service synthesize a fallback completion.
type RecoveryHandler interface {
	Recover(ctx context.Context, workflowID string, state *schema.WorkflowState) (bool, error)
}

// RecoveryHandlerFunc adapts a function to RecoveryHandler.
type RecoveryHandlerFunc func(ctx context.Context, workflowID string, state *schema.WorkflowState) (bool, error)

// Recover implements RecoveryHandler.
func (f RecoveryHandlerFunc) Recover(ctx context.Context, workflowID string, state *schema.WorkflowState) (bool, error) {
	return f(ctx, workflowID, state)
}

// ErrorCounter reports how many errors a workflow raised recently.
type ErrorCounter interface {
	CountFor(workflowID string, window time.Duration) int
}

// AttemptLog receives every finished attempt, e.g. for durable audit.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, attempt *schema.RecoveryAttempt) error
}

// Config tunes the recovery service.
type Config struct {
	MaxRecoveryAttempts int           `json:"max_recovery_attempts" yaml:"max_recovery_attempts"`
	RetryBaseDelay      time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay       time.Duration `json:"retry_max_delay" yaml:"retry_max_delay"`
	BackoffMultiplier   float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	CircuitBreakDelay   time.Duration `json:"circuit_break_delay" yaml:"circuit_break_delay"`
	PollInterval        time.Duration `json:"poll_interval" yaml:"poll_interval"`
	PoolSize            int           `json:"pool_size" yaml:"pool_size"`
	BatchSize           int           `json:"batch_size" yaml:"batch_size"`
	BatchDelay          time.Duration `json:"batch_delay" yaml:"batch_delay"`
	// AttemptWindow bounds which attempts count as recent for batch eligibility.
	AttemptWindow time.Duration `json:"attempt_window" yaml:"attempt_window"`
	// A non-recoverable failure with at least RecentErrorThreshold errors
	// inside RecentErrorWindow is circuit-broken instead of falling back.
	RecentErrorWindow    time.Duration              `json:"recent_error_window" yaml:"recent_error_window"`
	RecentErrorThreshold int                        `json:"recent_error_threshold" yaml:"recent_error_threshold"`
	TypeStrategies       map[string]schema.Strategy `json:"type_strategies" yaml:"type_strategies"`
}

// DefaultConfig returns the stock recovery settings.
func DefaultConfig() Config {
	return Config{
		MaxRecoveryAttempts:  3,
		RetryBaseDelay:       30 * time.Second,
		RetryMaxDelay:        300 * time.Second,
		BackoffMultiplier:    2,
		CircuitBreakDelay:    300 * time.Second,
		PollInterval:         10 * time.Second,
		PoolSize:             4,
		BatchSize:            10,
		BatchDelay:           time.Second,
		AttemptWindow:        time.Hour,
		RecentErrorWindow:    5 * time.Minute,
		RecentErrorThreshold: 3,
		TypeStrategies: map[string]schema.Strategy{
			"briefing": schema.StrategyFallback,
			"task":     schema.StrategyEscalate,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.CircuitBreakDelay <= 0 {
		c.CircuitBreakDelay = def.CircuitBreakDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = def.AttemptWindow
	}
	if c.RecentErrorWindow <= 0 {
		c.RecentErrorWindow = def.RecentErrorWindow
	}
	if c.RecentErrorThreshold <= 0 {
		c.RecentErrorThreshold = def.RecentErrorThreshold
	}
	if c.TypeStrategies == nil {
		c.TypeStrategies = def.TypeStrategies
	}
	return c
}

// AttemptOptions pins the checkpoint and/or strategy of one attempt.
type AttemptOptions struct {
	Checkpoint string
	Strategy   schema.Strategy
}

// Stats summarises recovery activity since start.
type Stats struct {
	Total       int                     `json:"total"`
	Succeeded   int                     `json:"succeeded"`
	Failed      int                     `json:"failed"`
	Skipped     int                     `json:"skipped"`
	SuccessRate float64                 `json:"success_rate"`
	Active      int                     `json:"active"`
	Scheduled   int                     `json:"scheduled"`
	ByStrategy  map[schema.Strategy]int `json:"by_strategy"`
	Pool        PoolStats               `json:"pool"`
}

// Service restores failed workflows. At most one recovery runs per workflow
// at a time.
type Service struct {
	cfg     Config
	store   Store
	errors  ErrorCounter
	hub     streaming.EventHub
	log     AttemptLog
	logger  *slog.Logger
	rules   *expressions.ExprEngine
	jq      *expressions.GoJQEngine
	pool    *Pool
	nowFunc func() time.Time

	mu         sync.Mutex
	resumer    Resumer
	active     map[string]*schema.RecoveryAttempt
	attempts   map[string][]*schema.RecoveryAttempt
	scheduled  map[string]*ScheduledRecovery
	handlers   map[string]RecoveryHandler
	policies   map[string]Policy
	byStrategy map[schema.Strategy]int

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(logger) }
}

// WithResumer sets the component that re-runs recovered workflows.
func WithResumer(r Resumer) Option {
	return func(s *Service) { s.resumer = r }
}

// WithErrorCounter feeds recent error counts into strategy selection.
func WithErrorCounter(c ErrorCounter) Option {
	return func(s *Service) { s.errors = c }
}

// WithEventHub publishes recovery lifecycle events.
func WithEventHub(hub streaming.EventHub) Option {
	return func(s *Service) { s.hub = hub }
}

// WithAttemptLog appends finished attempts to log.
func WithAttemptLog(log AttemptLog) Option {
	return func(s *Service) { s.log = log }
}

// WithPolicies installs per-type policies.
func WithPolicies(policies map[string]Policy) Option {
	return func(s *Service) {
		for k, v := range policies {
			s.policies[k] = v
		}
	}
}

// NewService creates a recovery service over store.
func NewService(store Store, cfg Config, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:        cfg,
		store:      store,
		logger:     logging.NewNop(),
		rules:      expressions.NewExprEngine(),
		jq:         expressions.NewGoJQEngine(),
		pool:       NewPool(cfg.PoolSize),
		nowFunc:    time.Now,
		active:     make(map[string]*schema.RecoveryAttempt),
		attempts:   make(map[string][]*schema.RecoveryAttempt),
		scheduled:  make(map[string]*ScheduledRecovery),
		handlers:   make(map[string]RecoveryHandler),
		policies:   make(map[string]Policy),
		byStrategy: make(map[schema.Strategy]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetResumer wires the resumer after construction, for callers that build
// the service before the component that resumes workflows.
func (s *Service) SetResumer(r Resumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumer = r
}

// RegisterHandler sets the custom fallback of a workflow type.
func (s *Service) RegisterHandler(workflowType string, h RecoveryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[workflowType] = h
}

// SetPolicies replaces every policy at once.
func (s *Service) SetPolicies(policies map[string]Policy) {
	next := make(map[string]Policy, len(policies))
	for k, v := range policies {
		next[k] = v
	}
	s.mu.Lock()
	s.policies = next
	s.mu.Unlock()
	s.logger.Info("recovery policies updated", slog.Int("count", len(next)))
}

// Policy returns the policy of a workflow type, if any.
func (s *Service) Policy(workflowType string) (Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[workflowType]
	return p, ok
}

// AttemptRecovery runs one recovery of workflow id. When a recovery of id is
// already running the running attempt is returned unchanged.
func (s *Service) AttemptRecovery(ctx context.Context, id string, trigger schema.RecoveryTrigger, opts AttemptOptions) (*schema.RecoveryAttempt, error) {
	s.mu.Lock()
	if running, ok := s.active[id]; ok {
		cp := *running
		s.mu.Unlock()
		return &cp, nil
	}
	attempt := &schema.RecoveryAttempt{
		ID:            uuid.NewString(),
		WorkflowID:    id,
		Trigger:       trigger,
		Strategy:      opts.Strategy,
		Status:        schema.RecoveryStatusInProgress,
		Checkpoint:    opts.Checkpoint,
		AttemptNumber: len(s.attempts[id]) + 1,
		CreatedAt:     s.nowFunc().UTC(),
	}
	s.active[id] = attempt
	delete(s.scheduled, id)
	s.mu.Unlock()

	ctx = logging.WithWorkflowID(ctx, id)

	st, err := s.store.Get(ctx, id)
	if err != nil {
		s.finish(ctx, attempt, nil, schema.RecoveryStatusFailure, err.Error())
		return nil, err
	}
	meta, err := s.store.Metadata(id)
	if err != nil {
		s.finish(ctx, attempt, nil, schema.RecoveryStatusFailure, err.Error())
		return nil, err
	}
	ctx = logging.WithIDs(ctx, id, st.OwnerID, st.TraceID)

	policy, _ := s.Policy(st.WorkflowType)
	strategy := opts.Strategy
	if !strategy.Valid() {
		strategy = s.selectStrategy(ctx, st, meta, policy, attempt.AttemptNumber-1)
	}
	s.mu.Lock()
	attempt.Strategy = strategy
	s.mu.Unlock()
	s.publish(ctx, schema.EventRecoveryStarted, st, map[string]any{
		"attempt_id": attempt.ID,
		"strategy":   string(strategy),
		"trigger":    string(trigger),
	})
	s.logger.InfoContext(ctx, "recovery started",
		slog.String("attempt_id", attempt.ID),
		slog.String("strategy", string(strategy)),
		slog.String("trigger", string(trigger)),
		slog.Int("attempt", attempt.AttemptNumber))

	status, msg := s.execute(ctx, strategy, opts.Checkpoint, attempt.AttemptNumber, st, policy)
	s.finish(ctx, attempt, st, status, msg)

	s.mu.Lock()
	cp := *attempt
	s.mu.Unlock()
	return &cp, nil
}

// selectStrategy picks a strategy: policy rules and default first, then the
// workflow's error info, then the static per-type map. Retry otherwise.
func (s *Service) selectStrategy(ctx context.Context, st *schema.WorkflowState, meta schema.WorkflowMetadata, policy Policy, priorAttempts int) schema.Strategy {
	recent := 0
	if s.errors != nil {
		recent = s.errors.CountFor(st.WorkflowID, s.cfg.RecentErrorWindow)
	}

	if len(policy.Rules) > 0 {
		env := ruleEnv(st, meta.Status, recent, priorAttempts)
		for _, rule := range policy.Rules {
			ok, err := expressions.EvaluateBool(ctx, s.rules, rule.When, env)
			if err != nil {
				s.logger.WarnContext(ctx, "recovery rule failed",
					slog.String("when", rule.When), slog.String("error", err.Error()))
				continue
			}
			if ok && rule.Strategy.Valid() {
				return rule.Strategy
			}
		}
	}
	if policy.DefaultStrategy.Valid() {
		return policy.DefaultStrategy
	}

	if info := st.Error; info != nil {
		switch {
		case info.Recoverable && st.RetryCount < 2:
			return schema.StrategyRetry
		case info.Recoverable:
			return schema.StrategyFallback
		case recent >= s.cfg.RecentErrorThreshold:
			return schema.StrategyCircuitBreak
		default:
			return schema.StrategyFallback
		}
	}

	if strategy, ok := s.cfg.TypeStrategies[st.WorkflowType]; ok && strategy.Valid() {
		return strategy
	}
	return schema.StrategyRetry
}

func (s *Service) finish(ctx context.Context, attempt *schema.RecoveryAttempt, st *schema.WorkflowState, status schema.RecoveryStatus, msg string) {
	now := s.nowFunc().UTC()

	s.mu.Lock()
	attempt.CompletedAt = &now
	attempt.Message = msg
	attempt.Status = status
	s.attempts[attempt.WorkflowID] = append(s.attempts[attempt.WorkflowID], attempt)
	delete(s.active, attempt.WorkflowID)
	if attempt.Strategy != "" {
		s.byStrategy[attempt.Strategy]++
	}
	record := *attempt
	s.mu.Unlock()

	if s.log != nil {
		if err := s.log.RecordAttempt(context.WithoutCancel(ctx), &record); err != nil {
			s.logger.WarnContext(ctx, "attempt log write failed", slog.String("error", err.Error()))
		}
	}

	level := slog.LevelInfo
	if record.Status == schema.RecoveryStatusFailure {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "recovery finished",
		slog.String("attempt_id", record.ID),
		slog.String("status", string(record.Status)),
		slog.String("message", msg))

	if st == nil {
		return
	}
	s.publish(ctx, schema.EventRecoveryCompleted, st, map[string]any{
		"attempt_id": record.ID,
		"strategy":   string(record.Strategy),
		"status":     string(record.Status),
		"message":    msg,
	})

	if record.Status == schema.RecoveryStatusFailure {
		s.rescheduleAfterFailure(ctx, st, record)
	}
}

// rescheduleAfterFailure queues another retry after
// min(max, base * mult^attempts) while attempts remain.
func (s *Service) rescheduleAfterFailure(ctx context.Context, st *schema.WorkflowState, attempt schema.RecoveryAttempt) {
	policy, _ := s.Policy(st.WorkflowType)
	maxAttempts := s.cfg.MaxRecoveryAttempts
	if policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}
	if attempt.AttemptNumber >= maxAttempts {
		s.logger.WarnContext(ctx, "recovery attempts exhausted", slog.Int("attempts", attempt.AttemptNumber))
		return
	}
	delay := s.retryDelay(policy, attempt.AttemptNumber)
	s.Schedule(ctx, st.WorkflowID, delay, schema.TriggerScheduledRetry, AttemptOptions{Strategy: schema.StrategyRetry})
}

func (s *Service) retryDelay(policy Policy, attempts int) time.Duration {
	base, ceiling, mult := s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, s.cfg.BackoffMultiplier
	if policy.BaseDelay > 0 {
		base = policy.BaseDelay
	}
	if policy.MaxDelay > 0 {
		ceiling = policy.MaxDelay
	}
	if policy.BackoffMultiplier >= 1 {
		mult = policy.BackoffMultiplier
	}
	raw := float64(base) * math.Pow(mult, float64(attempts))
	if raw > float64(ceiling) || math.IsInf(raw, 1) {
		return ceiling
	}
	return time.Duration(raw)
}

// Attempts returns the finished attempts of a workflow, oldest first.
func (s *Service) Attempts(id string) []schema.RecoveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.RecoveryAttempt, 0, len(s.attempts[id]))
	for _, a := range s.attempts[id] {
		out = append(out, *a)
	}
	return out
}

// Active reports whether a recovery of id is running.
func (s *Service) Active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// Stats returns the recovery counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Active:     len(s.active),
		Scheduled:  len(s.scheduled),
		ByStrategy: make(map[schema.Strategy]int, len(s.byStrategy)),
		Pool:       s.pool.Stats(),
	}
	for k, v := range s.byStrategy {
		st.ByStrategy[k] = v
	}
	for _, list := range s.attempts {
		for _, a := range list {
			st.Total++
			switch a.Status {
			case schema.RecoveryStatusSuccess:
				st.Succeeded++
			case schema.RecoveryStatusFailure:
				st.Failed++
			case schema.RecoveryStatusSkipped:
				st.Skipped++
			}
		}
	}
	if decided := st.Succeeded + st.Failed; decided > 0 {
		st.SuccessRate = float64(st.Succeeded) / float64(decided)
	}
	return st
}

func (s *Service) recentAttempts(id string, now time.Time) int {
	cutoff := now.Add(-s.cfg.AttemptWindow)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts[id] {
		if !a.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n
}

func (s *Service) publish(ctx context.Context, eventType string, st *schema.WorkflowState, payload map[string]any) {
	if s.hub == nil {
		return
	}
	_ = s.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		WorkflowID: st.WorkflowID,
		OwnerID:    st.OwnerID,
		EventType:  eventType,
		Payload:    payload,
	})
}

func sortedScheduled(m map[string]*ScheduledRecovery) []ScheduledRecovery {
	out := make([]ScheduledRecovery, 0, len(m))
	for _, e := range m {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}
