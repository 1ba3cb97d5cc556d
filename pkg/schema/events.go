package schema

// Event type constants published on the event hub.
const (
	EventWorkflowCreated   = "workflow_created"
	EventWorkflowUpdated   = "workflow_updated"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowSuspended = "workflow_suspended"
	EventWorkflowResumed   = "workflow_resumed"
	EventWorkflowRecovered = "workflow_recovered"
	EventWorkflowArchived  = "workflow_archived"

	EventStepRetrying   = "step_retrying"
	EventStepFallback   = "step_fallback"
	EventErrorEscalated = "error_escalated"

	EventCircuitBreakerOpen   = "circuit_breaker_open"
	EventCircuitBreakerClosed = "circuit_breaker_closed"

	EventRecoveryStarted   = "recovery_started"
	EventRecoveryCompleted = "recovery_completed"
	EventRecoveryScheduled = "recovery_scheduled"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusInitializing WorkflowStatus = "initializing"
	WorkflowStatusActive       WorkflowStatus = "active"
	WorkflowStatusSuspended    WorkflowStatus = "suspended"
	WorkflowStatusCompleted    WorkflowStatus = "completed"
	WorkflowStatusFailed       WorkflowStatus = "failed"
	WorkflowStatusRecovered    WorkflowStatus = "recovered"
	WorkflowStatusArchived     WorkflowStatus = "archived"
)

// AllWorkflowStatuses lists every status, in lifecycle order.
var AllWorkflowStatuses = []WorkflowStatus{
	WorkflowStatusInitializing,
	WorkflowStatusActive,
	WorkflowStatusSuspended,
	WorkflowStatusCompleted,
	WorkflowStatusFailed,
	WorkflowStatusRecovered,
	WorkflowStatusArchived,
}

// Severity grades how bad an error is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AllSeverities lists severities from least to most severe.
var AllSeverities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Escalate returns the next severity level, capped at critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Category groups errors by origin.
type Category string

const (
	CategoryUserInput   Category = "user_input"
	CategorySystem      Category = "system"
	CategoryExternalAPI Category = "external_api"
	CategoryDatabase    Category = "database"
	CategoryLLM         Category = "llm"
	CategoryAuth        Category = "auth"
	CategoryRateLimit   Category = "rate_limit"
	CategoryValidation  Category = "validation"
	CategoryNetwork     Category = "network"
	CategoryPermission  Category = "permission"
)

// Strategy is the action taken in response to a failure.
type Strategy string

const (
	StrategyRetry        Strategy = "retry"
	StrategyFallback     Strategy = "fallback"
	StrategyCircuitBreak Strategy = "circuit_break"
	StrategyEscalate     Strategy = "escalate"
	StrategyFailFast     Strategy = "fail_fast"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRetry, StrategyFallback, StrategyCircuitBreak, StrategyEscalate, StrategyFailFast:
		return true
	}
	return false
}

// RecoveryStatus is the lifecycle state of a recovery attempt.
type RecoveryStatus string

const (
	RecoveryStatusPending    RecoveryStatus = "pending"
	RecoveryStatusInProgress RecoveryStatus = "in_progress"
	RecoveryStatusSuccess    RecoveryStatus = "success"
	RecoveryStatusFailure    RecoveryStatus = "failure"
	RecoveryStatusSkipped    RecoveryStatus = "skipped"
)

// RecoveryTrigger records why a recovery attempt started.
type RecoveryTrigger string

const (
	TriggerWorkflowFailed      RecoveryTrigger = "workflow_failed"
	TriggerScheduledRetry      RecoveryTrigger = "scheduled_retry"
	TriggerCircuitBreakerReset RecoveryTrigger = "circuit_breaker_reset"
	TriggerManual              RecoveryTrigger = "manual"
	TriggerBatch               RecoveryTrigger = "batch"
)
