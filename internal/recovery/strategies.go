package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/bulwark/pkg/schema"
)

const (
	success = schema.RecoveryStatusSuccess
	failure = schema.RecoveryStatusFailure
)

func (s *Service) execute(ctx context.Context, strategy schema.Strategy, checkpoint string, attemptNumber int,
	st *schema.WorkflowState, policy Policy) (schema.RecoveryStatus, string) {
	switch strategy {
	case schema.StrategyRetry:
		return s.retry(ctx, st.WorkflowID, checkpoint)
	case schema.StrategyFallback:
		return s.fallback(ctx, st, policy)
	case schema.StrategyCircuitBreak:
		return s.circuitBreak(ctx, st, policy)
	case schema.StrategyEscalate:
		return s.escalate(ctx, st, attemptNumber)
	default:
		return schema.RecoveryStatusSkipped, fmt.Sprintf("strategy %s does not recover", strategy)
	}
}

// retry restores the checkpoint (latest recoverable when empty) and resumes
// the workflow. Both steps must succeed.
func (s *Service) retry(ctx context.Context, id, checkpoint string) (schema.RecoveryStatus, string) {
	s.mu.Lock()
	resumer := s.resumer
	s.mu.Unlock()
	if resumer == nil {
		return failure, "no resumer configured"
	}

	if _, err := s.store.Recover(ctx, id, checkpoint); err != nil {
		return failure, fmt.Sprintf("restore checkpoint: %v", err)
	}
	if err := resumer.ResumeWorkflow(ctx, id); err != nil {
		return failure, fmt.Sprintf("resume workflow: %v", err)
	}
	if checkpoint == "" {
		return success, "restored latest recovery point and resumed"
	}
	return success, fmt.Sprintf("restored %q and resumed", checkpoint)
}

// fallback runs the registered handler of the workflow type and, when it is
// missing or declines, completes the workflow with a synthesized output.
func (s *Service) fallback(ctx context.Context, st *schema.WorkflowState, policy Policy) (schema.RecoveryStatus, string) {
	s.mu.Lock()
	handler := s.handlers[st.WorkflowType]
	s.mu.Unlock()

	if handler != nil {
		ok, err := callHandler(ctx, handler, st)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "recovery handler failed", slog.String("error", err.Error()))
		case ok:
			return success, "recovered via custom handler"
		}
	}

	output := map[string]any{
		"success":         true,
		"recovered_via":   string(schema.StrategyFallback),
		"message":         "recovered via fallback",
		"partial_results": s.partialResults(ctx, st, policy),
	}
	if st.Error != nil {
		output["original_error"] = st.Error.Message
	}
	if err := s.store.Complete(ctx, st.WorkflowID, output); err != nil {
		return failure, fmt.Sprintf("complete with fallback output: %v", err)
	}
	return success, "completed with fallback output"
}

// partialResults extracts what the failed run already produced. A policy jq
// query wins; otherwise structured output, then output.partial_results.
func (s *Service) partialResults(ctx context.Context, st *schema.WorkflowState, policy Policy) any {
	if policy.PartialResults != "" {
		results, err := s.jq.EvaluateAll(ctx, policy.PartialResults, map[string]any{
			"output":            st.Output,
			"structured_output": st.StructuredOutput,
			"metadata":          st.Metadata,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "partial results query failed", slog.String("error", err.Error()))
			return nil
		}
		switch len(results) {
		case 0:
			return nil
		case 1:
			return results[0]
		default:
			return results
		}
	}
	if len(st.StructuredOutput) > 0 {
		return st.StructuredOutput
	}
	if pr, ok := st.Output["partial_results"]; ok {
		return pr
	}
	return nil
}

// circuitBreak suspends the workflow and retries it after the breaker delay.
func (s *Service) circuitBreak(ctx context.Context, st *schema.WorkflowState, policy Policy) (schema.RecoveryStatus, string) {
	delay := s.cfg.CircuitBreakDelay
	if policy.CircuitBreakDelay > 0 {
		delay = policy.CircuitBreakDelay
	}
	if err := s.store.Suspend(ctx, st.WorkflowID, "circuit break: recovery deferred"); err != nil {
		return failure, fmt.Sprintf("suspend workflow: %v", err)
	}
	at := s.Schedule(ctx, st.WorkflowID, delay, schema.TriggerCircuitBreakerReset,
		AttemptOptions{Strategy: schema.StrategyRetry})
	return success, fmt.Sprintf("suspended, retry scheduled at %s", at.Format(time.RFC3339))
}

// escalate requests manual review. Store errors are logged; escalation
// itself always succeeds.
func (s *Service) escalate(ctx context.Context, st *schema.WorkflowState, attemptNumber int) (schema.RecoveryStatus, string) {
	output := map[string]any{
		"success":                false,
		"requires_manual_review": true,
		"message":                "workflow requires manual review",
		"recovery_attempts":      attemptNumber,
	}
	if st.Error != nil {
		output["original_error"] = st.Error.Message
		output["error_type"] = st.Error.Type
	}
	patch := schema.StatePatch{
		Output:   output,
		Metadata: map[string]any{"escalated_at": s.nowFunc().UTC().Format(time.RFC3339)},
	}
	if err := s.store.Update(ctx, st.WorkflowID, patch, ""); err != nil {
		s.logger.WarnContext(ctx, "escalation output not stored", slog.String("error", err.Error()))
	}
	if err := s.store.Suspend(ctx, st.WorkflowID, "escalated for manual review"); err != nil {
		s.logger.WarnContext(ctx, "escalated workflow not suspended", slog.String("error", err.Error()))
	}
	return success, "escalated for manual review"
}

func callHandler(ctx context.Context, h RecoveryHandler, st *schema.WorkflowState) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery handler panicked: %v", r)
		}
	}()
	return h.Recover(ctx, st.WorkflowID, st.Clone())
}
