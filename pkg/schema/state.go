package schema

import (
	"time"

	"github.com/mohae/deepcopy"
)

// StepEnd is the name of the terminal step. Output written while a workflow sits
// at this step completes it.
const StepEnd = "end"

// WorkflowState is the mutable record a workflow carries between steps.
type WorkflowState struct {
	WorkflowID       string         `json:"workflow_id"`
	TraceID          string         `json:"trace_id,omitempty"`
	OwnerID          string         `json:"owner_id"`
	WorkflowType     string         `json:"workflow_type"`
	Input            map[string]any `json:"input,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	StructuredOutput map[string]any `json:"structured_output,omitempty"`
	CurrentStep      string         `json:"current_step,omitempty"`
	VisitedSteps     []string       `json:"visited_steps,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Error            *ErrorInfo     `json:"error,omitempty"`
	RetryCount       int            `json:"retry_count"`
	LastError        string         `json:"last_error,omitempty"`
	RetryTimestamp   *time.Time     `json:"retry_timestamp,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
	// Metadata holds workflow-specific fields the engine does not interpret.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorInfo is the error record stored on a failed state.
type ErrorInfo struct {
	Message     string         `json:"message"`
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Category    Category       `json:"category"`
	Recoverable bool           `json:"recoverable"`
	Timestamp   time.Time      `json:"timestamp"`
	Context     map[string]any `json:"context,omitempty"`
}

// Err turns the record back into a WorkflowError so it can be classified again.
func (e *ErrorInfo) Err() *WorkflowError {
	return &WorkflowError{
		Code:        e.Type,
		Message:     e.Message,
		Details:     e.Context,
		Recoverable: e.Recoverable,
		Severity:    e.Severity,
		Category:    e.Category,
	}
}

// Clone returns a deep copy of the state. A nil state clones to nil.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	return deepcopy.Copy(s).(*WorkflowState)
}

// AtTerminalStep reports whether the workflow is positioned at its end step.
func (s *WorkflowState) AtTerminalStep() bool {
	return s.CurrentStep == StepEnd
}

// Visit moves the state to step and records it in the visit trail.
func (s *WorkflowState) Visit(step string) {
	s.CurrentStep = step
	s.VisitedSteps = append(s.VisitedSteps, step)
}

// Fail stamps an error record on the state and writes the failure payload
// consumers read from Output.
func (s *WorkflowState) Fail(info ErrorInfo, suggestions []string) {
	if info.Timestamp.IsZero() {
		info.Timestamp = time.Now().UTC()
	}
	s.Error = &info
	s.LastError = info.Message
	s.Output = map[string]any{
		"success":           false,
		"error":             info.Message,
		"recoverable":       info.Recoverable,
		"suggested_actions": suggestions,
	}
	s.UpdatedAt = info.Timestamp
}

// Failed reports whether the state carries an error record.
func (s *WorkflowState) Failed() bool {
	return s.Error != nil
}

// StatePatch is a partial update applied under the store's per-workflow lock.
// Nil fields are left untouched.
type StatePatch struct {
	CurrentStep      *string        `json:"current_step,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	StructuredOutput map[string]any `json:"structured_output,omitempty"`
	Error            *ErrorInfo     `json:"error,omitempty"`
	ClearError       bool           `json:"clear_error,omitempty"`
	RetryCount       *int           `json:"retry_count,omitempty"`
	LastError        *string        `json:"last_error,omitempty"`
	RetryTimestamp   *time.Time     `json:"retry_timestamp,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Significant reports whether the patch touches fields that warrant an
// automatic snapshot before it is applied.
func (p StatePatch) Significant() bool {
	return p.CurrentStep != nil || p.Output != nil || p.StructuredOutput != nil ||
		p.Error != nil || p.ClearError
}

// Apply writes the patch onto s.
func (p StatePatch) Apply(s *WorkflowState) {
	if p.CurrentStep != nil && *p.CurrentStep != s.CurrentStep {
		s.Visit(*p.CurrentStep)
	}
	if p.Output != nil {
		s.Output = deepcopy.Copy(p.Output).(map[string]any)
	}
	if p.StructuredOutput != nil {
		s.StructuredOutput = deepcopy.Copy(p.StructuredOutput).(map[string]any)
	}
	if p.ClearError {
		s.Error = nil
	}
	if p.Error != nil {
		info := *p.Error
		s.Error = &info
		s.LastError = info.Message
	}
	if p.RetryCount != nil {
		s.RetryCount = *p.RetryCount
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	if p.RetryTimestamp != nil {
		ts := *p.RetryTimestamp
		s.RetryTimestamp = &ts
	}
	s.Metrics = mergeMap(s.Metrics, p.Metrics)
	s.Metadata = mergeMap(s.Metadata, p.Metadata)
}

// PatchFromState builds a patch that overwrites the mutable fields of a state
// with those of next.
func PatchFromState(next *WorkflowState) StatePatch {
	step := next.CurrentStep
	retries := next.RetryCount
	p := StatePatch{
		CurrentStep:      &step,
		Output:           next.Output,
		StructuredOutput: next.StructuredOutput,
		RetryCount:       &retries,
		RetryTimestamp:   next.RetryTimestamp,
		Metrics:          next.Metrics,
		Metadata:         next.Metadata,
	}
	if next.Error != nil {
		p.Error = next.Error
	} else {
		p.ClearError = true
	}
	if next.LastError != "" {
		last := next.LastError
		p.LastError = &last
	}
	return p
}

func mergeMap(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = deepcopy.Copy(v)
	}
	return dst
}
