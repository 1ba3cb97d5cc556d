package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeNoRecoveryPoint    = "NO_RECOVERY_POINT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeResourceLimit      = "RESOURCE_LIMIT"
	ErrCodePanic              = "PANIC"
	ErrCodeRecoveryInProgress = "RECOVERY_IN_PROGRESS"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodePermission         = "PERMISSION_DENIED"
	ErrCodeAuth               = "AUTH_ERROR"
	ErrCodeRateLimit          = "RATE_LIMITED"
	ErrCodeExternalAPI        = "EXTERNAL_API_ERROR"
	ErrCodeLLM                = "LLM_ERROR"
	ErrCodeDatabase           = "DATABASE_ERROR"
	ErrCodeUserInput          = "USER_INPUT_ERROR"
)

// WorkflowError is the structured error type raised by workflow steps and by the
// engine itself. Steps flag an error as recoverable to let the boundary retry it.
type WorkflowError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Recoverable bool           `json:"recoverable"`
	Severity    Severity       `json:"severity,omitempty"`
	Category    Category       `json:"category,omitempty"`
	Cause       error          `json:"-"`
}

func (e *WorkflowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WorkflowError.
func NewError(code, message string) *WorkflowError {
	return &WorkflowError{Code: code, Message: message}
}

// NewErrorf creates a new WorkflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *WorkflowError {
	return &WorkflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewRecoverableError creates a WorkflowError flagged as recoverable.
func NewRecoverableError(code, message string) *WorkflowError {
	return &WorkflowError{Code: code, Message: message, Recoverable: true}
}

// WithCause attaches an underlying cause.
func (e *WorkflowError) WithCause(err error) *WorkflowError {
	e.Cause = err
	return e
}

// WithDetails merges key-value details into the error.
func (e *WorkflowError) WithDetails(details map[string]any) *WorkflowError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithRecoverable sets the recoverable flag.
func (e *WorkflowError) WithRecoverable(recoverable bool) *WorkflowError {
	e.Recoverable = recoverable
	return e
}

// WithSeverity pins the severity, bypassing classification rules.
func (e *WorkflowError) WithSeverity(s Severity) *WorkflowError {
	e.Severity = s
	return e
}

// WithCategory pins the category, bypassing classification rules.
func (e *WorkflowError) WithCategory(c Category) *WorkflowError {
	e.Category = c
	return e
}

// AsWorkflowError extracts a *WorkflowError from an error chain.
func AsWorkflowError(err error) (*WorkflowError, bool) {
	var wfErr *WorkflowError
	if errors.As(err, &wfErr) {
		return wfErr, true
	}
	return nil, false
}

// HasCode reports whether err carries a WorkflowError with the given code.
func HasCode(err error, code string) bool {
	wfErr, ok := AsWorkflowError(err)
	return ok && wfErr.Code == code
}
