package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/rendis/bulwark/pkg/schema"
)

// Classification is the engine's verdict on one error.
type Classification struct {
	ErrorType       string          `json:"error_type"`
	Severity        schema.Severity `json:"severity"`
	Category        schema.Category `json:"category"`
	Retryable       bool            `json:"retryable"`
	Recoverable     bool            `json:"recoverable"`
	CircuitBreaking bool            `json:"circuit_breaking"`
}

// retryableHints are message fragments that mark an otherwise unknown error
// as transient.
var retryableHints = []string{
	"timeout",
	"timed out",
	"connection",
	"temporary",
	"rate limit",
	"too many requests",
	"service unavailable",
	"bad gateway",
}

var codeCategories = map[string]schema.Category{
	schema.ErrCodeValidation:    schema.CategoryValidation,
	schema.ErrCodeUserInput:     schema.CategoryUserInput,
	schema.ErrCodePermission:    schema.CategoryPermission,
	schema.ErrCodeAuth:          schema.CategoryAuth,
	schema.ErrCodeRateLimit:     schema.CategoryRateLimit,
	schema.ErrCodeExternalAPI:   schema.CategoryExternalAPI,
	schema.ErrCodeLLM:           schema.CategoryLLM,
	schema.ErrCodeDatabase:      schema.CategoryDatabase,
	schema.ErrCodeStore:         schema.CategoryDatabase,
	schema.ErrCodeTimeout:       schema.CategoryNetwork,
	schema.ErrCodeResourceLimit: schema.CategorySystem,
	schema.ErrCodePanic:         schema.CategorySystem,
}

// Classifier maps errors to severity, category and retry semantics.
type Classifier struct {
	criticalTypes map[string]bool
}

// NewClassifier creates a classifier. Errors raised by workflows of the
// listed types are escalated one severity level.
func NewClassifier(criticalWorkflowTypes ...string) *Classifier {
	c := &Classifier{criticalTypes: make(map[string]bool, len(criticalWorkflowTypes))}
	for _, t := range criticalWorkflowTypes {
		c.criticalTypes[t] = true
	}
	return c
}

// Classify applies the rules in order; the first match wins:
//  1. timeouts: medium, retryable unless a WorkflowError says otherwise
//  2. connection and OS errors: high
//  3. WorkflowErrors: medium if recoverable, else high (pinned severity wins)
//  4. malformed values (parse/decode errors): low
//  5. out-of-memory and panics: critical
//  6. anything else: medium
func (c *Classifier) Classify(err error, workflowType string) Classification {
	cl := classify(err)
	if c.criticalTypes[workflowType] {
		cl.Severity = cl.Severity.Escalate()
	}
	cl.CircuitBreaking = cl.Severity.AtLeast(schema.SeverityHigh)
	return cl
}

func classify(err error) Classification {
	msg := strings.ToLower(err.Error())
	wfErr, isWF := schema.AsWorkflowError(err)

	switch {
	case isTimeout(err):
		cl := Classification{
			ErrorType: schema.ErrCodeTimeout,
			Severity:  schema.SeverityMedium,
			Category:  schema.CategoryNetwork,
			Retryable: true,
		}
		// A WorkflowError carries its own verdict: the container marks a
		// breached deadline non-recoverable.
		if isWF {
			cl.ErrorType = wfErr.Code
			cl.Retryable = wfErr.Recoverable
			pin(&cl, wfErr)
		}
		cl.Recoverable = cl.Retryable
		return cl

	case isConnectionError(err):
		return Classification{
			ErrorType:   "CONNECTION_ERROR",
			Severity:    schema.SeverityHigh,
			Category:    osCategory(err),
			Retryable:   true,
			Recoverable: true,
		}

	case isWF && wfErr.Code != schema.ErrCodePanic:
		cl := Classification{
			ErrorType:   wfErr.Code,
			Severity:    schema.SeverityHigh,
			Category:    schema.CategorySystem,
			Recoverable: wfErr.Recoverable,
		}
		if wfErr.Recoverable {
			cl.Severity = schema.SeverityMedium
		}
		if cat, ok := codeCategories[wfErr.Code]; ok {
			cl.Category = cat
		}
		pin(&cl, wfErr)
		cl.Retryable = wfErr.Recoverable || hasRetryableHint(msg)
		if wfErr.Code == schema.ErrCodeCancelled {
			cl.Retryable = false
		}
		return cl

	case isMalformedValue(err):
		return Classification{
			ErrorType: schema.ErrCodeValidation,
			Severity:  schema.SeverityLow,
			Category:  schema.CategoryValidation,
		}

	case isWF || strings.Contains(msg, "out of memory"):
		return Classification{
			ErrorType: schema.ErrCodePanic,
			Severity:  schema.SeverityCritical,
			Category:  schema.CategorySystem,
		}
	}

	retryable := hasRetryableHint(msg)
	return Classification{
		ErrorType:   schema.ErrCodeExecution,
		Severity:    schema.SeverityMedium,
		Category:    schema.CategorySystem,
		Retryable:   retryable,
		Recoverable: retryable,
	}
}

// pin lets a WorkflowError override the rule-derived severity and category.
func pin(cl *Classification, wfErr *schema.WorkflowError) {
	if wfErr.Severity != "" {
		cl.Severity = wfErr.Severity
	}
	if wfErr.Category != "" {
		cl.Category = wfErr.Category
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if schema.HasCode(err, schema.ErrCodeTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var (
		opErr   *net.OpError
		dnsErr  *net.DNSError
		pathErr *os.PathError
		sysErr  *os.SyscallError
		errno   syscall.Errno
	)
	return errors.As(err, &opErr) ||
		errors.As(err, &dnsErr) ||
		errors.As(err, &pathErr) ||
		errors.As(err, &sysErr) ||
		errors.As(err, &errno) ||
		errors.Is(err, net.ErrClosed)
}

func osCategory(err error) schema.Category {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.Is(err, os.ErrPermission) {
			return schema.CategoryPermission
		}
		return schema.CategorySystem
	}
	return schema.CategoryNetwork
}

func isMalformedValue(err error) bool {
	var (
		numErr    *strconv.NumError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	return errors.As(err, &numErr) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func hasRetryableHint(msg string) bool {
	for _, h := range retryableHints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}
