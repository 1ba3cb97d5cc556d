package isolation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/bulwark/pkg/schema"
)

type execCtxKey struct{}

// ExecutionContext tracks the live resource usage of one container run.
// Step functions reach it through FromContext.
type ExecutionContext struct {
	WorkflowID   string
	WorkflowType string
	OwnerID      string
	TraceID      string
	Limits       ResourceLimits
	StartedAt    time.Time

	activeTools atomic.Int64
	peakTools   atomic.Int64
	toolCalls   atomic.Int64

	mu       sync.Mutex
	byTool   map[string]int
	warnings []string
}

// ExecutionStats is a point-in-time copy of an ExecutionContext's counters.
type ExecutionStats struct {
	Elapsed     time.Duration  `json:"elapsed"`
	ActiveTools int            `json:"active_tools"`
	PeakTools   int            `json:"peak_tools"`
	ToolCalls   int            `json:"tool_calls"`
	ByTool      map[string]int `json:"by_tool,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
}

func newExecutionContext(st *schema.WorkflowState, limits ResourceLimits) *ExecutionContext {
	return &ExecutionContext{
		WorkflowID:   st.WorkflowID,
		WorkflowType: st.WorkflowType,
		OwnerID:      st.OwnerID,
		TraceID:      st.TraceID,
		Limits:       limits,
		StartedAt:    time.Now(),
		byTool:       make(map[string]int),
	}
}

// TrackTool marks a tool call as active. The returned release func ends it
// and is safe to call more than once.
func (ec *ExecutionContext) TrackTool(name string) func() {
	ec.mu.Lock()
	ec.byTool[name]++
	ec.mu.Unlock()

	n := ec.activeTools.Add(1)
	ec.toolCalls.Add(1)
	for {
		peak := ec.peakTools.Load()
		if n <= peak || ec.peakTools.CompareAndSwap(peak, n) {
			break
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() { ec.activeTools.Add(-1) })
	}
}

// ActiveTools returns the number of tool calls currently in flight.
func (ec *ExecutionContext) ActiveTools() int { return int(ec.activeTools.Load()) }

// PeakTools returns the highest concurrent tool count observed.
func (ec *ExecutionContext) PeakTools() int { return int(ec.peakTools.Load()) }

// Elapsed returns the time since the run started.
func (ec *ExecutionContext) Elapsed() time.Duration { return time.Since(ec.StartedAt) }

func (ec *ExecutionContext) warn(msg string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.warnings = append(ec.warnings, msg)
}

// Stats returns a copy of the counters and the monitor warnings so far.
func (ec *ExecutionContext) Stats() ExecutionStats {
	ec.mu.Lock()
	warnings := append([]string(nil), ec.warnings...)
	byTool := make(map[string]int, len(ec.byTool))
	for k, v := range ec.byTool {
		byTool[k] = v
	}
	ec.mu.Unlock()
	return ExecutionStats{
		Elapsed:     ec.Elapsed(),
		ActiveTools: ec.ActiveTools(),
		PeakTools:   ec.PeakTools(),
		ToolCalls:   int(ec.toolCalls.Load()),
		ByTool:      byTool,
		Warnings:    warnings,
	}
}

// WithExecutionContext attaches ec to ctx.
func WithExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, execCtxKey{}, ec)
}

// FromContext returns the ExecutionContext of the enclosing container run.
func FromContext(ctx context.Context) (*ExecutionContext, bool) {
	ec, ok := ctx.Value(execCtxKey{}).(*ExecutionContext)
	return ec, ok
}
