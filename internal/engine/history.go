package engine

import (
	"sync"
	"time"

	"github.com/rendis/bulwark/pkg/schema"
)

// ErrorRecord is one classified failure kept for escalation and metrics.
type ErrorRecord struct {
	Timestamp       time.Time       `json:"timestamp"`
	Type            string          `json:"type"`
	Severity        schema.Severity `json:"severity"`
	Category        schema.Category `json:"category"`
	OwnerID         string          `json:"owner_id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowType    string          `json:"workflow_type"`
	Message         string          `json:"message"`
	Recoverable     bool            `json:"recoverable"`
	CircuitBreaking bool            `json:"circuit_breaking"`
}

// ErrorBreakdown aggregates the records currently in the window.
type ErrorBreakdown struct {
	Total        int                     `json:"total"`
	BySeverity   map[schema.Severity]int `json:"by_severity"`
	ByCategory   map[schema.Category]int `json:"by_category"`
	ByType       map[string]int          `json:"by_type"`
	ByWorkflow   map[string]int          `json:"by_workflow_type"`
	Window       string                  `json:"window"`
	OldestRecord *time.Time              `json:"oldest_record,omitempty"`
}

// ErrorHistory is a bounded, time-windowed log of error records.
type ErrorHistory struct {
	mu      sync.Mutex
	records []ErrorRecord
	window  time.Duration
	max     int
}

// NewErrorHistory keeps records younger than window, at most max of them.
func NewErrorHistory(window time.Duration, max int) *ErrorHistory {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if max <= 0 {
		max = 1000
	}
	return &ErrorHistory{window: window, max: max}
}

// Add appends a record, dropping the oldest once the cap is hit.
func (h *ErrorHistory) Add(rec ErrorRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	if over := len(h.records) - h.max; over > 0 {
		h.records = append(h.records[:0:0], h.records[over:]...)
	}
}

// Prune drops records older than the window.
func (h *ErrorHistory) Prune(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(now)
}

func (h *ErrorHistory) pruneLocked(now time.Time) {
	cutoff := now.Add(-h.window)
	i := 0
	for i < len(h.records) && h.records[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.records = append(h.records[:0:0], h.records[i:]...)
	}
}

// RecentCount counts records newer than now-window.
func (h *ErrorHistory) RecentCount(window time.Duration) int {
	return h.count(window, func(ErrorRecord) bool { return true })
}

// CountFor counts a workflow's records newer than now-window.
func (h *ErrorHistory) CountFor(workflowID string, window time.Duration) int {
	return h.count(window, func(r ErrorRecord) bool { return r.WorkflowID == workflowID })
}

func (h *ErrorHistory) count(window time.Duration, match func(ErrorRecord) bool) int {
	cutoff := time.Now().Add(-window)
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for i := len(h.records) - 1; i >= 0; i-- {
		r := h.records[i]
		if r.Timestamp.Before(cutoff) {
			break
		}
		if match(r) {
			n++
		}
	}
	return n
}

// Records returns a copy of the retained records, oldest first.
func (h *ErrorHistory) Records() []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ErrorRecord(nil), h.records...)
}

// Breakdown prunes and then aggregates the window.
func (h *ErrorHistory) Breakdown() ErrorBreakdown {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(time.Now())

	b := ErrorBreakdown{
		Total:      len(h.records),
		BySeverity: make(map[schema.Severity]int),
		ByCategory: make(map[schema.Category]int),
		ByType:     make(map[string]int),
		ByWorkflow: make(map[string]int),
		Window:     h.window.String(),
	}
	for _, r := range h.records {
		b.BySeverity[r.Severity]++
		b.ByCategory[r.Category]++
		b.ByType[r.Type]++
		b.ByWorkflow[r.WorkflowType]++
	}
	if len(h.records) > 0 {
		oldest := h.records[0].Timestamp
		b.OldestRecord = &oldest
	}
	return b
}
