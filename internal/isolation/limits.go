package isolation

import "time"

// ResourceLimits bounds one isolated workflow execution. Zero fields mean
// "no limit" once defaults have been applied.
type ResourceLimits struct {
	MaxExecutionTime   time.Duration `json:"max_execution_time,omitempty" yaml:"max_execution_time" mapstructure:"max_execution_time"`
	MaxMemoryBytes     uint64        `json:"max_memory_bytes,omitempty" yaml:"max_memory_bytes" mapstructure:"max_memory_bytes"`
	MaxConcurrentTools int           `json:"max_concurrent_tools,omitempty" yaml:"max_concurrent_tools" mapstructure:"max_concurrent_tools"`
}

// Merge returns l with every non-zero field of override applied.
func (l ResourceLimits) Merge(override ResourceLimits) ResourceLimits {
	if override.MaxExecutionTime > 0 {
		l.MaxExecutionTime = override.MaxExecutionTime
	}
	if override.MaxMemoryBytes > 0 {
		l.MaxMemoryBytes = override.MaxMemoryBytes
	}
	if override.MaxConcurrentTools > 0 {
		l.MaxConcurrentTools = override.MaxConcurrentTools
	}
	return l
}

// hardToolCeiling is the active tool count above which the container aborts
// the execution: 1.5x the configured limit.
func (l ResourceLimits) hardToolCeiling() float64 {
	return float64(l.MaxConcurrentTools) * 1.5
}

const mib = 1 << 20

// DefaultWorkflowType names the limits used for unknown workflow types.
const DefaultWorkflowType = "default"

// DefaultLimits returns the built-in per-type limits.
func DefaultLimits() map[string]ResourceLimits {
	return map[string]ResourceLimits{
		DefaultWorkflowType: {MaxExecutionTime: 5 * time.Minute, MaxMemoryBytes: 512 * mib, MaxConcurrentTools: 5},
		"search":            {MaxExecutionTime: 2 * time.Minute, MaxMemoryBytes: 256 * mib, MaxConcurrentTools: 3},
		"briefing":          {MaxExecutionTime: 10 * time.Minute, MaxMemoryBytes: 1024 * mib, MaxConcurrentTools: 10},
		"calendar":          {MaxExecutionTime: 3 * time.Minute, MaxMemoryBytes: 256 * mib, MaxConcurrentTools: 3},
		"email":             {MaxExecutionTime: 3 * time.Minute, MaxMemoryBytes: 256 * mib, MaxConcurrentTools: 4},
		"task":              {MaxExecutionTime: 5 * time.Minute, MaxMemoryBytes: 512 * mib, MaxConcurrentTools: 5},
	}
}
