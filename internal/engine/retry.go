package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rendis/bulwark/pkg/schema"
)

// BackoffConfig shapes the delay between boundary retries.
type BackoffConfig struct {
	// BaseDelays is the first-retry delay per severity.
	BaseDelays map[schema.Severity]time.Duration `json:"base_delays" yaml:"base_delays"`
	Multiplier float64                           `json:"multiplier" yaml:"multiplier"`
	MaxDelay   time.Duration                     `json:"max_delay" yaml:"max_delay"`
	// Jitter adds up to this fraction of the delay at random (0 disables).
	Jitter float64 `json:"jitter" yaml:"jitter"`
}

// DefaultBackoffConfig returns min(30s, base(severity) * 2^attempt) with
// bases of 0.5s, 1s, 2s and 5s from low to critical.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelays: map[schema.Severity]time.Duration{
			schema.SeverityLow:      500 * time.Millisecond,
			schema.SeverityMedium:   time.Second,
			schema.SeverityHigh:     2 * time.Second,
			schema.SeverityCritical: 5 * time.Second,
		},
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
	}
}

// ComputeBackoff returns the delay before retry number attempt (0-based),
// never above MaxDelay. Without jitter the delay is non-decreasing in attempt.
func ComputeBackoff(cfg BackoffConfig, attempt int, severity schema.Severity) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base, ok := cfg.BaseDelays[severity]
	if !ok {
		base = cfg.BaseDelays[schema.SeverityMedium]
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}

	raw := float64(base) * math.Pow(mult, float64(attempt))
	if cfg.Jitter > 0 {
		raw += raw * cfg.Jitter * rand.Float64()
	}
	if cfg.MaxDelay > 0 && (raw > float64(cfg.MaxDelay) || math.IsInf(raw, 1) || math.IsNaN(raw)) {
		return cfg.MaxDelay
	}
	return time.Duration(raw)
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
