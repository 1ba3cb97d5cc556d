package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/bulwark/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting executions
	CircuitHalfOpen                     // Letting one probe through
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown is how long the circuit stays open before letting a probe through.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
	// HalfOpenMax is the number of probes allowed in half-open state.
	HalfOpenMax int `json:"half_open_max" yaml:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the stock breaker settings.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerKey is the registry key for a (workflow type, owner) pair.
func BreakerKey(workflowType, ownerID string) string {
	return workflowType + ":" + ownerID
}

// BreakerStats is a point-in-time view of one breaker.
type BreakerStats struct {
	Key                 string    `json:"key"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	Cooldown            string    `json:"cooldown"`
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(key string, from, to CircuitState)

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages per-key circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	onChange StateChangeFunc
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// OnStateChange registers fn to be called after every transition. fn runs
// without registry locks held.
func (r *CircuitBreakerRegistry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// AllowRequest checks whether an execution under key may proceed.
// Returns nil if allowed, or a CIRCUIT_OPEN WorkflowError.
// Once the cooldown has elapsed exactly HalfOpenMax probes are let through.
func (r *CircuitBreakerRegistry) AllowRequest(key string) error {
	cb := r.getOrCreate(key)
	cb.mu.Lock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request is the first probe
			cb.mu.Unlock()
			r.notify(key, CircuitOpen, CircuitHalfOpen)
			return nil
		}
		err := schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %q after %d consecutive failures", key, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"breaker":              key,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})
		cb.mu.Unlock()
		return err

	case CircuitHalfOpen:
		defer cb.mu.Unlock()
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: probe already in flight", key).
				WithDetails(map[string]any{"breaker": key, "state": cb.state.String()})
		}
		cb.halfOpenAttempts++
		return nil
	}

	cb.mu.Unlock()
	return nil
}

// RecordSuccess closes the breaker and clears its failure count.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	cb.mu.Unlock()

	if from != CircuitClosed {
		r.notify(key, from, CircuitClosed)
	}
}

// RecordFailure records a failed execution and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	switch {
	case cb.state == CircuitHalfOpen:
		// A failed probe reopens the circuit.
		cb.state = CircuitOpen
	case cb.consecutiveFailures >= cb.config.FailureThreshold:
		cb.state = CircuitOpen
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		r.notify(key, from, to)
	}
	return to
}

// GetState returns the current state of the breaker for key. It reports
// half_open once the cooldown has elapsed, without consuming the probe.
func (r *CircuitBreakerRegistry) GetState(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forgets the breaker for key.
func (r *CircuitBreakerRegistry) Reset(key string) {
	r.mu.Lock()
	delete(r.breakers, key)
	r.mu.Unlock()
}

// GetStats returns diagnostic information about one breaker.
func (r *CircuitBreakerRegistry) GetStats(key string) BreakerStats {
	return r.getOrCreate(key).stats(key)
}

// Snapshot returns stats for every known breaker, sorted by key.
func (r *CircuitBreakerRegistry) Snapshot() []BreakerStats {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	list := make(map[string]*circuitBreaker, len(r.breakers))
	for k, cb := range r.breakers {
		keys = append(keys, k)
		list[k] = cb
	}
	r.mu.Unlock()

	sort.Strings(keys)
	out := make([]BreakerStats, 0, len(keys))
	for _, k := range keys {
		out = append(out, list[k].stats(k))
	}
	return out
}

func (cb *circuitBreaker) stats(key string) BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Key:                 key,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		FailureThreshold:    cb.config.FailureThreshold,
		LastFailure:         cb.lastFailureTime,
		Cooldown:            cb.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) notify(key string, from, to CircuitState) {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(key, from, to)
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[key] = cb
	}
	return cb
}
