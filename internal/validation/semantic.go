package validation

import (
	"fmt"
	"time"

	"github.com/rendis/bulwark/internal/recovery"
	"github.com/rendis/bulwark/pkg/schema"
)

// validateSemantic runs the cross-field checks on a structurally valid config.
func validateSemantic(doc map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if maxDelay, ok := durationAt(doc, "boundary", "backoff", "max_delay"); ok {
		if bases, ok := lookup(doc, "boundary", "backoff", "base_delays").(map[string]any); ok {
			for sev, raw := range bases {
				base, err := time.ParseDuration(fmt.Sprint(raw))
				if err == nil && base > maxDelay {
					result.AddError("boundary.backoff.base_delays."+sev, schema.ErrCodeValidation,
						fmt.Sprintf("base delay %s exceeds max_delay %s", base, maxDelay))
				}
			}
		}
	}

	base, hasBase := durationAt(doc, "recovery", "retry_base_delay")
	maxRetry, hasMax := durationAt(doc, "recovery", "retry_max_delay")
	if hasBase && hasMax && base > maxRetry {
		result.AddError("recovery.retry_max_delay", schema.ErrCodeValidation,
			fmt.Sprintf("retry_max_delay %s is below retry_base_delay %s", maxRetry, base))
	}

	cbDelay, hasDelay := durationAt(doc, "recovery", "circuit_break_delay")
	cooldown, hasCooldown := durationAt(doc, "boundary", "breaker", "cooldown")
	if hasDelay && hasCooldown && cbDelay < cooldown {
		result.AddWarning("recovery.circuit_break_delay", "BREAKER_STILL_OPEN",
			fmt.Sprintf("circuit_break_delay %s is shorter than the breaker cooldown %s; the resumed run will be short-circuited", cbDelay, cooldown))
	}

	retention, hasRetention := durationAt(doc, "state_store", "retention")
	sweep, hasSweep := durationAt(doc, "state_store", "sweep_interval")
	if hasRetention && hasSweep && sweep > retention {
		result.AddWarning("state_store.sweep_interval", "SWEEP_SLOWER_THAN_RETENTION",
			fmt.Sprintf("sweep_interval %s exceeds retention %s", sweep, retention))
	}

	if _, ok := doc["redis"]; ok {
		if _, ok := doc["db_path"]; !ok {
			result.AddWarning("redis", "NO_DURABLE_STORE",
				"redis mirrors state but recovery attempts are only persisted with db_path")
		}
	}

	if raw, ok := doc["policies"].(map[string]any); ok {
		if _, ok := doc["policies_file"]; ok {
			result.AddWarning("policies", "POLICIES_OVERRIDDEN",
				"inline policies are replaced when policies_file is loaded")
		}
		result.Merge(PolicyIssues(raw))
	}

	return result
}

// PolicyIssues decodes and validates a policies document, returning every
// problem as a validation issue.
func PolicyIssues(raw map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	policies, err := recovery.DecodePolicies(raw)
	if err != nil {
		result.AddError("policies", schema.ErrCodeValidation, err.Error())
		return result
	}
	if err := recovery.ValidatePolicies(policies); err != nil {
		if wfErr, ok := schema.AsWorkflowError(err); ok {
			if issues, ok := wfErr.Details["errors"].([]schema.ValidationIssue); ok {
				result.Errors = append(result.Errors, issues...)
				return result
			}
		}
		result.AddError("policies", schema.ErrCodeValidation, err.Error())
	}
	return result
}

func lookup(doc map[string]any, path ...string) any {
	var cur any = doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func durationAt(doc map[string]any, path ...string) (time.Duration, bool) {
	s, ok := lookup(doc, path...).(string)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	return d, err == nil
}
