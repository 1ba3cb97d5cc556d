package recovery

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/rendis/bulwark/internal/expressions"
	"github.com/rendis/bulwark/pkg/schema"
)

// Rule selects Strategy when the expr condition When holds. Conditions see
// error (message, type, severity, category, recoverable), retry_count,
// recent_errors, attempts, status and workflow_type.
type Rule struct {
	When     string          `mapstructure:"when" yaml:"when" json:"when"`
	Strategy schema.Strategy `mapstructure:"strategy" yaml:"strategy" json:"strategy"`
}

// Policy is the recovery configuration of one workflow type. Zero fields
// fall back to the service config.
type Policy struct {
	DefaultStrategy   schema.Strategy `mapstructure:"default_strategy" yaml:"default_strategy" json:"default_strategy,omitempty"`
	MaxAttempts       int             `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts,omitempty"`
	BackoffMultiplier float64         `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" json:"backoff_multiplier,omitempty"`
	BaseDelay         time.Duration   `mapstructure:"base_delay" yaml:"base_delay" json:"base_delay,omitempty"`
	MaxDelay          time.Duration   `mapstructure:"max_delay" yaml:"max_delay" json:"max_delay,omitempty"`
	CircuitBreakDelay time.Duration   `mapstructure:"circuit_break_delay" yaml:"circuit_break_delay" json:"circuit_break_delay,omitempty"`
	Rules             []Rule          `mapstructure:"rules" yaml:"rules" json:"rules,omitempty"`
	// PartialResults is a jq query run over {output, structured_output,
	// metadata} to pick the partial results a fallback completion embeds.
	PartialResults string `mapstructure:"partial_results" yaml:"partial_results" json:"partial_results,omitempty"`
}

// DecodePolicies turns a loosely typed document (YAML or JSON decoded into
// maps) into per-type policies. Durations accept Go duration strings.
func DecodePolicies(raw map[string]any) (map[string]Policy, error) {
	out := make(map[string]Policy, len(raw))
	for workflowType, v := range raw {
		var p Policy
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			Result:           &p,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"recovery policy %q: %s", workflowType, err.Error()).WithCause(err)
		}
		out[workflowType] = p
	}
	return out, nil
}

// ValidatePolicies checks strategies and compiles every rule and jq query.
func ValidatePolicies(policies map[string]Policy) error {
	rules := expressions.NewExprEngine()
	jq := expressions.NewGoJQEngine()
	result := &schema.ValidationResult{}
	for workflowType, p := range policies {
		path := "policies." + workflowType
		if p.DefaultStrategy != "" && !p.DefaultStrategy.Valid() {
			result.AddError(path+".default_strategy", "INVALID_STRATEGY",
				fmt.Sprintf("unknown strategy %q", p.DefaultStrategy))
		}
		if p.MaxAttempts < 0 {
			result.AddError(path+".max_attempts", "INVALID_VALUE", "max_attempts must be >= 0")
		}
		for i, r := range p.Rules {
			rulePath := fmt.Sprintf("%s.rules[%d]", path, i)
			if !r.Strategy.Valid() {
				result.AddError(rulePath+".strategy", "INVALID_STRATEGY",
					fmt.Sprintf("unknown strategy %q", r.Strategy))
			}
			if err := rules.Compile(r.When); err != nil {
				result.AddError(rulePath+".when", "INVALID_EXPRESSION", err.Error())
			}
		}
		if p.PartialResults != "" {
			if err := jq.Compile(p.PartialResults); err != nil {
				result.AddError(path+".partial_results", "INVALID_EXPRESSION", err.Error())
			}
		}
	}
	return result.ToError()
}

// ruleEnv builds the variables a policy rule is evaluated against.
func ruleEnv(st *schema.WorkflowState, status schema.WorkflowStatus, recentErrors, attempts int) map[string]any {
	errInfo := map[string]any{
		"message":     "",
		"type":        "",
		"severity":    "",
		"category":    "",
		"recoverable": false,
	}
	if st.Error != nil {
		errInfo["message"] = st.Error.Message
		errInfo["type"] = st.Error.Type
		errInfo["severity"] = string(st.Error.Severity)
		errInfo["category"] = string(st.Error.Category)
		errInfo["recoverable"] = st.Error.Recoverable
	}
	return map[string]any{
		"error":         errInfo,
		"failed":        st.Error != nil,
		"retry_count":   st.RetryCount,
		"recent_errors": recentErrors,
		"attempts":      attempts,
		"status":        string(status),
		"workflow_type": st.WorkflowType,
	}
}
