package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/bulwark/pkg/schema"
)

const configSchemaURL = "https://bulwark.dev/schemas/config.json"

// configSchemaJSON is the JSON Schema of the engine configuration document.
const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://bulwark.dev/schemas/config.json",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "log_level": { "enum": ["debug", "info", "warn", "warning", "error"] },
    "log_format": { "enum": ["text", "json"] },
    "listen_addr": { "type": "string" },
    "db_path": { "type": "string" },
    "redis": {
      "type": "object",
      "required": ["addr"],
      "properties": {
        "addr": { "type": "string", "minLength": 1 },
        "password": { "type": "string" },
        "db": { "type": "integer", "minimum": 0 },
        "ttl": { "$ref": "#/$defs/duration" },
        "max_snapshots": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    },
    "state_store": {
      "type": "object",
      "properties": {
        "max_snapshots": { "type": "integer", "minimum": 1 },
        "retention": { "$ref": "#/$defs/duration" },
        "sweep_interval": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "boundary": {
      "type": "object",
      "properties": {
        "max_retry_attempts": { "type": "integer", "minimum": 1 },
        "backoff": {
          "type": "object",
          "properties": {
            "base_delays": {
              "type": "object",
              "properties": {
                "low": { "$ref": "#/$defs/duration" },
                "medium": { "$ref": "#/$defs/duration" },
                "high": { "$ref": "#/$defs/duration" },
                "critical": { "$ref": "#/$defs/duration" }
              },
              "additionalProperties": false
            },
            "multiplier": { "type": "number", "minimum": 1 },
            "max_delay": { "$ref": "#/$defs/duration" },
            "jitter": { "type": "number", "minimum": 0, "maximum": 1 }
          },
          "additionalProperties": false
        },
        "breaker": {
          "type": "object",
          "properties": {
            "failure_threshold": { "type": "integer", "minimum": 1 },
            "cooldown": { "$ref": "#/$defs/duration" },
            "half_open_max": { "type": "integer", "minimum": 1 }
          },
          "additionalProperties": false
        },
        "history_window": { "$ref": "#/$defs/duration" },
        "history_max": { "type": "integer", "minimum": 1 },
        "escalation_threshold": { "type": "integer", "minimum": 1 },
        "escalation_window": { "$ref": "#/$defs/duration" },
        "critical_workflow_types": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        }
      },
      "additionalProperties": false
    },
    "limits": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "max_execution_time": { "$ref": "#/$defs/duration" },
          "max_memory_bytes": { "type": "integer", "minimum": 0 },
          "max_concurrent_tools": { "type": "integer", "minimum": 0 }
        },
        "additionalProperties": false
      }
    },
    "recovery": {
      "type": "object",
      "properties": {
        "max_recovery_attempts": { "type": "integer", "minimum": 0 },
        "retry_base_delay": { "$ref": "#/$defs/duration" },
        "retry_max_delay": { "$ref": "#/$defs/duration" },
        "backoff_multiplier": { "type": "number", "minimum": 1 },
        "circuit_break_delay": { "$ref": "#/$defs/duration" },
        "poll_interval": { "$ref": "#/$defs/duration" },
        "pool_size": { "type": "integer", "minimum": 1 },
        "batch_size": { "type": "integer", "minimum": 1 },
        "batch_delay": { "$ref": "#/$defs/duration" },
        "attempt_window": { "$ref": "#/$defs/duration" },
        "recent_error_window": { "$ref": "#/$defs/duration" },
        "recent_error_threshold": { "type": "integer", "minimum": 1 },
        "type_strategies": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/strategy" }
        }
      },
      "additionalProperties": false
    },
    "orchestrator": {
      "type": "object",
      "properties": {
        "auto_recover": { "type": "boolean" },
        "recovery_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "policies_file": { "type": "string" },
    "policies": {
      "type": "object",
      "additionalProperties": { "type": "object" }
    }
  },
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "strategy": { "enum": ["retry", "fallback", "circuit_break", "escalate", "fail_fast"] }
  }
}`

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	configSchema *jsonschema.Schema

	// mu guards the cache of compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the config schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config schema: %w", err)
	}
	if err := c.AddResource(configSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add config schema resource: %w", err)
	}
	compiled, err := c.Compile(configSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	return &JSONSchemaValidator{
		configSchema: compiled,
		cache:        make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateConfig checks a decoded config document: structure first, then the
// cross-field rules JSON Schema cannot express. Semantic checks only run on a
// structurally valid document.
func (v *JSONSchemaValidator) ValidateConfig(doc map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if doc == nil {
		doc = map[string]any{}
	}

	value, err := toJSONValue(doc)
	if err != nil {
		result.AddError("config", schema.ErrCodeValidation, "config is not JSON-compatible: "+err.Error())
		return result
	}
	if err := v.configSchema.Validate(value); err != nil {
		collectIssues(err, result)
		return result
	}

	result.Merge(validateSemantic(doc))
	return result
}

// ValidateInput validates input data against a JSON Schema provided as raw bytes.
// The schema is compiled once and cached.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		result := &schema.ValidationResult{}
		collectIssues(err, result)
		return result.ToError()
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler per schema keeps resource URLs from colliding.
	url := fmt.Sprintf("bulwark://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectIssues walks a ValidationError tree and records every leaf as an
// error at its dotted instance path.
func collectIssues(err error, result *schema.ValidationResult) {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		result.AddError("config", schema.ErrCodeValidation, err.Error())
		return
	}
	walkViolations(verr, result)
}

// walkViolations records the leaves of verr. Schemas here avoid
// propertyNames: its failures are reported against the key alone and lose
// the instance location.
func walkViolations(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		result.AddError(instancePath(verr.InstanceLocation), "SCHEMA_VIOLATION", verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		walkViolations(cause, result)
	}
}

func instancePath(loc []string) string {
	if len(loc) == 0 {
		return "config"
	}
	return strings.Join(loc, ".")
}

var _ Validator = (*JSONSchemaValidator)(nil)
