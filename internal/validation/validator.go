package validation

import "github.com/rendis/bulwark/pkg/schema"

// Validator checks engine configuration documents and workflow inputs.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateConfig(doc map[string]any) *schema.ValidationResult
	ValidateInput(input map[string]any, inputSchema []byte) error
}
