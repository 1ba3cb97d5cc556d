package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bulwark/pkg/schema"
)

func TestValidateFile(t *testing.T) {
	good := writeFile(t, "policies.yaml", "search:\n  default_strategy: retry\n")
	bad := writeFile(t, "bad.yaml", "search:\n  default_strategy: pray\n")
	empty := writeFile(t, "empty.yaml", "")

	tests := []struct {
		name      string
		content   string
		wantValid bool
	}{
		{name: "sample", content: sampleConfig, wantValid: true},
		{name: "empty", content: "", wantValid: true},
		{name: "policies file", content: "policies_file: " + good + "\n", wantValid: true},
		{name: "bad policies file", content: "policies_file: " + bad + "\n", wantValid: false},
		{name: "empty policies file", content: "policies_file: " + empty + "\n", wantValid: true},
		{name: "missing policies file", content: "policies_file: " + filepath.Join(t.TempDir(), "none.yaml") + "\n", wantValid: false},
		{name: "bad retry attempts", content: "boundary:\n  max_retry_attempts: 0\n", wantValid: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "config.yaml", tt.content)
			result, err := validateFile(path, true)
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, result.Valid(), result.Errors)
		})
	}
}

func TestValidateFile_MissingConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.yaml")

	_, err := validateFile(missing, true)
	assert.Error(t, err)

	result, err := validateFile(missing, false)
	require.NoError(t, err)
	assert.True(t, result.Valid())
}

func TestPrintResult(t *testing.T) {
	result := &schema.ValidationResult{}
	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, "config.yaml", result, false))
	assert.Equal(t, "config.yaml: ok\n", buf.String())

	result.AddError("boundary.max_retry_attempts", schema.ErrCodeValidation, "must be at least 1")
	result.AddWarning("redis", "NO_DURABLE_STORE", "redis without db_path")
	buf.Reset()
	require.NoError(t, printResult(&buf, "config.yaml", result, false))
	out := buf.String()
	assert.Contains(t, out, "config.yaml: invalid\nerrors:\n")
	assert.Contains(t, out, "boundary.max_retry_attempts: must be at least 1")
	assert.Contains(t, out, "warnings:\n  redis: redis without db_path (NO_DURABLE_STORE)")

	buf.Reset()
	require.NoError(t, printResult(&buf, "config.yaml", result, true))
	var decoded schema.ValidationResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded.Errors, 1)
	assert.Len(t, decoded.Warnings, 1)
}
