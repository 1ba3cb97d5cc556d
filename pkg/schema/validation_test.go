package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_WarningsAreValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("/boundary/max_retry_attempts", ErrCodeValidation, "high retry count")
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r2 := &ValidationResult{}
	r2.AddError("/limits", ErrCodeValidation, "err2")
	r2.AddWarning("/policies", ErrCodeValidation, "warn")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
	assert.Equal(t, IssueWarning, r1.Warnings[0].Level)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/store/retention", ErrCodeValidation, "retention must be positive")

	err := r.ToError()
	require.Error(t, err)
	wfErr, ok := AsWorkflowError(err)
	require.True(t, ok)
	assert.Equal(t, "retention must be positive", wfErr.Message)
	assert.Equal(t, CategoryValidation, wfErr.Category)

	r.AddError("/", ErrCodeValidation, "second")
	wfErr, _ = AsWorkflowError(r.ToError())
	assert.Contains(t, wfErr.Message, "2 errors")
	assert.Equal(t, 2, wfErr.Details["error_count"])
}
