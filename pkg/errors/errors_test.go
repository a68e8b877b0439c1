package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapping(t *testing.T) {
	original := errors.New("original error")
	err := NewError("TEST_CODE", "test message", original)

	assert.Equal(t, "[TEST_CODE] test message: original error", err.Error())
	assert.Same(t, original, err.Unwrap())
	assert.True(t, errors.Is(err, original))

	plain := NewError("PLAIN", "no cause", nil)
	assert.Equal(t, "[PLAIN] no cause", plain.Error())
}

func TestCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError("SCRIPT_FAILED", "boom", nil))
	assert.Equal(t, "SCRIPT_FAILED", Code(err, "UNKNOWN"))
	assert.Equal(t, "UNKNOWN", Code(errors.New("plain"), "UNKNOWN"))
}

func TestPathErrors(t *testing.T) {
	err := NewPathNotFound("/a/b", "segment 'a' missing")
	assert.True(t, IsPathNotFound(err))
	assert.False(t, errors.Is(err, ErrInvalidPath))
	assert.Contains(t, err.Error(), `"/a/b"`)

	invalid := NewInvalidPath("[x", "unterminated index")
	assert.True(t, errors.Is(invalid, ErrInvalidPath))
}

func TestCoercionError(t *testing.T) {
	err := fmt.Errorf("view: %w", &CoercionError{From: "MAP", To: "STRING"})
	assert.True(t, IsTypeCoercion(err))

	var ce *CoercionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "MAP", ce.From)
	assert.Equal(t, "cannot coerce MAP to STRING", ce.Error())
}

func TestValidationError(t *testing.T) {
	assert.NoError(t, NewValidationError(nil))

	err := NewValidationError([]ValidationIssue{
		{Stage: "js1", Config: "script", Code: "SCRIPT_00", Message: "script is empty"},
		{Stage: "js1", Message: "unknown lane"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Issues, 2)
	assert.Contains(t, err.Error(), "2 issues")
	assert.Contains(t, err.Error(), "js1: script: script is empty (SCRIPT_00)")
}
