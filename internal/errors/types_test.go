package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeInvalidConfig,
				Message: "configuration is invalid",
			},
			expected: "INVALID_CONFIG: configuration is invalid",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeDatabaseConnection,
				Message: "failed to connect to database",
				Cause:   errors.New("connection refused"),
			},
			expected: "DATABASE_CONNECTION: failed to connect to database: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(cause, ErrCodeInternalError, "something went wrong")

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestAppError_WithContext(t *testing.T) {
	err := New(ErrCodeInvalidInput, "bad collection")

	result := err.WithContext("collection", "tasks").WithContext("entity_id", "t1")

	assert.Same(t, err, result)
	assert.Len(t, err.Context, 2)
	assert.Equal(t, "tasks", err.Context["collection"])
}

func TestErrNotFound_Is(t *testing.T) {
	err := NewNotFoundError("tasks", "t1")
	wrapped := fmt.Errorf("failed to update record: %w", err)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsNotFound(New(ErrCodeInvalidInput, "nope")))
	assert.False(t, IsNotFound(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"retryable app error", WrapRetryable(errors.New("eof"), ErrCodeSyncTransport, "x"), true},
		{"non-retryable app error", New(ErrCodeSyncRejected, "x"), false},
		{"wrapped retryable", fmt.Errorf("outer: %w", WrapRetryable(nil, ErrCodeTimeout, "x")), true},
		{"plain error", errors.New("x"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, GetCode(NewNotFoundError("r", "1")))
	assert.Equal(t, ErrCodeSyncRejected, GetCode(fmt.Errorf("w: %w", New(ErrCodeSyncRejected, "x"))))
	assert.Equal(t, ErrCodeInternalError, GetCode(errors.New("plain")))
}

func TestGetUserMessage(t *testing.T) {
	assert.Equal(t, "Configuration error", GetUserMessage(NewConfigError("remote.apiUrl", "missing")))
	assert.Equal(t, "An internal error occurred", GetUserMessage(New(ErrCodeInternalError, "x")))
	assert.Equal(t, "An internal error occurred", GetUserMessage(errors.New("x")))
}

func TestAppError_JSON_Serialization(t *testing.T) {
	err := Wrap(errors.New("hidden"), ErrCodeSyncTransport, "batch failed").WithContext("endpoint", "/sync/batch")
	err.Retryable = true

	data, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "SYNC_TRANSPORT", decoded["code"])
	assert.Equal(t, true, decoded["retryable"])
	assert.NotContains(t, string(data), "hidden")
}
