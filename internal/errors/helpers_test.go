package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"offsync/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestNewTransportError_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		code      ErrorCode
		retryable bool
	}{
		{0, ErrCodeSyncTransport, true},
		{http.StatusInternalServerError, ErrCodeSyncTransport, true},
		{http.StatusServiceUnavailable, ErrCodeSyncTransport, true},
		{http.StatusTooManyRequests, ErrCodeSyncTransport, true},
		{http.StatusRequestTimeout, ErrCodeSyncTransport, true},
		{http.StatusBadRequest, ErrCodeSyncRejected, false},
		{http.StatusUnauthorized, ErrCodeSyncRejected, false},
		{http.StatusUnprocessableEntity, ErrCodeSyncRejected, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := NewTransportError("/sync/batch", tt.status, errors.New("boom"))
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, "/sync/batch", err.Context["endpoint"])
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected models.ErrorClass
	}{
		{"nil", nil, ""},
		{"network failure", NewTransportError("/sync/batch", 0, errors.New("refused")), models.ErrorClassTransient},
		{"server error", NewTransportError("/sync/batch", 502, nil), models.ErrorClassTransient},
		{"rejected", NewTransportError("/sync/batch", 400, nil), models.ErrorClassPermanent},
		{"invalid input", NewValidationError("operation", "PATCH", "unknown"), models.ErrorClassPermanent},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), models.ErrorClassTransient},
		{"unknown error", errors.New("weird"), models.ErrorClassTransient},
		{"conflict failure", NewConflictError("tasks", "t1", errors.New("x")), models.ErrorClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), requestIDKey, "req-1")
	ctx = WithDeviceID(ctx, "dev-1")

	fields := FromContext(ctx)
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "dev-1", fields["device_id"])
	assert.NotContains(t, fields, "trace_id")

	err := WithContextFromRequest(New(ErrCodeTimeout, "slow"), ctx)
	assert.Equal(t, "dev-1", err.Context["device_id"])
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"invalid input", New(ErrCodeInvalidInput, "x"), http.StatusBadRequest},
		{"not found", NewNotFoundError("tasks", "1"), http.StatusNotFound},
		{"timeout", NewTimeoutError("drain", "30s"), http.StatusRequestTimeout},
		{"retryable transport", NewTransportError("/sync/status", 503, nil), http.StatusBadGateway},
		{"rejected", NewTransportError("/sync/status", 400, nil), http.StatusInternalServerError},
		{"database", NewDatabaseError("select", errors.New("x")), http.StatusServiceUnavailable},
		{"plain", errors.New("x"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatusCode(tt.err))
		})
	}
}

func TestToHTTPResponse(t *testing.T) {
	resp := ToHTTPResponse(NewNotFoundError("tasks", "t9"), "req-9")
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "tasks not found", resp.Error.Message)
	assert.Equal(t, "req-9", resp.RequestID)
	assert.NotNil(t, resp.Error.Context)

	plain := ToHTTPResponse(errors.New("secret detail"), "")
	assert.Equal(t, ErrCodeInternalError, plain.Error.Code)
	assert.Equal(t, "An internal error occurred", plain.Error.Message)
}
