package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"offsync/internal/models"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	traceIDKey   contextKey = "trace_id"
	deviceIDKey  contextKey = "device_id"
)

// NewValidationError creates an input validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewTransportError creates an error for a call to the remote authority.
// A zero status code means the request never produced a response.
func NewTransportError(endpoint string, statusCode int, err error) *AppError {
	if statusCode == 0 {
		return WrapRetryable(err, ErrCodeSyncTransport, "sync request failed").
			WithContext("endpoint", endpoint)
	}

	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout

	code := ErrCodeSyncRejected
	if retryable {
		code = ErrCodeSyncTransport
	}

	appErr := Wrap(err, code, fmt.Sprintf("sync request failed with status %d", statusCode)).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = retryable
	return appErr
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	appErr := New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
	appErr.Retryable = true
	return appErr
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewConflictError wraps a failure to settle a conflict for one entity.
func NewConflictError(collection, entityID string, err error) *AppError {
	return Wrap(err, ErrCodeConflictResolution, "Failed to resolve conflict").
		WithContext("collection", collection).
		WithContext("entity_id", entityID)
}

// Classify maps an error onto the queue's retry class. Rejections and bad
// input are permanent; everything else, including unknown errors, is
// treated as transient so that it stays eligible for automatic retry.
func Classify(err error) models.ErrorClass {
	if err == nil {
		return ""
	}
	if IsRetryable(err) {
		return models.ErrorClassTransient
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return models.ErrorClassTransient
	}
	switch GetCode(err) {
	case ErrCodeSyncRejected, ErrCodeInvalidInput:
		return models.ErrorClassPermanent
	default:
		return models.ErrorClassTransient
	}
}

// Context helpers

// WithDeviceID stores the device id used to enrich errors and log entries.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// FromContext extracts error context from a context.Context if present
func FromContext(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}

	errorCtx := make(map[string]interface{})

	if requestID := ctx.Value(requestIDKey); requestID != nil {
		errorCtx["request_id"] = requestID
	}
	if traceID := ctx.Value(traceIDKey); traceID != nil {
		errorCtx["trace_id"] = traceID
	}
	if deviceID := ctx.Value(deviceIDKey); deviceID != nil {
		errorCtx["device_id"] = deviceID
	}

	return errorCtx
}

// WithContextFromRequest adds request context to an error
func WithContextFromRequest(err *AppError, ctx context.Context) *AppError {
	if err == nil || ctx == nil {
		return err
	}

	for k, v := range FromContext(ctx) {
		err = err.WithContext(k, v)
	}

	return err
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeSyncTransport, ErrCodeSyncRejected, ErrCodeConflictResolution:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the error body returned by the admin and authority servers.
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		response.Error.Code = appErr.Code
		if appErr.UserMessage != "" {
			response.Error.Message = appErr.UserMessage
		} else {
			response.Error.Message = appErr.Message
		}
		if len(appErr.Context) > 0 {
			response.Error.Context = appErr.Context
		}
	} else {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = "An internal error occurred"
	}

	return response
}
