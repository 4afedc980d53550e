// Package apperr provides the coordinator's error taxonomy.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Error codes as constants
const (
	CodeNotFound         = "NOT_FOUND"
	CodeBadRequest       = "BAD_REQUEST"
	CodeConflict         = "CONFLICT"
	CodeValidationFailed = "parameter_validation_failed"
	CodeDemandConflict   = "demand_conflict"
	CodeInternal         = "INTERNAL_ERROR"
)

// FieldError describes one schema violation inside a validation failure.
type FieldError struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	SchemaPath string `json:"schema_path,omitempty"`
}

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code          string         `json:"error"`
	Message       string         `json:"message,omitempty"`
	HTTPStatus    int            `json:"-"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       []FieldError   `json:"validation_errors,omitempty"`
	Schema        map[string]any `json:"parameters_schema,omitempty"`
	Err           error          `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       CodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Validation creates a parameter validation error carrying per-field details
// and the schema the parameters were validated against.
func Validation(details []FieldError, schema map[string]any) *AppError {
	return &AppError{
		Code:       CodeValidationFailed,
		Message:    "parameters failed schema validation",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
		Schema:     schema,
	}
}

// DemandConflict creates the error returned when a caller's additional
// demands contradict the blueprint's own.
func DemandConflict(field, blueprintValue, callerValue string) *AppError {
	return &AppError{
		Code:       CodeDemandConflict,
		Message:    fmt.Sprintf("demand %q conflicts with blueprint (blueprint=%q, caller=%q)", field, blueprintValue, callerValue),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Internal creates an opaque internal error with a correlation id. The
// underlying cause is kept for logging, never serialized.
func Internal(err error) *AppError {
	return &AppError{
		Code:          CodeInternal,
		Message:       "internal error",
		HTTPStatus:    http.StatusInternalServerError,
		CorrelationID: uuid.New().String(),
		Err:           err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:          appErr.Code,
			Message:       fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus:    appErr.HTTPStatus,
			CorrelationID: appErr.CorrelationID,
			Details:       appErr.Details,
			Schema:        appErr.Schema,
			Err:           err,
		}
	}

	return &AppError{
		Code:          CodeInternal,
		Message:       message,
		HTTPStatus:    http.StatusInternalServerError,
		CorrelationID: uuid.New().String(),
		Err:           err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return false
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeConflict
	}
	return false
}

// HTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
