package types

import (
	"errors"
	"fmt"
)

// ValidationError indicates bad input shape or range, or an illegal lifecycle transition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidTransition reports a lifecycle operation that the current status does not allow.
func InvalidTransition(op string, current RunStatus) *ValidationError {
	return &ValidationError{
		Field:   "status",
		Message: fmt.Sprintf("cannot %s run in %s state", op, current),
	}
}

// NotFoundError indicates a missing definition, run, experiment or model.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// NewNotFoundError builds a NotFoundError for any printable id.
func NewNotFoundError(entity string, id any) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

// ProviderErrorCode classifies failures surfaced by job execution.
type ProviderErrorCode string

// Provider error codes.
const (
	CodeRateLimit           ProviderErrorCode = "RATE_LIMIT"
	CodeTimeout             ProviderErrorCode = "TIMEOUT"
	CodeNetworkError        ProviderErrorCode = "NETWORK_ERROR"
	CodeServerError         ProviderErrorCode = "SERVER_ERROR"
	CodeAuthError           ProviderErrorCode = "AUTH_ERROR"
	CodeValidationError     ProviderErrorCode = "VALIDATION_ERROR"
	CodeNotFound            ProviderErrorCode = "NOT_FOUND"
	CodeUnsupportedProvider ProviderErrorCode = "UNSUPPORTED_PROVIDER"
	CodeMissingAPIKey       ProviderErrorCode = "MISSING_API_KEY"
	CodeInvalidResponse     ProviderErrorCode = "INVALID_RESPONSE"
	CodeUnknown             ProviderErrorCode = "UNKNOWN"
)

// Retryable reports whether the queue should retry a job that failed with this code.
// Unknown failures are retried.
func (c ProviderErrorCode) Retryable() bool {
	switch c {
	case CodeRateLimit, CodeTimeout, CodeNetworkError, CodeServerError, CodeUnknown:
		return true
	}
	return false
}

// CodeFromHTTPStatus maps an upstream HTTP status onto an error code.
func CodeFromHTTPStatus(status int) ProviderErrorCode {
	switch {
	case status == 429:
		return CodeRateLimit
	case status == 401 || status == 403:
		return CodeAuthError
	case status == 404:
		return CodeNotFound
	case status == 400:
		return CodeValidationError
	case status >= 500 && status < 600:
		return CodeServerError
	}
	return CodeUnknown
}

// RetryableProviderError is a job failure the queue should retry per its policy.
type RetryableProviderError struct {
	Code    ProviderErrorCode
	Message string
	Details string
}

func (e *RetryableProviderError) Error() string {
	return fmt.Sprintf("retryable provider error [%s]: %s", e.Code, e.Message)
}

// NonRetryableProviderError is a job failure recorded as failed without retry.
type NonRetryableProviderError struct {
	Code    ProviderErrorCode
	Message string
	Details string
}

func (e *NonRetryableProviderError) Error() string {
	return fmt.Sprintf("provider error [%s]: %s", e.Code, e.Message)
}

// NewProviderError picks the retryable or non-retryable form from the code.
func NewProviderError(code ProviderErrorCode, message, details string) error {
	if code.Retryable() {
		return &RetryableProviderError{Code: code, Message: message, Details: details}
	}
	return &NonRetryableProviderError{Code: code, Message: message, Details: details}
}

// IsRetryable reports whether err should be retried by the queue.
// Errors without classification are treated as retryable.
func IsRetryable(err error) bool {
	var nonRetryable *NonRetryableProviderError
	if errors.As(err, &nonRetryable) {
		return false
	}
	var validation *ValidationError
	return !errors.As(err, &validation)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
