package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Spec errors. Fatal to the registration that supplied the document.
const (
	ErrSpecParse           ErrorCode = "SPEC_PARSE"
	ErrUnsupportedVersion  ErrorCode = "UNSUPPORTED_VERSION"
	ErrNoServer            ErrorCode = "NO_SERVER"
	ErrUnresolvedReference ErrorCode = "UNRESOLVED_REFERENCE"
)

// Generation errors. Per-operation, non-fatal to the rest of the document.
const (
	ErrSchemaUnsupported ErrorCode = "SCHEMA_UNSUPPORTED"
)

// Request-path errors.
const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrAuthentication      ErrorCode = "AUTHENTICATION"
	ErrUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrForbidden           ErrorCode = "FORBIDDEN"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrRateLimitExceeded   ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	ErrMalformedResponse   ErrorCode = "MALFORMED_RESPONSE"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
)

// Registry errors.
const (
	ErrRegistration     ErrorCode = "REGISTRATION"
	ErrProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Operation  string    `json:"operation,omitempty"` // offending spec operation, when known
	// RetryAfter is the upstream's requested wait, from a Retry-After
	// header on 429 responses. Zero when the upstream did not say.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithOperation names the spec operation the error refers to.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithRetryAfter records the upstream's requested wait.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// IsRetryable checks if an error is retryable. Transient causes (timeouts,
// 5xx, upstream rate limits) report true; configuration-worthy causes
// report false.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError coerces err into a structured *Error, wrapping foreign errors as
// UpstreamError.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(ErrUpstreamError, err.Error()).WithCause(err)
}
