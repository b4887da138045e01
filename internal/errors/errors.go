// Package errors implements the invoice-agent error taxonomy: every
// component returns an *AppError instead of a bare error so that queue
// workers, the retry layer, and the HTTP handlers can all make the same
// ack/nack/poison and retry/no-retry decisions from one field.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies the origin of a failure. It drives retry policy,
// HTTP status mapping, and queue ack/nack/poison routing.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeTransient   ErrorType = "transient"
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeRateLimited ErrorType = "rate_limited"
	ErrorTypePermanent   ErrorType = "permanent"
	ErrorTypeFatal       ErrorType = "fatal"
)

// AppError is the single error type used across the pipeline.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error

	// RetryAfter carries an explicit rate-limit hint (e.g. a provider's
	// Retry-After header) so Retry can honor it instead of falling back
	// to exponential backoff. Zero means "no hint".
	RetryAfter int
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError of the given type with its default HTTP status.
func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusFor(t)}
}

// Newf is New with Printf-style formatting.
func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap attaches a type and message to an underlying error.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf is Wrap with Printf-style formatting of the message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails mutates and returns the same error, appending context.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf is WithDetails with Printf-style formatting.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithRetryAfter attaches an explicit retry-after hint, in seconds.
func (e *AppError) WithRetryAfter(seconds int) *AppError {
	e.RetryAfter = seconds
	return e
}

// Retryable reports whether the Retry policy should attempt this error
// again. Only Transient, CircuitOpen, and RateLimited are retryable;
// Conflict is handled by a single re-read-and-retry at the call site,
// not by the generic Retry loop.
func (e *AppError) Retryable() bool {
	switch e.Type {
	case ErrorTypeTransient, ErrorTypeCircuitOpen, ErrorTypeRateLimited:
		return true
	default:
		return false
	}
}

func statusFor(t ErrorType) int {
	switch t {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeTransient:
		return http.StatusServiceUnavailable
	case ErrorTypeCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	case ErrorTypePermanent:
		return http.StatusBadRequest
	case ErrorTypeFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// As is a thin re-export of errors.As so call sites don't need a second
// import just to type-assert an AppError out of a wrapped chain.
func As(err error, target **AppError) bool {
	return errors.As(err, target)
}

// Is reports whether err is an *AppError of the given type.
func Is(err error, t ErrorType) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Type == t
}
