// Package provider defines the error taxonomy shared by every external
// provider integration routed through the gateway.
package provider

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindAuthenticationFailed Kind = "authentication_failed"
	KindValidationFailed     Kind = "validation_failed"
	KindNotServiceable       Kind = "not_serviceable"
	KindRateLimited          Kind = "rate_limited"
	KindProviderUnavailable  Kind = "provider_unavailable"
	KindCircuitOpen          Kind = "circuit_open"
)

// CodeLocalQuota marks a RateLimited error raised by the local rate limiter
// rather than by the provider.
const CodeLocalQuota = "LOCAL_QUOTA"

// Error represents a classified failure from an external provider.
type Error struct {
	Provider   string
	Kind       Kind
	Code       string
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind, and on Code when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// New creates a new Error.
func New(provider string, kind Kind, code, message string) *Error {
	return &Error{
		Provider: provider,
		Kind:     kind,
		Code:     code,
		Message:  message,
	}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithStatusCode adds an HTTP status code to the error.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithRetryAfter records the provider's backoff hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Sentinel errors, one per kind. Match with errors.Is.
var (
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed, Message: "authentication failed"}
	ErrValidationFailed     = &Error{Kind: KindValidationFailed, Message: "validation failed"}
	ErrNotServiceable       = &Error{Kind: KindNotServiceable, Message: "not serviceable"}
	ErrRateLimited          = &Error{Kind: KindRateLimited, Message: "rate limited"}
	ErrProviderUnavailable  = &Error{Kind: KindProviderUnavailable, Message: "provider unavailable"}
	ErrCircuitOpen          = &Error{Kind: KindCircuitOpen, Message: "circuit open"}

	// ErrLocalQuota matches only limiter-raised RateLimited errors.
	ErrLocalQuota = &Error{Kind: KindRateLimited, Code: CodeLocalQuota, Message: "local quota exhausted"}
)

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the taxonomy kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	if pe, ok := AsError(err); ok {
		return pe.Kind
	}
	return ""
}

// IsRetryable returns true if the error is worth another attempt.
// Local quota exhaustion is not: the limiter already applied the caller's
// wait policy.
func IsRetryable(err error) bool {
	pe, ok := AsError(err)
	if !ok {
		return false
	}
	switch pe.Kind {
	case KindProviderUnavailable:
		return true
	case KindRateLimited:
		return pe.Code != CodeLocalQuota
	default:
		return false
	}
}
