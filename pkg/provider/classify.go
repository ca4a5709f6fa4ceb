package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FromStatus classifies a non-2xx provider response.
func FromStatus(providerName string, status int, code, message string, header http.Header) *Error {
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}
	if message == "" {
		message = http.StatusText(status)
	}

	var kind Kind
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = KindAuthenticationFailed
	case status == http.StatusUnprocessableEntity:
		kind = KindNotServiceable
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		kind = KindProviderUnavailable
	case status >= 400:
		kind = KindValidationFailed
	default:
		kind = KindProviderUnavailable
	}

	e := New(providerName, kind, code, message).WithStatusCode(status)
	if header != nil {
		if d := ParseRetryAfter(header.Get("Retry-After"), time.Now()); d > 0 {
			e.RetryAfter = d
		}
	}
	return e
}

// Classify maps an arbitrary error into the taxonomy. Classified errors are
// returned unchanged and caller cancellation passes through untouched.
func Classify(providerName string, err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := AsError(err); ok {
		if pe.Provider == "" {
			pe.Provider = providerName
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(providerName, KindProviderUnavailable, "TIMEOUT", "request timed out").WithCause(err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return New(providerName, KindProviderUnavailable, "TIMEOUT", "request timed out").WithCause(err)
	case errors.As(err, &netErr), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return New(providerName, KindProviderUnavailable, "CONNECTION", "connection failed").WithCause(err)
	default:
		return New(providerName, KindProviderUnavailable, "UNKNOWN", "unexpected provider failure").WithCause(err)
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
