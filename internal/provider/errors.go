package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind is the vendor-neutral classification of a failed call. Failover decisions
// are made on the kind alone.
type Kind string

const (
	KindAuthentication    Kind = "authentication"
	KindRateLimited       Kind = "rate_limited"
	KindBalanceDepleted   Kind = "balance_depleted"
	KindMalformedRequest  Kind = "malformed_request"
	KindNoResponse        Kind = "no_response"
	KindTimeout           Kind = "timeout"
	KindUnknown           Kind = "unknown"
	KindProtocolViolation Kind = "protocol_violation"
)

const (
	DefaultRateLimitBackoff = 30 * time.Second
	DefaultBackoff          = 5 * time.Second
)

// Error is returned by every adapter failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error

	// Tokens billed by the vendor for a call that still counts as failed,
	// e.g. a response that ignored the forced tool.
	InputTokens  int
	OutputTokens int
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error and fills in the default backoff hint for its kind.
func NewError(providerName string, kind Kind, status int, msg string) *Error {
	e := &Error{Kind: kind, Provider: providerName, StatusCode: status, Message: msg}
	e.RetryAfter = DefaultBackoffFor(kind)
	return e
}

func DefaultBackoffFor(kind Kind) time.Duration {
	if kind == KindRateLimited {
		return DefaultRateLimitBackoff
	}
	return DefaultBackoff
}

// KindOf extracts the kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Retryable reports whether a failure of this kind gets one more attempt on the
// same candidate.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindUnknown, KindNoResponse:
		return true
	}
	return false
}

// TransportError classifies an error from http.Client.Do.
func TransportError(providerName string, err error) *Error {
	kind := KindUnknown
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	e := NewError(providerName, kind, 0, err.Error())
	e.Err = err
	return e
}

// DecodeError classifies a failure to read or decode a 2xx body. A deadline hit
// while the body is still arriving is a timeout; anything else is no_response.
func DecodeError(providerName string, status int, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return TransportError(providerName, err)
	}
	e := NewError(providerName, KindNoResponse, status, "undecodable response: "+err.Error())
	e.Err = err
	return e
}

// StatusKind is the fallback classification when the vendor body carries no
// recognizable error type.
func StatusKind(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusPaymentRequired:
		return KindBalanceDepleted
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return KindMalformedRequest
	}
	return KindUnknown
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// ApplyRetryAfter overrides e's default backoff with the response header, if any.
func (e *Error) ApplyRetryAfter(h http.Header) {
	if d, ok := ParseRetryAfter(h.Get("Retry-After"), time.Now()); ok {
		e.RetryAfter = d
	}
}
