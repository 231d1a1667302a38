package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mckingz/edu-ai-gateway/internal/profile"
	"github.com/mckingz/edu-ai-gateway/internal/provider"
	"github.com/mckingz/edu-ai-gateway/internal/quota"
	"github.com/mckingz/edu-ai-gateway/internal/selector"
)

var (
	ErrTierCapabilityMismatch = selector.ErrTierCapabilityMismatch
	ErrUnknownService         = selector.ErrUnknownService
	ErrQuotaExceeded          = quota.ErrQuotaExceeded
)

// Messages shown to callers. Vendor text never leaves the ledger and logs.
const (
	msgQuotaExceeded = "quota exceeded, upgrade or wait"
	msgUnavailable   = "temporarily unavailable, retry shortly"
	msgHigherTier    = "this feature requires a higher tier"
)

// Failure is the outcome of one candidate in an exhausted run.
type Failure struct {
	Provider string
	Model    string
	Kind     provider.Kind
	// Skipped is set when the provider's breaker was open and no call was made.
	Skipped bool
}

// ExhaustedError is returned when every candidate in the chain failed.
type ExhaustedError struct {
	Failures []Failure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		kind := string(f.Kind)
		if f.Skipped {
			kind = "circuit_open"
		}
		parts[i] = fmt.Sprintf("%s/%s=%s", f.Provider, f.Model, kind)
	}
	return "all candidates failed: " + strings.Join(parts, ", ")
}

// LastKind is the kind of the last candidate that was actually called.
func (e *ExhaustedError) LastKind() provider.Kind {
	for i := len(e.Failures) - 1; i >= 0; i-- {
		if !e.Failures[i].Skipped {
			return e.Failures[i].Kind
		}
	}
	return provider.KindNoResponse
}

// statusFor maps an orchestrator error to the HTTP status and the message the
// caller is allowed to see.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusTooManyRequests, msgQuotaExceeded
	case errors.Is(err, ErrTierCapabilityMismatch), errors.Is(err, profile.ErrProfileNotFound):
		return http.StatusForbidden, msgHigherTier
	case errors.Is(err, ErrUnknownService):
		return http.StatusBadRequest, "unknown service type"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, msgUnavailable
	}
	return http.StatusServiceUnavailable, msgUnavailable
}
