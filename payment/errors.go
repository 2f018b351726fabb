package payment

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ConfigurationError reports a missing or invalid setting. It is never retried.
type ConfigurationError struct {
	Setting string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing configuration: %s", e.Setting)
}

// ValidationError reports a missing or malformed request field. It is raised before
// any provider call and so never carries a trace.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Reason == "" || e.Reason == "required" {
		return fmt.Sprintf("missing %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProviderError is a non-success HTTP response from the provider. Message is the
// response body as received.
type ProviderError struct {
	Status  int
	Message string
	TraceID string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider responded %d", e.Status)
	}
	return e.Message
}

// Transient reports whether the same request may succeed if repeated.
func (e *ProviderError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// TransportError is a network-level failure reaching the provider.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ContractError reports a provider payload missing a field the checkout depends on.
type ContractError struct {
	Field   string
	TraceID string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("provider response violates contract: %s", e.Field)
}

// TimeoutError is returned when polling ends without observing a desired state.
// Last is nil when no fetch ever succeeded.
type TimeoutError struct {
	Desired []State
	Last    *CheckoutIntent
}

func (e *TimeoutError) Error() string {
	names := make([]string, len(e.Desired))
	for i, s := range e.Desired {
		names[i] = string(s)
	}
	if e.Last == nil {
		return fmt.Sprintf("timeout waiting for state: %s (intent never observed)", strings.Join(names, ", "))
	}
	return fmt.Sprintf("timeout waiting for state: %s (last state %s)", strings.Join(names, ", "), e.Last.State)
}

// Observed reports whether at least one fetch succeeded before the deadline.
func (e *TimeoutError) Observed() bool {
	return e.Last != nil
}

// OpError attributes a failure to a proxy call site.
type OpError struct {
	Op  Op
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s intent: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Trace returns the labelled trace for the failed call; it is empty when the
// provider never answered.
func (e *OpError) Trace() Trace {
	return ErrorTrace(e.Op, TraceIDOf(e.Err))
}

// TraceIDOf returns the provider trace id carried anywhere in err's chain.
func TraceIDOf(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.TraceID
	}
	var cerr *ContractError
	if errors.As(err, &cerr) {
		return cerr.TraceID
	}
	return ""
}

// TraceOf returns the labelled trace attached to err, if any.
func TraceOf(err error) Trace {
	var oerr *OpError
	if errors.As(err, &oerr) {
		return oerr.Trace()
	}
	return Trace{}
}

// IsTransient reports whether err is worth repeating for an idempotent read.
func IsTransient(err error) bool {
	var terr *TransportError
	if errors.As(err, &terr) {
		return true
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient()
	}
	return false
}
