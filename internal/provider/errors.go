package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Fantasim/chainsync/internal/models"
)

// RateLimitError is returned when the final attempt of a call was answered
// with HTTP 429.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited (retry after %s)", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

// ServiceError covers 5xx responses and transient network failures after
// retries are exhausted.
type ServiceError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ServiceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: service error HTTP %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s: service error: %v", e.Provider, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// TimeoutError is returned when the per-call wall clock elapses before a
// response arrives.
type TimeoutError struct {
	Provider string
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timeout after %s", e.Provider, e.Elapsed.Round(time.Millisecond))
}

// HttpError is a non-429 4xx response. Not retried.
type HttpError struct {
	Provider    string
	Status      int
	BodyExcerpt string
}

func (e *HttpError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.BodyExcerpt)
}

// AuthError is a 401/403 response. Not retried; the provider is not
// blacklisted but takes a heavy health penalty.
type AuthError struct {
	Provider string
	Status   int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication rejected (HTTP %d)", e.Provider, e.Status)
}

// ValidationError means a provider payload failed schema validation.
// Per-item during streaming the item is skipped with an event; a fully
// invalid page is retriable.
type ValidationError struct {
	Provider string
	Path     string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation failed at %s: %s", e.Provider, e.Path, e.Reason)
}

// NoProvidersError means selection returned no usable candidate. It carries
// the reason each registered provider was rejected.
type NoProvidersError struct {
	Chain     models.Chain
	Operation models.OperationKind
	Reasons   []Rejection
}

func (e *NoProvidersError) Error() string {
	parts := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		parts = append(parts, fmt.Sprintf("%s: %s", r.Provider, r.Reason))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("no providers registered for %s %s", e.Chain, e.Operation)
	}
	return fmt.Sprintf("no providers available for %s %s (%s)", e.Chain, e.Operation, strings.Join(parts, "; "))
}

// ConfigurationError reports invalid provider-pool configuration: unknown
// provider names, or a required API key missing for the only candidate.
type ConfigurationError struct {
	Chain  models.Chain
	Errors []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid provider configuration for %s: %s", e.Chain, strings.Join(e.Errors, "; "))
}

// AllProvidersError wraps the last failure together with every provider
// attempted before giving up.
type AllProvidersError struct {
	Chain     models.Chain
	Operation models.OperationKind
	Attempts  []string
	Last      error
}

func (e *AllProvidersError) Error() string {
	return fmt.Sprintf("all providers failed for %s %s (tried %s): %v",
		e.Chain, e.Operation, strings.Join(e.Attempts, ", "), e.Last)
}

func (e *AllProvidersError) Unwrap() error { return e.Last }

// PartialImportError is raised by importers when a streaming call ends in an
// error after some batches were persisted. LastCursor points at the last
// acknowledged position so the import can resume.
type PartialImportError struct {
	SuccessfulItems int
	LastCursor      *models.CursorState
	Cause           error
}

func (e *PartialImportError) Error() string {
	return fmt.Sprintf("import interrupted after %d items: %v", e.SuccessfulItems, e.Cause)
}

func (e *PartialImportError) Unwrap() error { return e.Cause }

// IsRetriable reports whether the execution core should fail over to another
// provider after err. 4xx (other than 429) and auth failures are permanent
// for the provider that produced them; rate limits, 5xx, timeouts, and
// whole-page validation failures are not.
func IsRetriable(err error) bool {
	var (
		rateErr    *RateLimitError
		svcErr     *ServiceError
		timeoutErr *TimeoutError
		valErr     *ValidationError
	)
	switch {
	case errors.As(err, &rateErr),
		errors.As(err, &svcErr),
		errors.As(err, &timeoutErr),
		errors.As(err, &valErr):
		return true
	}
	return false
}

// IsAuthError reports whether err is an authentication rejection.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
