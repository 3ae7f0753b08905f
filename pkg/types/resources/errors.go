package resources

import (
	"fmt"
	"time"
)

// ParseError describes a malformed document. It is a diagnostic, not a hard
// failure: the document is still indexed with degraded fields.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Path, e.Reason)
}

// NotFoundError indicates a static URI with no matching document.
type NotFoundError struct {
	URI string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.URI)
}

// ProviderTimeoutError indicates a provider call exceeded its configured
// deadline. It is isolated to that provider for that call.
type ProviderTimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *ProviderTimeoutError) Error() string {
	return fmt.Sprintf("provider %s timed out after %s", e.Provider, e.Timeout)
}

// ProviderUnavailableError indicates a provider could not serve a call at
// all (network failure, unreadable root, bad response).
type ProviderUnavailableError struct {
	Provider string
	Reason   string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %s", e.Provider, e.Reason)
}

// RateLimitExceededError indicates the provider's client-side token bucket
// was empty. Callers of single-provider operations see it directly; during
// fan-out it is treated like a timeout.
type RateLimitExceededError struct {
	Provider string
	ResetAt  time.Time
}

func (e *RateLimitExceededError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("provider %s rate limit exceeded", e.Provider)
	}
	return fmt.Sprintf("provider %s rate limit exceeded, resets at %s", e.Provider, e.ResetAt.Format(time.RFC3339))
}

// InvalidURIError indicates a malformed resource URI or query string. It is
// fatal to that call only.
type InvalidURIError struct {
	URI    string
	Reason string
}

func (e *InvalidURIError) Error() string {
	return fmt.Sprintf("invalid resource URI %q: %s", e.URI, e.Reason)
}
