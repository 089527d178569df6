package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAccountAvailable: the selector exhausted both pools after
	// filtering and exclusion.
	ErrNoAccountAvailable = errors.New("no account available")

	// ErrQuotaExhausted: the upstream signalled quota exhaustion (429).
	// Surfaced distinctly because the gateway does not fail over once a
	// response has started.
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrInvalidGrant: the refresh credential was permanently rejected.
	ErrInvalidGrant = errors.New("refresh credential rejected")

	// ErrTransientRefresh: a refresh failed for a recoverable reason; the
	// account is flagged for reauthorization.
	ErrTransientRefresh = errors.New("transient refresh failure")

	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// UpstreamFailoverError wraps an upstream HTTP failure that occurred before
// any bytes reached the caller, so the orchestrator can decide between
// transparent re-selection and surfacing.
type UpstreamFailoverError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamFailoverError) Error() string {
	return fmt.Sprintf("upstream failover: status %d", e.StatusCode)
}
