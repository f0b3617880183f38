package archive

import (
	"context"
	"errors"
)

// Error taxonomy for fetch clients, the store and the orchestrator.
var (
	// ErrNotFound means the provider has no data for the date. It is terminal for
	// that direction of the walk and must not be retried.
	ErrNotFound = errors.New("no data for date")
	// ErrRateLimited means the provider is throttling or blocking requests.
	ErrRateLimited = errors.New("rate limited")
	// ErrSessionDead means the automated session was lost mid-request.
	ErrSessionDead = errors.New("session dead")
	// ErrTimeout means a single fetch exceeded its wait budget.
	ErrTimeout = errors.New("fetch timed out")
	// ErrInvalidResponse means the upstream payload did not have the expected shape.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrStoreWrite means a shard could not be persisted.
	ErrStoreWrite = errors.New("store write failed")
	// ErrSessionUnavailable means no automated session could be established.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrUnknownProvider is returned for unrecognized provider names.
	ErrUnknownProvider = errors.New("unknown provider")
)

// IsRetryable reports whether a stateless client may retry the request in place.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

// IsFatal reports whether err must abort the whole provider batch.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrSessionUnavailable) ||
		errors.Is(err, ErrStoreWrite) ||
		errors.Is(err, ErrUnknownProvider) ||
		errors.Is(err, context.Canceled)
}

// Outcome maps a fetch result to a short label for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrSessionDead):
		return "session_dead"
	case errors.Is(err, ErrSessionUnavailable):
		return "session_unavailable"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
