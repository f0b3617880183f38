package archive

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
)

// Fetcher retrieves a single observation from one provider.
type Fetcher interface {
	// FetchOne returns the observation for the request or one of the taxonomy
	// errors (ErrNotFound, ErrRateLimited, ErrTimeout, ...).
	FetchOne(ctx context.Context, req BatchRequest) (Observation, error)
	// Mode reports how the orchestrator may dispatch requests.
	Mode() FetchMode
}

// SessionCloser is implemented by stateful fetchers that hold a session which
// must be torn down at the end of a batch.
type SessionCloser interface {
	CloseSession(ctx context.Context) error
}

// RecordStore is the subset of the record store used by the pipeline.
type RecordStore interface {
	Exists(ctx context.Context, date civil.Date, source, target string, provider Provider) (bool, error)
	Write(ctx context.Context, observations []Observation) (int, error)
	Query(ctx context.Context, source, target string, window *DateRange) ([]Observation, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
