// Package storage defines the object provider contract used to persist shards.
// This abstraction keeps the record store independent of a specific backend
// (local filesystem, Google Cloud Storage, or memory).
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Provider reads and writes whole objects addressed by slash-separated paths.
type Provider interface {
	// Get returns the full object content or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)
	// Put replaces the object atomically: readers observe either the previous
	// content or the new content, never a partial write.
	Put(ctx context.Context, path string, data []byte) error
	// List returns the paths of all objects under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
