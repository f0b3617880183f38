// Package lockfile prevents two archival processes from writing the same store.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Name is the lock file created inside the store root.
const Name = ".fxarchive.lock"

// ErrLocked is returned when another holder has the lock.
var ErrLocked = errors.New("store is locked by another process")

// Lock is a held store lock. The kernel drops it if the holder exits.
type Lock struct {
	path string
	fl   *flock.Flock
}

// Acquire takes the lock in dir without blocking. The lock file itself is
// left in place on release; only the advisory lock on it matters.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create lock parent: %w", err)
	}
	fl := flock.New(filepath.Join(dir, Name))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, fl.Path())
	}
	return &Lock{path: fl.Path(), fl: fl}, nil
}

// Path returns the lock file.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	l.fl = nil
	return nil
}
