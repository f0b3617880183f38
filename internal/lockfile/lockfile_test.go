package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lock, err := Acquire(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, Name), lock.Path())

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	again, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquireWhileHeld(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	held, err := Acquire(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release() })

	_, err = Acquire(dir)
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), Name)
}

func TestAcquireLeftoverFileIsNotHeld(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, Name), nil, 0o600))

	lock, err := Acquire(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lock.Release() })

	// The leftover file must not let a second caller in once the lock is taken.
	_, err = Acquire(dir)
	require.ErrorIs(t, err, ErrLocked)
}

func TestAcquireCreatesRoot(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "store")
	lock, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	_, err = os.Stat(filepath.Join(dir, Name))
	assert.NoError(t, err)
}
