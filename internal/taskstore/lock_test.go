package taskstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramarlina/agx/internal/fsio"
)

func TestAcquireLockExclusive(t *testing.T) {
	taskDir := filepath.Join(t.TempDir(), "proj", "task")

	first, err := AcquireLock(taskDir)
	require.NoError(t, err, "first acquisition should succeed")
	defer first.Release()

	_, err = AcquireLock(taskDir)
	require.Error(t, err, "second acquisition must fail while first is held")
	assert.True(t, errors.Is(err, ErrLockHeld), "error should be ErrLockHeld, got %v", err)
}

func TestLockReleaseAllowsReacquire(t *testing.T) {
	taskDir := filepath.Join(t.TempDir(), "proj", "task")

	first, err := AcquireLock(taskDir)
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := AcquireLock(taskDir)
	require.NoError(t, err, "lock should be acquirable after release")
	require.NoError(t, second.Release())
}

func TestLockReleaseIdempotent(t *testing.T) {
	taskDir := filepath.Join(t.TempDir(), "proj", "task")

	lock, err := AcquireLock(taskDir)
	require.NoError(t, err)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release(), "second release must be a no-op")
}

func TestLockWritesLease(t *testing.T) {
	taskDir := filepath.Join(t.TempDir(), "proj", "task")

	lock, err := AcquireLock(taskDir)
	require.NoError(t, err)
	defer lock.Release()

	var rec lease
	require.NoError(t, fsio.ReadJSON(filepath.Join(taskDir, ".lock.lease"), &rec))
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.NotEmpty(t, rec.Host)
	assert.Greater(t, rec.LeaseS, 0)
}

func TestStaleLeaseFromDeadPidIsBroken(t *testing.T) {
	taskDir := filepath.Join(t.TempDir(), "proj", "task")
	require.NoError(t, os.MkdirAll(taskDir, 0700))

	// Simulate a crashed holder on this host: the flock vanished with the
	// process, but its lease record remains with a pid that no longer exists.
	host, _ := os.Hostname()
	dead := lease{
		PID:        1 << 22, // beyond any default pid_max
		Host:       host,
		AcquiredAt: time.Now().UTC(),
		LeaseS:     3600,
	}
	require.NoError(t, fsio.AtomicWriteJSON(filepath.Join(taskDir, ".lock.lease"), &dead))

	lock, err := AcquireLock(taskDir)
	require.NoError(t, err, "stale lease from a dead pid should be broken")
	require.NoError(t, lock.Release())
}

func TestLiveLeaseIsHonored(t *testing.T) {
	taskDir := filepath.Join(t.TempDir(), "proj", "task")
	require.NoError(t, os.MkdirAll(taskDir, 0700))

	// A lease held by a live pid (ours) with time remaining must be refused
	// even though no flock is currently held. The OS lock does not survive a
	// handoff between checks; the lease record is what backs the lease
	// semantics.
	host, _ := os.Hostname()
	live := lease{
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: time.Now().UTC(),
		LeaseS:     3600,
	}
	require.NoError(t, fsio.AtomicWriteJSON(filepath.Join(taskDir, ".lock.lease"), &live))

	_, err := AcquireLock(taskDir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockHeld))
}
