package taskstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/ramarlina/agx/internal/fsio"
)

// ErrLockHeld is returned when another live holder owns the task lock.
// Callers must back off; the lock is never forced while its holder is alive.
var ErrLockHeld = errors.New("task lock held by another process")

// DefaultLockLease is how long a lease is honored after acquisition before a
// dead holder's lock may be broken.
const DefaultLockLease = 30 * time.Minute

// lease is the JSON record written next to the flock so that other processes
// can identify the holder and detect staleness after a hard crash.
type lease struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
	LeaseS     int       `json:"lease_s"`
}

func (l *lease) expired(now time.Time) bool {
	return now.After(l.AcquiredAt.Add(time.Duration(l.LeaseS) * time.Second))
}

// Lock is an exclusive lease over one task directory. At most one holder
// exists at any time; Release is idempotent and must run from a deferred
// cleanup path on every exit from the holder's work.
type Lock struct {
	taskDir string
	fl      *flock.Flock

	mu       sync.Mutex
	released bool
}

// AcquireLock takes the exclusive lock for a task directory. It fails fast
// with ErrLockHeld if a live holder exists. A lease whose TTL has expired and
// whose recorded pid no longer answers a signal-0 probe is considered stale
// and is broken.
func AcquireLock(taskDir string) (*Lock, error) {
	if err := os.MkdirAll(taskDir, 0700); err != nil {
		return nil, storageErr("mkdir", taskDir, err)
	}

	lockPath := filepath.Join(taskDir, ".lock")
	fl := flock.New(lockPath)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, storageErr("lock", lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", taskDir, ErrLockHeld)
	}

	// The flock is ours, but a same-process re-acquisition slips past OS
	// advisory locking, and a crashed holder on another boot leaves a lease
	// behind. Inspect the lease record before claiming ownership.
	var prev lease
	if err := fsio.ReadJSON(lockPath+".lease", &prev); err == nil {
		if !staleLease(&prev) {
			fl.Unlock()
			return nil, fmt.Errorf("%s held by pid %d on %s: %w", taskDir, prev.PID, prev.Host, ErrLockHeld)
		}
	}

	host, _ := os.Hostname()
	rec := lease{
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: time.Now().UTC(),
		LeaseS:     int(DefaultLockLease.Seconds()),
	}
	if err := fsio.AtomicWriteJSON(lockPath+".lease", &rec); err != nil {
		fl.Unlock()
		return nil, storageErr("write", lockPath+".lease", err)
	}

	return &Lock{taskDir: taskDir, fl: fl}, nil
}

// Release drops the lock. Safe to call multiple times.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	os.Remove(filepath.Join(l.taskDir, ".lock.lease"))
	return l.fl.Unlock()
}

// TaskDir returns the directory this lock guards.
func (l *Lock) TaskDir() string { return l.taskDir }

// staleLease reports whether a lease left on disk no longer protects a live
// holder: its TTL must have elapsed and its pid must fail a liveness probe.
func staleLease(prev *lease) bool {
	if !prev.expired(time.Now().UTC()) {
		// A same-host probe can short-circuit: if the recorded pid is gone,
		// the holder died regardless of remaining TTL.
		host, _ := os.Hostname()
		if prev.Host == host && !pidAlive(prev.PID) {
			return true
		}
		return false
	}

	host, _ := os.Hostname()
	if prev.Host != host {
		// Cannot probe a remote pid; expired TTL is the only signal.
		return true
	}
	return !pidAlive(prev.PID)
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
