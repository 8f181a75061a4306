package fsx

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ErrLockBusy is returned when a lock cannot be acquired within the retry
// budget. Callers surface it as a concurrency conflict.
var ErrLockBusy = errors.New("lock busy: held by another process")

const (
	defaultLockWait = 5 * time.Second
	lockPollInitial = 5 * time.Millisecond
	lockPollCeiling = 250 * time.Millisecond
)

// Lock is an exclusive advisory flock on a file. The kernel releases it on
// any process exit, so a crashed holder never strands the resource.
type Lock struct {
	path string
	f    *os.File
}

// lockOwner is written into the lock file for diagnostics only. Ownership is
// enforced by flock, not by this document.
type lockOwner struct {
	PID        int    `json:"pid"`
	OwnerToken string `json:"owner_token"`
	AcquiredAt string `json:"acquired_at"`
}

// AcquireLock takes an exclusive flock on path, creating the file if needed.
// It polls with backoff until ctx is done or the wait budget is exhausted,
// then returns ErrLockBusy.
func AcquireLock(ctx context.Context, path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(defaultLockWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	delay := lockPollInitial
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			writeOwner(f)
			return &Lock{path: path, f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, err
		}
		if time.Now().Add(delay).After(deadline) {
			_ = f.Close()
			return nil, ErrLockBusy
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > lockPollCeiling {
			delay = lockPollCeiling
		}
	}
}

func writeOwner(f *os.File) {
	owner := lockOwner{
		PID:        os.Getpid(),
		OwnerToken: uuid.NewString(),
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		return
	}
	b = append(b, '\n')
	// Best effort: the document is advisory metadata for humans reading a
	// contended lock, never consulted for correctness.
	_ = f.Truncate(0)
	_, _ = f.WriteAt(b, 0)
}

// Release drops the flock and closes the file. The lock file itself is left
// in place; removing it would race concurrent acquirers.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// Path reports the lock file location.
func (l *Lock) Path() string { return l.path }
