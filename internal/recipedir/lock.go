package recipedir

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is an exclusive file lock, acquired via flock(2), matching the
// spec's "non-blocking acquire first; if contended, log and block" policy
// (the logging decision is the caller's — see internal/orchestrator).
type Lock struct {
	f *os.File
}

// TryAcquire attempts a non-blocking exclusive lock on path, creating the
// lock file if needed. ok is false (with a nil error) when the lock is
// currently held by someone else.
func TryAcquire(path string) (lock *Lock, ok bool, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("recipedir: open lock %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("recipedir: flock %s: %w", path, err)
	}
	return &Lock{f: f}, true, nil
}

// Acquire blocks until the exclusive lock on path is obtained.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recipedir: open lock %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("recipedir: flock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("recipedir: unlock: %w", err)
	}
	return l.f.Close()
}
