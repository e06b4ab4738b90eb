// Package filelock provides cross-process advisory locks over files.
//
// Lock state lives in the operating system (flock on Unix, LockFileEx on
// Windows) and is released when the handle is closed or the owning
// process dies. The content of a lock file is never read or written.
package filelock

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/log"
)

const (
	minWaitDelay = 100 * time.Millisecond
	maxWaitDelay = 250 * time.Millisecond
)

// TryLockExclusive attempts a non-blocking exclusive lock on f.
// It returns false if another handle holds the lock.
func TryLockExclusive(f *os.File) (bool, error) {
	return tryLockExclusive(f)
}

// TryLockShared attempts a non-blocking shared lock on f.
func TryLockShared(f *os.File) (bool, error) {
	return tryLockShared(f)
}

// Downgrade converts an exclusive lock held through f into a shared one.
func Downgrade(f *os.File) error {
	return downgrade(f)
}

// WaitBlocking blocks until f is locked exclusively. It cannot be
// cancelled.
func WaitBlocking(f *os.File) error {
	return waitBlocking(f)
}

// Handle is an open lock file holding a lock.
type Handle struct {
	path string
	f    *os.File

	once     sync.Once
	closeErr error
}

// Path returns the lock file path.
func (h *Handle) Path() string {
	return h.path
}

// File returns the underlying descriptor, e.g. for Downgrade.
func (h *Handle) File() *os.File {
	return h.f
}

// Close releases the lock. It is safe to call more than once.
func (h *Handle) Close() error {
	h.once.Do(func() {
		_ = unlock(h.f)
		h.closeErr = h.f.Close()
	})
	return h.closeErr
}

func open(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	// Read-only so that acquiring a lock can never alter the body.
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// TryLocked opens path and locks it exclusively without waiting.
// It returns ErrAlreadyLocked if the lock is held elsewhere.
func TryLocked(ctx context.Context, path string) (*Handle, error) {
	logger := log.G(ctx).WithField("lock", path)
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	ok, err := tryLockExclusive(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if !ok {
		f.Close()
		logger.Debug("lock is held elsewhere")
		return nil, fmt.Errorf("lock %s: %w", path, ErrAlreadyLocked)
	}
	logger.Debug("locked exclusively")
	return &Handle{path: path, f: f}, nil
}

// WithTryLocked runs fn while holding an exclusive lock on path.
// The lock is released on every return path.
func WithTryLocked(ctx context.Context, path string, fn func() error) error {
	h, err := TryLocked(ctx, path)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn()
}

// WaitLocked opens path and blocks until it is locked exclusively.
func WaitLocked(ctx context.Context, path string) (*Handle, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := waitBlocking(f); err != nil {
		f.Close()
		return nil, err
	}
	log.G(ctx).WithField("lock", path).Debug("locked exclusively after blocking wait")
	return &Handle{path: path, f: f}, nil
}

// backoff returns the delay before the next attempt. Early attempts
// wait up to minWaitDelay+maxWaitDelay; the random part shrinks as the
// deadline approaches.
func backoff(remaining, timeout time.Duration) time.Duration {
	if timeout <= 0 || remaining <= 0 {
		return minWaitDelay
	}
	spread := time.Duration(float64(maxWaitDelay) * float64(remaining) / float64(timeout))
	if spread <= 0 {
		return minWaitDelay
	}
	return minWaitDelay + rand.N(spread+1)
}

// WaitLockedExclusively retries an exclusive lock on path until it is
// acquired or timeout elapses, in which case ErrAlreadyLocked is
// returned. Cancelling ctx aborts the wait.
func WaitLockedExclusively(ctx context.Context, path string, timeout time.Duration) (*Handle, error) {
	logger := log.G(ctx).WithField("lock", path)
	deadline := time.Now().Add(timeout)
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	for {
		ok, err := tryLockExclusive(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		if ok {
			logger.Debug("locked exclusively")
			return &Handle{path: path, f: f}, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			f.Close()
			return nil, fmt.Errorf("lock %s after %s: %w", path, timeout, ErrAlreadyLocked)
		}
		delay := min(backoff(remaining, timeout), remaining)
		logger.WithField("delay", delay).Debug("lock is held elsewhere, waiting")
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Directory hands out named lock files under one directory.
type Directory struct {
	dir string
}

// NewDirectory creates dir if needed.
func NewDirectory(dir string) (*Directory, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Directory{dir: dir}, nil
}

// Path returns the lock file path for name.
func (d *Directory) Path(name string) string {
	return filepath.Join(d.dir, name+".lock")
}

// TryLocked locks the file for name exclusively without waiting.
func (d *Directory) TryLocked(ctx context.Context, name string) (*Handle, error) {
	return TryLocked(ctx, d.Path(name))
}

// WaitLockedExclusively waits up to timeout for the lock on name.
func (d *Directory) WaitLockedExclusively(ctx context.Context, name string, timeout time.Duration) (*Handle, error) {
	return WaitLockedExclusively(ctx, d.Path(name), timeout)
}
