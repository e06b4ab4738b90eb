//go:build !windows

package filelock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// flock is used rather than fcntl locks: flock locks belong to the open
// file description, so two handles of one process exclude each other,
// which matches LockFileEx on Windows.

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func tryLock(f *os.File, how int) (bool, error) {
	err := flock(f, how|unix.LOCK_NB)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EWOULDBLOCK):
		return false, nil
	default:
		return false, &os.PathError{Op: "flock", Path: f.Name(), Err: err}
	}
}

func tryLockExclusive(f *os.File) (bool, error) {
	return tryLock(f, unix.LOCK_EX)
}

func tryLockShared(f *os.File) (bool, error) {
	return tryLock(f, unix.LOCK_SH)
}

// A repeated flock on the same descriptor converts the existing lock.
func downgrade(f *os.File) error {
	ok, err := tryLock(f, unix.LOCK_SH)
	if err != nil {
		return err
	}
	if !ok {
		return &os.PathError{Op: "downgrade", Path: f.Name(), Err: unix.EWOULDBLOCK}
	}
	return nil
}

func waitBlocking(f *os.File) error {
	if err := flock(f, unix.LOCK_EX); err != nil {
		return &os.PathError{Op: "flock", Path: f.Name(), Err: err}
	}
	return nil
}

func unlock(f *os.File) error {
	return flock(f, unix.LOCK_UN)
}
