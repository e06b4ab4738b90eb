//go:build windows

package filelock

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// Locks cover the first byte only. The region may lie past the end of
// an empty file.
const (
	lockOffset = 0
	lockLength = 1
)

func lockFileEx(f *os.File, flags uint32) error {
	ol := new(windows.Overlapped)
	ol.Offset = lockOffset
	return windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, lockLength, 0, ol)
}

func unlockFileEx(f *os.File) error {
	ol := new(windows.Overlapped)
	ol.Offset = lockOffset
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, lockLength, 0, ol)
}

func tryLock(f *os.File, flags uint32) (bool, error) {
	err := lockFileEx(f, flags|windows.LOCKFILE_FAIL_IMMEDIATELY)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, windows.ERROR_LOCK_VIOLATION), errors.Is(err, windows.ERROR_IO_PENDING):
		return false, nil
	default:
		return false, &os.PathError{Op: "LockFileEx", Path: f.Name(), Err: err}
	}
}

func tryLockExclusive(f *os.File) (bool, error) {
	return tryLock(f, windows.LOCKFILE_EXCLUSIVE_LOCK)
}

func tryLockShared(f *os.File) (bool, error) {
	return tryLock(f, 0)
}

// A shared lock may overlap an exclusive one taken through the same
// handle. Unlocking once then drops the exclusive lock and leaves the
// shared one in place.
func downgrade(f *os.File) error {
	ok, err := tryLock(f, 0)
	if err != nil {
		return err
	}
	if !ok {
		return &os.PathError{Op: "downgrade", Path: f.Name(), Err: windows.ERROR_LOCK_VIOLATION}
	}
	if err := unlockFileEx(f); err != nil {
		return &os.PathError{Op: "UnlockFileEx", Path: f.Name(), Err: err}
	}
	return nil
}

func waitBlocking(f *os.File) error {
	if err := lockFileEx(f, windows.LOCKFILE_EXCLUSIVE_LOCK); err != nil {
		return &os.PathError{Op: "LockFileEx", Path: f.Name(), Err: err}
	}
	return nil
}

func unlock(f *os.File) error {
	return unlockFileEx(f)
}
