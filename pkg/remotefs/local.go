package remotefs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// NewLocal returns the host filesystem.
func NewLocal() *FS {
	return &FS{drv: localDriver{}, name: "local"}
}

type localDriver struct{}

func native(p string) string { return filepath.FromSlash(p) }

func (localDriver) readFile(_ context.Context, p string) ([]byte, error) {
	return os.ReadFile(native(p))
}

func (localDriver) writeFile(_ context.Context, p string, data []byte) error {
	return os.WriteFile(native(p), data, 0o644)
}

func (localDriver) mkdir(_ context.Context, p string) error {
	return os.Mkdir(native(p), 0o755)
}

func (localDriver) remove(_ context.Context, p string) error {
	return os.Remove(native(p))
}

func (localDriver) rmdir(_ context.Context, p string) error {
	if err := syscall.Rmdir(native(p)); err != nil {
		return &os.PathError{Op: "rmdir", Path: p, Err: err}
	}
	return nil
}

func (localDriver) rename(_ context.Context, from, to string) error {
	return os.Rename(native(from), native(to))
}

func (localDriver) stat(_ context.Context, p string) (fs.FileInfo, error) {
	return os.Stat(native(p))
}

func (localDriver) readDir(_ context.Context, p string) ([]fs.FileInfo, error) {
	entries, err := os.ReadDir(native(p))
	if err != nil {
		return nil, err
	}
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Removed between listing and stat.
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (localDriver) classify(err error) Kind {
	switch {
	case errors.Is(err, syscall.ENOTEMPTY), errors.Is(err, syscall.EEXIST) && isRmdir(err):
		return KindNotEmpty
	case errors.Is(err, syscall.EISDIR):
		return KindIsADirectory
	case errors.Is(err, syscall.ENOTDIR):
		return KindNotADirectory
	case errors.Is(err, syscall.EBUSY):
		return KindCannotDelete
	case errors.Is(err, fs.ErrNotExist):
		return KindFileNotFound
	case errors.Is(err, fs.ErrExist):
		return KindFileExists
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	}
	return KindUnknown
}

func isRmdir(err error) bool {
	var pe *os.PathError
	return errors.As(err, &pe) && pe.Op == "rmdir"
}

func (localDriver) close() error { return nil }
