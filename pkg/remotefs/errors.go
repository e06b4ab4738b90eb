package remotefs

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Kind classifies a failed filesystem operation the same way for every
// transport.
type Kind int

const (
	KindUnknown Kind = iota
	KindFileNotFound
	KindIsADirectory
	KindNotADirectory
	KindFileExists
	KindPermissionDenied
	KindNotEmpty
	KindCannotDelete
)

var (
	ErrFileNotFound     = fmt.Errorf("file not found: %w", errdefs.ErrNotFound)
	ErrIsADirectory     = fmt.Errorf("is a directory: %w", errdefs.ErrFailedPrecondition)
	ErrNotADirectory    = fmt.Errorf("not a directory: %w", errdefs.ErrFailedPrecondition)
	ErrFileExists       = fmt.Errorf("file exists: %w", errdefs.ErrAlreadyExists)
	ErrPermissionDenied = fmt.Errorf("permission denied: %w", errdefs.ErrPermissionDenied)
	ErrNotEmpty         = fmt.Errorf("directory not empty: %w", errdefs.ErrFailedPrecondition)
	ErrCannotDelete     = fmt.Errorf("cannot delete: %w", errdefs.ErrFailedPrecondition)
)

func (k Kind) sentinel() error {
	switch k {
	case KindFileNotFound:
		return ErrFileNotFound
	case KindIsADirectory:
		return ErrIsADirectory
	case KindNotADirectory:
		return ErrNotADirectory
	case KindFileExists:
		return ErrFileExists
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindNotEmpty:
		return ErrNotEmpty
	case KindCannotDelete:
		return ErrCannotDelete
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case KindFileNotFound:
		return "file not found"
	case KindIsADirectory:
		return "is a directory"
	case KindNotADirectory:
		return "not a directory"
	case KindFileExists:
		return "file exists"
	case KindPermissionDenied:
		return "permission denied"
	case KindNotEmpty:
		return "directory not empty"
	case KindCannotDelete:
		return "cannot delete"
	}
	return "unknown"
}

// PathError records a failed operation on a path. It matches the sentinel
// of its Kind with errors.Is, along with the transport error.
type PathError struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

func (e *PathError) Error() string {
	s := fmt.Sprintf("remotefs: %s %s", e.Op, e.Path)
	if e.Kind != KindUnknown {
		s += ": " + e.Kind.String()
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *PathError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the Kind of the first PathError in err's chain.
func KindOf(err error) Kind {
	var pe *PathError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
