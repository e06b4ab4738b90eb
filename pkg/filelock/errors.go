package filelock

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrAlreadyLocked is returned when a lock is held by another handle.
// It is recoverable: the caller decides whether to retry or give up.
var ErrAlreadyLocked = fmt.Errorf("filelock: already locked: %w", errdefs.ErrUnavailable)
