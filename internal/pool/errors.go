package pool

import (
	"errors"
	"fmt"

	"github.com/javanstorm/vmlab/pkg/filelock"
)

var (
	// ErrPoolExhausted means every slot is held by someone else. It also
	// matches filelock.ErrAlreadyLocked.
	ErrPoolExhausted = fmt.Errorf("pool: all slots are busy: %w", filelock.ErrAlreadyLocked)

	// ErrNoUsers means no pooled user exists on this host.
	ErrNoUsers = errors.New("pool: no dedicated users configured")

	// ErrAlreadyClaimed is returned when the process already holds a user.
	ErrAlreadyClaimed = errors.New("pool: user already claimed by this process")
)
