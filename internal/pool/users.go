package pool

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"path/filepath"
	"slices"
	"sync"

	"github.com/containerd/log"

	"github.com/javanstorm/vmlab/internal/metrics"
	"github.com/javanstorm/vmlab/pkg/filelock"
)

// DefaultUsers returns the pre-provisioned user names ft-199 down to
// ft-100. Starting from the top keeps clear of the low numbers people
// tend to put in their own configs.
func DefaultUsers() []string {
	users := make([]string, 0, 100)
	for i := 199; i >= 100; i-- {
		users = append(users, fmt.Sprintf("ft-%d", i))
	}
	return users
}

// UserPool hands out one dedicated OS user per process.
type UserPool struct {
	// Dir holds one lock file per user.
	Dir string
	// Users are tried in order after Preferred.
	Users     []string
	Preferred string
	// Exists reports whether an account is present on the host.
	// Nil means look it up in the user database.
	Exists func(name string) bool

	mu   sync.Mutex
	held *filelock.Handle
	name string
}

func userExists(name string) bool {
	_, err := user.Lookup(name)
	return err == nil
}

func (p *UserPool) candidates() []string {
	exists := p.Exists
	if exists == nil {
		exists = userExists
	}
	var names []string
	if p.Preferred != "" {
		names = append(names, p.Preferred)
	}
	for _, name := range p.Users {
		if name != p.Preferred {
			names = append(names, name)
		}
	}
	return slices.DeleteFunc(names, func(name string) bool { return !exists(name) })
}

// Claim locks the first free user and keeps it for the life of the
// process. Calling Claim again after a success returns ErrAlreadyClaimed.
func (p *UserPool) Claim(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.held != nil {
		return "", fmt.Errorf("%s: %w", p.name, ErrAlreadyClaimed)
	}
	names := p.candidates()
	if len(names) == 0 {
		return "", ErrNoUsers
	}
	for _, name := range names {
		h, err := filelock.TryLocked(ctx, filepath.Join(p.Dir, name+".lock"))
		if errors.Is(err, filelock.ErrAlreadyLocked) {
			continue
		}
		if err != nil {
			metrics.SlotClaims.WithLabelValues("users", "error").Inc()
			return "", fmt.Errorf("claim user %s: %w", name, err)
		}
		p.held, p.name = h, name
		metrics.SlotClaims.WithLabelValues("users", "claimed").Inc()
		log.G(ctx).WithField("user", name).Info("user is locked for hypervisor commands")
		return name, nil
	}
	metrics.SlotClaims.WithLabelValues("users", "exhausted").Inc()
	return "", fmt.Errorf("%d users: %w", len(names), ErrPoolExhausted)
}

// Claimed returns the user held by this pool, if any.
func (p *UserPool) Claimed() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name, p.held != nil
}

// Release drops the claimed user.
func (p *UserPool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held == nil {
		return nil
	}
	err := p.held.Close()
	p.held, p.name = nil, ""
	return err
}
