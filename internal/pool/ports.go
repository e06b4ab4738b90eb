// Package pool allocates host resources that must not be shared between
// concurrently running VMs. Allocation is coordinated only through
// file locks, so independent processes can compete for the same pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/containerd/log"

	"github.com/javanstorm/vmlab/internal/metrics"
	"github.com/javanstorm/vmlab/pkg/filelock"
)

// PortRanges describes a pool of equally sized host port ranges.
//
// Identities map onto disjoint blocks of Slots indices, so runners that
// share a lock directory but use different identities never compete.
type PortRanges struct {
	Dir        string
	Identity   string
	Base       int
	Size       int
	Slots      int
	Namespaces int
}

// DefaultPortRanges returns a pool with 40 ranges of 10 ports per
// identity starting at port 20000.
func DefaultPortRanges(dir, identity string) PortRanges {
	return PortRanges{
		Dir:        dir,
		Identity:   identity,
		Base:       20000,
		Size:       10,
		Slots:      40,
		Namespaces: 100,
	}
}

// Validate checks that every range fits in the port space.
func (p PortRanges) Validate() error {
	if p.Dir == "" {
		return errors.New("pool: lock directory is required")
	}
	if p.Size <= 0 || p.Slots <= 0 || p.Namespaces <= 0 {
		return fmt.Errorf("pool: size, slots and namespaces must be positive (got %d, %d, %d)", p.Size, p.Slots, p.Namespaces)
	}
	if p.Base <= 0 {
		return fmt.Errorf("pool: base port must be positive, got %d", p.Base)
	}
	if last := p.Base + p.Namespaces*p.Slots*p.Size - 1; last > 65535 {
		return fmt.Errorf("pool: ranges end at port %d, beyond 65535", last)
	}
	return nil
}

func (p PortRanges) namespace() int {
	h := fnv.New32a()
	h.Write([]byte(p.Identity))
	return int(h.Sum32() % uint32(p.Namespaces))
}

// Indices returns the candidate slot indices in claim order.
func (p PortRanges) Indices() []int {
	first := p.namespace() * p.Slots
	out := make([]int, p.Slots)
	for i := range out {
		out[i] = first + i
	}
	return out
}

// PortRange is a claimed block of host ports. It stays reserved until
// Release is called or the process exits.
type PortRange struct {
	Index int
	First int
	Size  int

	lock *filelock.Handle
}

// Port returns the i-th port of the range.
func (r *PortRange) Port(i int) (int, error) {
	if i < 0 || i >= r.Size {
		return 0, fmt.Errorf("port %d outside range of %d ports", i, r.Size)
	}
	return r.First + i, nil
}

// Last returns the last port in the range.
func (r *PortRange) Last() int {
	return r.First + r.Size - 1
}

// Name is a stable identifier for things created in this slot, such as
// the VM name.
func (r *PortRange) Name(prefix string) string {
	return prefix + "-" + strconv.Itoa(r.Index)
}

// Release gives the range back to the pool.
func (r *PortRange) Release() error {
	if r.lock == nil {
		return nil
	}
	return r.lock.Close()
}

func portRangeLockName(index int) string {
	return "port-range-" + strconv.Itoa(index)
}

// Claim locks the first free range. It never waits: if every range is
// busy it returns ErrPoolExhausted at once.
func (p PortRanges) Claim(ctx context.Context) (*PortRange, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	dir, err := filelock.NewDirectory(p.Dir)
	if err != nil {
		return nil, err
	}
	for _, index := range p.Indices() {
		h, err := dir.TryLocked(ctx, portRangeLockName(index))
		if errors.Is(err, filelock.ErrAlreadyLocked) {
			continue
		}
		if err != nil {
			metrics.SlotClaims.WithLabelValues("ports", "error").Inc()
			return nil, fmt.Errorf("claim port range %d: %w", index, err)
		}
		r := &PortRange{
			Index: index,
			First: p.Base + index*p.Size,
			Size:  p.Size,
			lock:  h,
		}
		metrics.SlotClaims.WithLabelValues("ports", "claimed").Inc()
		log.G(ctx).WithFields(log.Fields{
			"slot":  index,
			"first": r.First,
			"last":  r.Last(),
		}).Info("claimed port range")
		return r, nil
	}
	metrics.SlotClaims.WithLabelValues("ports", "exhausted").Inc()
	return nil, fmt.Errorf("identity %q, %d slots: %w", p.Identity, p.Slots, ErrPoolExhausted)
}
