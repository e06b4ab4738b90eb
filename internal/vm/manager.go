package vm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/containerd/log"

	"github.com/javanstorm/vmlab/internal/osaccess"
	"github.com/javanstorm/vmlab/internal/pool"
	"github.com/javanstorm/vmlab/internal/timing"
	"github.com/javanstorm/vmlab/pkg/hypervisor"
)

// ErrMachineInUse is returned when acting on a machine that a live
// Manager in this process still owns.
var ErrMachineInUse = errors.New("vm: machine is owned by this process")

// Dialer opens access to a powered-on guest whose ports are forwarded
// to address.
type Dialer func(ctx context.Context, address string, ports hypervisor.PortMap) (*osaccess.Access, error)

// SSHDialer returns a Dialer that reaches Linux guests over SSH as user
// with the private key at keyPath.
func SSHDialer(user, keyPath string) Dialer {
	return func(_ context.Context, address string, ports hypervisor.PortMap) (*osaccess.Access, error) {
		return osaccess.DialLinux(address, ports, user, keyPath)
	}
}

// ManagerConfig holds configuration for the machine manager.
type ManagerConfig struct {
	// VBox drives the hypervisor.
	VBox *hypervisor.VirtualBox

	// Ports is the pool slots are claimed from.
	Ports pool.PortRanges

	// StateDir holds one JSON record per machine.
	StateDir string

	// Address is where forwarded ports listen. Defaults to 127.0.0.1.
	Address string

	// Dial opens guest access after power-on.
	Dial Dialer
}

// Manager provisions machines and keeps track of their state.
type Manager struct {
	cfg ManagerConfig

	mu       sync.RWMutex
	machines map[string]*Machine
}

// NewManager creates a new machine manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.VBox == nil {
		return nil, errors.New("vm: hypervisor is required")
	}
	if cfg.StateDir == "" {
		return nil, errors.New("vm: state directory is required")
	}
	if cfg.Dial == nil {
		return nil, errors.New("vm: dialer is required")
	}
	if err := cfg.Ports.Validate(); err != nil {
		return nil, err
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}
	return &Manager{
		cfg:      cfg,
		machines: make(map[string]*Machine),
	}, nil
}

// NewMachine returns an unprovisioned machine for spec.
func (m *Manager) NewMachine(spec Spec) *Machine {
	spec.defaults()
	return &Machine{
		Spec:  spec,
		Timer: timing.New(),
		mgr:   m,
		state: StateUnregistered,
	}
}

// Up provisions a machine. The caller must Teardown it.
func (m *Manager) Up(ctx context.Context, spec Spec) (*Machine, error) {
	mc := m.NewMachine(spec)
	if err := mc.Provision(ctx); err != nil {
		return nil, err
	}
	return mc, nil
}

// With provisions a machine, calls fn with it and tears it down however
// fn returns.
func (m *Manager) With(ctx context.Context, spec Spec, fn func(ctx context.Context, mc *Machine) error) (err error) {
	mc, err := m.Up(ctx, spec)
	if err != nil {
		return err
	}
	defer func() {
		if terr := mc.Teardown(context.WithoutCancel(ctx)); terr != nil {
			if err != nil {
				mc.logger(ctx).WithError(terr).Warn("teardown failed while handling another error")
			}
			err = errors.Join(err, terr)
		}
	}()
	return fn(ctx, mc)
}

// Machine returns a live machine of this manager by name.
func (m *Manager) Machine(name string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.machines[name]
	return mc, ok
}

// Machines returns the live machines of this manager sorted by name.
func (m *Manager) Machines() []*Machine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Machine, 0, len(m.machines))
	for _, mc := range m.machines {
		out = append(out, mc)
	}
	slices.SortFunc(out, func(a, b *Machine) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// List returns the records of all machines, including those of other
// processes.
func (m *Manager) List() ([]Record, error) {
	return ReadRecords(m.cfg.StateDir)
}

// VM returns a hypervisor handle for name.
func (m *Manager) VM(name string) *hypervisor.VM {
	return m.cfg.VBox.VM(name)
}

// Purge removes a machine left behind by another process. Machines
// owned by this manager go through Teardown instead.
func (m *Manager) Purge(ctx context.Context, name string) error {
	if _, ok := m.Machine(name); ok {
		return fmt.Errorf("%s: %w", name, ErrMachineInUse)
	}
	if err := m.cfg.VBox.VM(name).Purge(ctx); err != nil {
		return err
	}
	sf := NewStateFile(m.cfg.StateDir, name)
	if err := sf.Update(func(r *Record) { r.State = StatePurged }); err != nil {
		log.G(ctx).WithError(err).WithField("vm", name).Warn("failed to record purge")
	}
	return nil
}

// setState moves mc to state and persists it together with mutate.
func (m *Manager) setState(ctx context.Context, mc *Machine, state State, mutate func(*Record)) {
	mc.mu.Lock()
	from := mc.state
	mc.state = state
	mc.mu.Unlock()

	m.mu.Lock()
	if state == StatePurged {
		delete(m.machines, mc.Name())
	} else {
		m.machines[mc.Name()] = mc
	}
	m.mu.Unlock()

	mc.logger(ctx).WithField("from", from).WithField("to", state).Debug("state changed")
	m.record(ctx, mc, func(r *Record) {
		r.State = state
		if mutate != nil {
			mutate(r)
		}
	})
}

// record persists a change to the record of mc. State tracking must not
// fail provisioning, so errors are only logged.
func (m *Manager) record(ctx context.Context, mc *Machine, mutate func(*Record)) {
	sf := NewStateFile(m.cfg.StateDir, mc.Name())
	if err := sf.Update(mutate); err != nil {
		mc.logger(ctx).WithError(err).Warn("failed to record machine state")
	}
}

func (m *Manager) forget(mc *Machine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.machines[mc.Name()]; ok && cur == mc {
		delete(m.machines, mc.Name())
	}
}
