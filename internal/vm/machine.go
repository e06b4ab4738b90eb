package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/javanstorm/vmlab/internal/osaccess"
	"github.com/javanstorm/vmlab/internal/pool"
	"github.com/javanstorm/vmlab/internal/timing"
	"github.com/javanstorm/vmlab/pkg/hypervisor"
)

// DefaultReadyTimeout bounds the wait for a freshly booted guest.
const DefaultReadyTimeout = 3 * time.Minute

// GuestPort is a guest port exposed on the host through NAT.
type GuestPort struct {
	Protocol string
	Port     int
}

// DefaultGuestPorts are forwarded when a Spec names none: SSH, SMB and
// HTTP.
var DefaultGuestPorts = []GuestPort{
	{Protocol: "tcp", Port: 22},
	{Protocol: "tcp", Port: 445},
	{Protocol: "tcp", Port: 80},
}

// Spec describes a machine to provision.
type Spec struct {
	// Prefix names the machine; the slot index is appended.
	Prefix string

	// Settings are the hardware parameters. Forwards are filled in from
	// the claimed slot.
	Settings hypervisor.Settings

	// GuestPorts are forwarded to consecutive ports of the slot.
	GuestPorts []GuestPort

	// Disk creates the system disk.
	Disk hypervisor.Disk

	// ReadyTimeout bounds the wait for the guest after power-on.
	ReadyTimeout time.Duration
}

func (s *Spec) defaults() {
	if s.Prefix == "" {
		s.Prefix = "vmlab"
	}
	if len(s.GuestPorts) == 0 {
		s.GuestPorts = DefaultGuestPorts
	}
	if s.ReadyTimeout == 0 {
		s.ReadyTimeout = DefaultReadyTimeout
	}
}

// Forwards maps guest ports onto consecutive ports of slot.
func Forwards(slot *pool.PortRange, ports []GuestPort) ([]hypervisor.PortForward, error) {
	out := make([]hypervisor.PortForward, 0, len(ports))
	for i, gp := range ports {
		host, err := slot.Port(i)
		if err != nil {
			return nil, fmt.Errorf("forward %s/%d: %w", gp.Protocol, gp.Port, err)
		}
		out = append(out, hypervisor.PortForward{Protocol: gp.Protocol, HostPort: host, GuestPort: gp.Port})
	}
	return out, nil
}

// Machine is one VM together with what it holds on the host: a port
// range, the registration and, once the guest is up, its access.
type Machine struct {
	Spec   Spec
	Slot   *pool.PortRange
	VM     *hypervisor.VM
	Ports  hypervisor.PortMap
	Access *osaccess.Access
	Timer  *timing.Timer

	mgr *Manager

	mu       sync.Mutex
	state    State
	tornDown bool
}

// Name returns the machine name, or "" before a slot is claimed.
func (m *Machine) Name() string {
	if m.VM == nil {
		return ""
	}
	return m.VM.Name()
}

func (m *Machine) String() string {
	if m.VM == nil {
		return "machine " + m.Spec.Prefix + "-?"
	}
	return "machine " + m.VM.Name()
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) logger(ctx context.Context) *log.Entry {
	return log.G(ctx).WithField("vm", m.Name())
}

// Provision claims a slot, registers the machine with forwards from
// that slot, powers it on and waits for the guest. On failure
// everything acquired so far is torn down before returning.
func (m *Machine) Provision(ctx context.Context) (err error) {
	defer func() {
		if err == nil {
			return
		}
		m.logger(ctx).WithError(err).Error("provisioning failed")
		if m.VM != nil {
			m.mgr.record(ctx, m, func(r *Record) { r.Error = err.Error() })
		}
		if terr := m.Teardown(context.WithoutCancel(ctx)); terr != nil {
			err = errors.Join(err, fmt.Errorf("teardown: %w", terr))
		}
	}()

	slot, err := m.mgr.cfg.Ports.Claim(ctx)
	if err != nil {
		return err
	}
	m.Slot = slot
	m.VM = m.mgr.cfg.VBox.VM(slot.Name(m.Spec.Prefix))
	m.Timer.Mark(ctx, "lock")

	forwards, err := Forwards(slot, m.Spec.GuestPorts)
	if err != nil {
		return err
	}
	settings := m.Spec.Settings
	settings.Forwards = forwards
	if err := settings.Validate(); err != nil {
		return err
	}
	m.Ports = hypervisor.NewPortMap(forwards)

	if err := m.register(ctx, settings); err != nil {
		return err
	}
	m.mgr.setState(ctx, m, StateRegistered, func(r *Record) {
		r.Slot = slot.Index
		r.PID = os.Getpid()
		r.User = m.mgr.cfg.VBox.Config().RunAsUser
		r.Forwards = forwards
		r.Disk = m.VM.DiskPath()
		r.Error = ""
	})
	m.Timer.Mark(ctx, "register")

	if err := m.VM.PowerOn(ctx); err != nil {
		return err
	}
	m.mgr.setState(ctx, m, StateRunning, func(r *Record) {
		r.LastBoot = time.Now().UTC()
		r.BootCount++
	})
	m.Timer.Mark(ctx, "power-on")

	access, err := m.mgr.cfg.Dial(ctx, m.mgr.cfg.Address, m.Ports)
	if err != nil {
		return fmt.Errorf("access %s: %w", m, err)
	}
	m.Access = access
	if err := access.WaitReady(ctx, m.Spec.ReadyTimeout); err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}
	m.Timer.Mark(ctx, "wait-ready")
	m.logger(ctx).WithField("ssh", access.Netloc()).Info("machine is up")
	return nil
}

// register registers the machine. Holding the slot means nobody else
// uses its name, so leftovers of a holder that died are purged and the
// registration is repeated once.
func (m *Machine) register(ctx context.Context, s hypervisor.Settings) error {
	err := m.VM.Register(ctx, s, m.Spec.Disk)
	if !errors.Is(err, hypervisor.ErrSettingsExist) {
		return err
	}
	m.logger(ctx).Warn("leftovers of a previous holder, purging")
	if err := m.VM.Purge(ctx); err != nil {
		return fmt.Errorf("purge leftovers: %w", err)
	}
	return m.VM.Register(ctx, s, m.Spec.Disk)
}

// Stop shuts the guest down, powering off if it does not comply within
// timeout. The machine stays registered.
func (m *Machine) Stop(ctx context.Context, timeout time.Duration) error {
	if m.VM == nil {
		return fmt.Errorf("%s: %w", m, hypervisor.ErrVMNotFound)
	}
	if m.Access != nil {
		if err := m.Access.Close(); err != nil {
			m.logger(ctx).WithError(err).Debug("close access")
		}
	}
	err := m.VM.Shutdown(ctx, timeout)
	if errors.Is(err, hypervisor.ErrShutdownTimeout) {
		m.logger(ctx).WithError(err).Warn("guest ignored shutdown, powering off")
		err = m.VM.PowerOff(ctx)
	}
	if err != nil {
		return err
	}
	m.mgr.setState(ctx, m, StateStopped, nil)
	return nil
}

// Teardown closes guest access, purges the machine and releases the
// slot. Every step runs even if an earlier one fails. Calling it again
// is a no-op.
func (m *Machine) Teardown(ctx context.Context) error {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return nil
	}
	m.tornDown = true
	m.mu.Unlock()

	logger := m.logger(ctx)
	var errs []error
	if m.Access != nil {
		if err := m.Access.Close(); err != nil {
			logger.WithError(err).Warn("close guest access")
		}
		m.Access = nil
	}
	if m.VM != nil {
		if err := m.VM.Purge(ctx); err != nil {
			errs = append(errs, err)
		} else {
			m.mgr.setState(ctx, m, StatePurged, nil)
		}
	}
	if m.Slot != nil {
		if err := m.Slot.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release slot %d: %w", m.Slot.Index, err))
		}
	}
	if m.Timer != nil {
		m.Timer.Mark(ctx, "teardown")
	}
	m.mgr.forget(m)
	return errors.Join(errs...)
}
