package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/containerd/log"

	"github.com/javanstorm/vmlab/internal/artifact"
	"github.com/javanstorm/vmlab/internal/config"
	"github.com/javanstorm/vmlab/internal/pool"
	"github.com/javanstorm/vmlab/internal/vm"
	"github.com/javanstorm/vmlab/pkg/hypervisor"
	"github.com/javanstorm/vmlab/pkg/remote"
)

// host bundles what commands need to drive VirtualBox on this machine.
type host struct {
	cfg   *config.Config
	users *pool.UserPool
	vbox  *hypervisor.VirtualBox
}

// openHost builds a VirtualBox handle from the loaded config. With
// run_as_user set it claims a user from the pool for the life of the
// process.
func openHost(ctx context.Context) (*host, error) {
	cfg := config.Global
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	h := &host{cfg: cfg}
	runAs := ""
	if cfg.RunAsUser {
		h.users = cfg.Users()
		user, err := h.users.Claim(ctx)
		if err != nil {
			return nil, fmt.Errorf("claim hypervisor user: %w", err)
		}
		runAs = user
	}
	vbox, err := newVirtualBox(cfg, runAs)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.vbox = vbox
	return h, nil
}

func newVirtualBox(cfg *config.Config, runAs string) (*hypervisor.VirtualBox, error) {
	hc := cfg.Hypervisor(runAs)
	if err := hc.Validate(); err != nil {
		return nil, err
	}
	return hypervisor.New(hc, hypervisor.NewCLI(hc))
}

// Close releases the claimed user, if any.
func (h *host) Close() error {
	if h.users == nil {
		return nil
	}
	return h.users.Release()
}

func (h *host) manager() (*vm.Manager, error) {
	return vm.NewManager(vm.ManagerConfig{
		VBox:     h.vbox,
		Ports:    h.cfg.PortRanges(),
		StateDir: h.cfg.StateDir,
		Dial:     vm.SSHDialer(h.cfg.SSH.User, h.cfg.SSH.KeyPath),
	})
}

// machine returns a handle for an existing machine. Machines
// provisioned through a pool user are driven as that user.
func (h *host) machine(name string) (*hypervisor.VM, *vm.Record, error) {
	rec, err := vm.NewStateFile(h.cfg.StateDir, name).Load()
	if err != nil {
		return nil, nil, err
	}
	if rec.User == "" || rec.User == h.vbox.Config().RunAsUser {
		return h.vbox.VM(name), rec, nil
	}
	vbox, err := newVirtualBox(h.cfg, rec.User)
	if err != nil {
		return nil, nil, err
	}
	return vbox.VM(name), rec, nil
}

// runAs switches h to the user that provisioned rec.
func (h *host) runAs(rec *vm.Record) error {
	if rec.User == "" || rec.User == h.vbox.Config().RunAsUser {
		return nil
	}
	vbox, err := newVirtualBox(h.cfg, rec.User)
	if err != nil {
		return err
	}
	h.vbox = vbox
	return nil
}

// record applies mutate to the state record of name. Failures are
// logged only.
func (h *host) record(ctx context.Context, name string, mutate func(*vm.Record)) {
	if err := vm.NewStateFile(h.cfg.StateDir, name).Update(mutate); err != nil {
		log.G(ctx).WithError(err).WithField("vm", name).Warn("failed to record machine state")
	}
}

// openStore opens the image store under the snapshots directory.
func openStore() (*artifact.Store, error) {
	return artifact.Open(filepath.Join(config.Global.SnapshotsDir, "store"))
}

// dialSSH connects to the SSH port forwarded for machine name.
func (h *host) dialSSH(ctx context.Context, name string) (*remote.SSHShell, error) {
	machine, _, err := h.machine(name)
	if err != nil {
		return nil, err
	}
	ports, err := machine.PortMap(ctx)
	if err != nil {
		return nil, err
	}
	port, ok := ports.Host("tcp", 22)
	if !ok {
		return nil, fmt.Errorf("%s has no forwarded ssh port", name)
	}
	return remote.NewSSHShell("127.0.0.1", port, h.cfg.SSH.User, h.cfg.SSH.KeyPath)
}

// processAlive reports whether pid names a running process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
