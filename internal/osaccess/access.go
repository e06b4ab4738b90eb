// Package osaccess is the per-machine facade over a running guest. It
// bundles process execution, file access, services and networking, and
// knows when the guest is ready to be used.
package osaccess

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/javanstorm/vmlab/internal/retry"
	"github.com/javanstorm/vmlab/pkg/hypervisor"
	"github.com/javanstorm/vmlab/pkg/remote"
	"github.com/javanstorm/vmlab/pkg/remotefs"
)

const (
	defaultRunTimeout = 60 * time.Second
	readyInterval     = 500 * time.Millisecond

	// DefaultReadyService starts late in the boot sequence. Shutting a
	// guest down before it is up can hang the guest for minutes.
	DefaultReadyService = "tgt.service"
)

var (
	// ErrNotReady is returned by WaitReady when the guest did not become
	// usable in time.
	ErrNotReady = fmt.Errorf("guest is not ready: %w", errdefs.ErrUnavailable)

	errShellDown = errors.New("shell is not working")
)

// ProcessRunner starts processes on the guest.
type ProcessRunner interface {
	remote.Shell
	IsWorking(ctx context.Context) bool
}

// Filesystem resolves guest paths.
type Filesystem interface {
	Path(parts ...string) remotefs.Path
	Close() error
}

// Access is one guest as seen from the host.
type Access struct {
	Address string
	Ports   hypervisor.PortMap

	Shell    ProcessRunner
	Services ServiceManager
	Net      Networking

	// ReadyService must be running, or not installed, for the guest to
	// count as ready. Empty disables the check.
	ReadyService string

	openFS func(ctx context.Context) (Filesystem, error)
	fsMu   sync.Mutex
	fs     Filesystem

	cpuMu   sync.Mutex
	cpuPrev cpuTimes
	userMu  sync.Mutex
	user    string
}

// New returns access to a Linux guest through shell and fs.
func New(address string, ports hypervisor.PortMap, shell ProcessRunner, fs Filesystem) *Access {
	a := NewLinux(address, ports, shell)
	a.fs = fs
	return a
}

// NewLinux returns access to a Linux guest managed by systemd.
func NewLinux(address string, ports hypervisor.PortMap, shell ProcessRunner) *Access {
	return &Access{
		Address:      address,
		Ports:        ports,
		Shell:        shell,
		Services:     NewSystemd(shell),
		Net:          NewLinuxNetworking(shell),
		ReadyService: DefaultReadyService,
	}
}

// DialLinux returns access over SSH to the guest port forwarded from 22.
// Files are served over SFTP on the same connection. Nothing connects
// until first use.
func DialLinux(address string, ports hypervisor.PortMap, user, keyPath string) (*Access, error) {
	port, ok := ports.Host("tcp", 22)
	if !ok {
		return nil, fmt.Errorf("no forwarded ssh port: %w", errdefs.ErrNotFound)
	}
	sh, err := remote.NewSSHShell(address, port, user, keyPath)
	if err != nil {
		return nil, err
	}
	a := NewLinux(address, ports, sh)
	a.openFS = func(ctx context.Context) (Filesystem, error) {
		client, err := sh.Client(ctx)
		if err != nil {
			return nil, err
		}
		return remotefs.NewSFTP(client)
	}
	return a, nil
}

func (a *Access) String() string {
	return "guest " + a.Netloc()
}

// Netloc returns the host address of the guest's SSH port.
func (a *Access) Netloc() string {
	port, _ := a.Ports.Host("tcp", 22)
	return net.JoinHostPort(a.Address, strconv.Itoa(port))
}

// Port returns the host port forwarded to the guest port.
func (a *Access) Port(protocol string, guestPort int) (int, error) {
	p, ok := a.Ports.Host(protocol, guestPort)
	if !ok {
		return 0, fmt.Errorf("%s/%d is not forwarded: %w", protocol, guestPort, errdefs.ErrNotFound)
	}
	return p, nil
}

// Filesystem returns the guest filesystem, connecting on first use.
func (a *Access) Filesystem(ctx context.Context) (Filesystem, error) {
	a.fsMu.Lock()
	defer a.fsMu.Unlock()
	if a.fs != nil {
		return a.fs, nil
	}
	if a.openFS == nil {
		return nil, fmt.Errorf("no filesystem for %s: %w", a, errdefs.ErrNotImplemented)
	}
	fs, err := a.openFS(ctx)
	if err != nil {
		return nil, err
	}
	a.fs = fs
	return fs, nil
}

// Path resolves a guest path.
func (a *Access) Path(ctx context.Context, parts ...string) (remotefs.Path, error) {
	fs, err := a.Filesystem(ctx)
	if err != nil {
		return nil, err
	}
	return fs.Path(parts...), nil
}

// Run runs args to completion and returns stdout. A zero timeout means
// one minute.
func (a *Access) Run(ctx context.Context, args []string, input []byte, timeout time.Duration) ([]byte, error) {
	return commander{a.Shell}.run(ctx, timeout, input, args...)
}

func (a *Access) output(ctx context.Context, args ...string) (string, error) {
	out, err := a.Run(ctx, args, nil, 0)
	return strings.TrimSpace(string(out)), err
}

// IsReady probes the shell and the ready service concurrently. It
// returns nil when the guest is usable.
func (a *Access) IsReady(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if !a.Shell.IsWorking(ctx) {
			return errShellDown
		}
		return nil
	})
	if a.ReadyService != "" && a.Services != nil {
		g.Go(func() error {
			running, err := a.Services.Service(a.ReadyService).IsRunning(ctx)
			switch {
			case errors.Is(err, ErrServiceNotFound):
				log.G(ctx).WithField("service", a.ReadyService).Debug("ready service not installed")
				return nil
			case err != nil:
				return err
			case !running:
				return fmt.Errorf("%s is not running yet", a.ReadyService)
			}
			return nil
		})
	}
	return g.Wait()
}

// WaitReady polls IsReady until it succeeds or timeout elapses.
func (a *Access) WaitReady(ctx context.Context, timeout time.Duration) error {
	started := time.Now()
	if err := retry.Poll(ctx, readyInterval, timeout, a.IsReady); err != nil {
		if errors.Is(err, retry.ErrTimeout) {
			return fmt.Errorf("%w: %s after %s: %w", ErrNotReady, a, timeout, err)
		}
		return err
	}
	log.G(ctx).WithField("guest", a.Netloc()).WithField("elapsed", time.Since(started).Round(100*time.Millisecond)).Info("guest is ready")
	return nil
}

// Close drops the file and shell connections.
func (a *Access) Close() error {
	a.fsMu.Lock()
	defer a.fsMu.Unlock()
	var errs []error
	if a.fs != nil {
		errs = append(errs, a.fs.Close())
		a.fs = nil
	}
	errs = append(errs, a.Shell.Close())
	return errors.Join(errs...)
}

// commander runs commands to completion on a shell.
type commander struct {
	shell remote.Shell
}

func (c commander) run(ctx context.Context, timeout time.Duration, input []byte, args ...string) ([]byte, error) {
	if timeout == 0 {
		timeout = defaultRunTimeout
	}
	stdout, _, err := remote.Exec(ctx, c.shell, remote.Command{Args: args}, input, timeout)
	return stdout, err
}

func (c commander) output(ctx context.Context, args ...string) (string, error) {
	out, err := c.run(ctx, 0, nil, args...)
	return strings.TrimSpace(string(out)), err
}

// exitCode returns the code of a command that ran but failed.
func exitCode(err error) (int, bool) {
	var ee *remote.ExitError
	if errors.As(err, &ee) {
		return ee.Code, true
	}
	return 0, false
}
