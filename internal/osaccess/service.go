package osaccess

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/javanstorm/vmlab/pkg/remote"
)

const defaultServiceTimeout = 10 * time.Second

var (
	ErrServiceNotFound = fmt.Errorf("service not found: %w", errdefs.ErrNotFound)
	ErrServiceStart    = errors.New("service failed to start")

	// ErrServiceUnstoppable means stop timed out and the main process is
	// still there.
	ErrServiceUnstoppable = fmt.Errorf("service does not stop: %w", context.DeadlineExceeded)
	// ErrServiceStopTimeout means stop timed out but no process is left.
	ErrServiceStopTimeout = fmt.Errorf("service stop timed out: %w", context.DeadlineExceeded)
	// ErrServiceFailedDuringStop means the unit ended up failed.
	ErrServiceFailedDuringStop = errors.New("service failed while stopping")
	// ErrServiceRecoveredAfterStop means the unit was running again right
	// after a successful stop, e.g. restarted by a watchdog.
	ErrServiceRecoveredAfterStop = errors.New("service running again after stop")
)

// ServiceStatus is a snapshot of a unit.
type ServiceStatus struct {
	Running bool
	Stopped bool
	PID     int
}

// Service controls one service on the guest.
type Service interface {
	Status(ctx context.Context) (ServiceStatus, error)
	IsRunning(ctx context.Context) (bool, error)
	Start(ctx context.Context, timeout time.Duration) error
	Stop(ctx context.Context, timeout time.Duration) error
	Create(ctx context.Context, command []string) error
}

// ServiceManager hands out services by name.
type ServiceManager interface {
	Service(name string) Service
}

// Systemd manages units through systemctl.
type Systemd struct {
	c commander
}

func NewSystemd(shell remote.Shell) *Systemd {
	return &Systemd{c: commander{shell}}
}

func (s *Systemd) Service(name string) Service {
	return &systemdService{c: s.c, name: name}
}

type systemdService struct {
	c    commander
	name string
}

func (s *systemdService) String() string { return s.name }

func (s *systemdService) show(ctx context.Context, props ...string) (map[string]string, error) {
	out, err := s.c.output(ctx, "systemctl", "show", "-p", strings.Join(props, ","), s.name)
	if err != nil {
		return nil, fmt.Errorf("show %s: %w", s.name, err)
	}
	return parseProperties(out), nil
}

func parseProperties(out string) map[string]string {
	m := make(map[string]string)
	for line := range strings.SplitSeq(out, "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			m[k] = v
		}
	}
	return m
}

func (s *systemdService) Status(ctx context.Context) (ServiceStatus, error) {
	p, err := s.show(ctx, "SubState", "MainPID", "LoadState")
	if err != nil {
		return ServiceStatus{}, err
	}
	if p["LoadState"] == "not-found" {
		return ServiceStatus{}, fmt.Errorf("%w: %s", ErrServiceNotFound, s.name)
	}
	pid, err := strconv.Atoi(p["MainPID"])
	if err != nil {
		return ServiceStatus{}, fmt.Errorf("%s: MainPID %q: %w", s.name, p["MainPID"], err)
	}
	return ServiceStatus{
		Running: p["SubState"] == "running",
		Stopped: p["SubState"] == "dead" || p["SubState"] == "failed",
		PID:     pid,
	}, nil
}

func (s *systemdService) IsRunning(ctx context.Context) (bool, error) {
	st, err := s.Status(ctx)
	return st.Running, err
}

// User returns the account the unit runs as.
func (s *systemdService) User(ctx context.Context) (string, error) {
	p, err := s.show(ctx, "User")
	if err != nil {
		return "", err
	}
	if p["User"] == "" {
		return "", fmt.Errorf("%s has no User property", s.name)
	}
	return p["User"], nil
}

func (s *systemdService) Start(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultServiceTimeout
	}
	_, err := s.c.run(ctx, timeout, nil, "systemctl", "start", s.name)
	var ee *remote.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("%w: %s exited with %d: stdout: %s stderr: %s",
			ErrServiceStart, s.name, ee.Code, strings.TrimSpace(string(ee.Stdout)), strings.TrimSpace(string(ee.Stderr)))
	}
	return err
}

func (s *systemdService) Stop(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultServiceTimeout
	}
	logger := log.G(ctx).WithField("service", s.name)
	logger.Info("stopping service")
	_, err := s.c.run(ctx, timeout, nil, "systemctl", "stop", s.name)
	var te *remote.TimeoutError
	switch {
	case errors.As(err, &te):
		st, serr := s.Status(ctx)
		if serr != nil {
			return errors.Join(err, serr)
		}
		if st.PID != 0 {
			logger.WithField("pid", st.PID).Error("timed out stopping service")
			return fmt.Errorf("%w: %s still has pid %d after %s", ErrServiceUnstoppable, s.name, st.PID, timeout)
		}
		logger.Error("timed out stopping service; no process reported")
		return fmt.Errorf("%w: %s after %s", ErrServiceStopTimeout, s.name, timeout)
	case err != nil:
		return fmt.Errorf("stop %s: %w", s.name, err)
	}
	p, err := s.show(ctx, "SubState")
	if err != nil {
		return err
	}
	switch p["SubState"] {
	case "failed":
		return fmt.Errorf("%w: %s", ErrServiceFailedDuringStop, s.name)
	case "running":
		return fmt.Errorf("%w: %s", ErrServiceRecoveredAfterStop, s.name)
	}
	return nil
}

// Create installs a unit that runs command and reloads systemd.
func (s *systemdService) Create(ctx context.Context, command []string) error {
	quoted := make([]string, len(command))
	for i, a := range command {
		quoted[i] = remote.Quote(a)
	}
	unit := "[Unit]\n" +
		"Description=\"vmlab service\"\n" +
		"\n" +
		"[Service]\n" +
		"ExecStart=" + strings.Join(quoted, " ") + "\n"
	path := "/lib/systemd/system/" + strings.TrimSuffix(s.name, ".service") + ".service"
	if _, err := s.c.run(ctx, 0, []byte(unit), "tee", path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	_, err := s.c.run(ctx, 0, nil, "systemctl", "daemon-reload")
	return err
}
