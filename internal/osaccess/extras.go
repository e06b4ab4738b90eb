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

var (
	ErrProcessNotFound = fmt.Errorf("process not found: %w", errdefs.ErrNotFound)
	ErrUserNotFound    = fmt.Errorf("user not found: %w", errdefs.ErrNotFound)
	ErrRebootTimeout   = fmt.Errorf("guest did not reboot: %w", context.DeadlineExceeded)
)

var (
	rebootSettle         = 3 * time.Second
	rebootRetry          = time.Second
	defaultRebootTimeout = 30 * time.Second
)

// User returns the login the shell runs as.
func (a *Access) User(ctx context.Context) (string, error) {
	a.userMu.Lock()
	defer a.userMu.Unlock()
	if a.user != "" {
		return a.user, nil
	}
	u, err := a.output(ctx, "whoami")
	if err != nil {
		return "", err
	}
	a.user = u
	return u, nil
}

// Home returns the home directory of user, or of the login user when
// user is empty.
func (a *Access) Home(ctx context.Context, user string) (string, error) {
	if user == "" {
		u, err := a.User(ctx)
		if err != nil {
			return "", err
		}
		user = u
	}
	out, err := a.output(ctx, "getent", "passwd", user)
	if code, ok := exitCode(err); ok && code == 2 {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, user)
	}
	if err != nil {
		return "", err
	}
	fields := strings.Split(out, ":")
	if len(fields) < 6 {
		return "", fmt.Errorf("unexpected passwd entry %q", out)
	}
	return fields[5], nil
}

func (a *Access) Hostname(ctx context.Context) (string, error) {
	return a.output(ctx, "hostname")
}

func (a *Access) SetHostname(ctx context.Context, name string) error {
	_, err := a.output(ctx, "hostnamectl", "set-hostname", name)
	return err
}

// Env returns the environment of a login shell.
func (a *Access) Env(ctx context.Context) (map[string]string, error) {
	out, err := a.output(ctx, "env")
	if err != nil {
		return nil, err
	}
	env := make(map[string]string)
	for line := range strings.SplitSeq(out, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

// Disk is the capacity of a mounted volume in bytes.
type Disk struct {
	Total uint64
	Free  uint64
}

// Volumes returns mounted filesystems by mount point.
func (a *Access) Volumes(ctx context.Context) (map[string]Disk, error) {
	out, err := a.output(ctx, "df", "--output=target,size,avail", "--block-size=1")
	if err != nil {
		return nil, err
	}
	return parseDF(out)
}

func parseDF(out string) (map[string]Disk, error) {
	vols := make(map[string]Disk)
	lines := strings.Split(out, "\n")
	for _, line := range lines[min(1, len(lines)):] {
		f := strings.Fields(line)
		if len(f) != 3 {
			continue
		}
		total, err := strconv.ParseUint(f[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("df: %w", err)
		}
		free, err := strconv.ParseUint(f[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("df: %w", err)
		}
		vols[f[0]] = Disk{Total: total, Free: free}
	}
	return vols, nil
}

// FileMD5 returns the hex MD5 of a guest file.
func (a *Access) FileMD5(ctx context.Context, file string) (string, error) {
	out, err := a.Run(ctx, []string{"md5sum", "--binary", file}, nil, 5*time.Minute)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	if len(line) < 35 || line[32:34] != " *" {
		return "", fmt.Errorf("malformed md5sum output %q", line)
	}
	return line[:32], nil
}

// Datetime returns the guest clock.
func (a *Access) Datetime(ctx context.Context) (time.Time, error) {
	started := time.Now()
	out, err := a.Run(ctx, []string{"date", "--rfc-3339=ns"}, nil, 2*time.Second)
	if err != nil {
		return time.Time{}, err
	}
	s := strings.TrimSpace(string(out))
	t, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse guest time %q: %w", s, err)
	}
	log.G(ctx).WithField("time", t).WithField("rtt", time.Since(started)).Debug("guest time")
	return t, nil
}

// KillAllByName kills every process running executable. No matching
// process is not an error.
func (a *Access) KillAllByName(ctx context.Context, executable string) error {
	_, err := a.output(ctx, "killall", "-SIGKILL", executable)
	var ee *remote.ExitError
	if errors.As(err, &ee) && ee.Code == 1 && strings.Contains(string(ee.Stderr), "no process found") {
		return nil
	}
	return err
}

// PIDByName returns the pid of the process running executable. With
// several matches the first is returned.
func (a *Access) PIDByName(ctx context.Context, executable string) (int, error) {
	out, err := a.output(ctx, "ps", "--no-headers", "-o", "pid", "-C", executable)
	if _, ok := exitCode(err); err != nil && !ok {
		return 0, err
	}
	pids := strings.Fields(out)
	if len(pids) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrProcessNotFound, executable)
	}
	if len(pids) > 1 {
		log.G(ctx).WithField("pids", pids).WithField("name", executable).Warn("several processes match")
	}
	pid, err := strconv.Atoi(pids[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %s: bad pid %q", ErrProcessNotFound, executable, pids[0])
	}
	return pid, nil
}

// Reboot restarts the guest and returns once it is back. A reboot is
// recognized by a change in `last reboot`, which only a boot can cause.
// A zero timeout means 30 seconds.
func (a *Access) Reboot(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultRebootTimeout
	}
	logger := log.G(ctx).WithField("guest", a.Netloc())
	before, err := a.output(ctx, "last", "reboot")
	if err != nil {
		return err
	}
	// The command does not finish; the guest goes down under it.
	if r, err := a.Shell.Start(ctx, remote.Command{Args: []string{"reboot"}}); err != nil {
		logger.WithError(err).Warn("guest already going down")
	} else {
		r.Close()
	}
	a.Shell.Close()
	if err := sleep(ctx, rebootSettle); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		after, err := a.output(ctx, "last", "reboot")
		switch {
		case err != nil:
			logger.WithError(err).Debug("still offline")
			if err := sleep(ctx, rebootRetry); err != nil {
				return err
			}
		case after != before:
			logger.Info("rebooted")
			return nil
		default:
			logger.Debug("still up, waiting for reboot")
			a.Shell.Close()
			if err := sleep(ctx, rebootSettle); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %s within %s", ErrRebootTimeout, a, timeout)
}
