package hypervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/containerd/log"

	"github.com/javanstorm/vmlab/internal/metrics"
	"github.com/javanstorm/vmlab/internal/retry"
	"github.com/javanstorm/vmlab/pkg/filelock"
)

// CLI runs the real VBoxManage binary.
type CLI struct {
	executable string
	user       string
	lockPath   string
}

// NewCLI returns a runner for cfg. Validate cfg first.
func NewCLI(cfg Config) *CLI {
	return &CLI{
		executable: cfg.Executable,
		user:       cfg.RunAsUser,
		lockPath:   cfg.HostLockPath,
	}
}

func (c *CLI) command(ctx context.Context, args []string) *exec.Cmd {
	if c.user == "" {
		return exec.CommandContext(ctx, c.executable, args...)
	}
	argv := append([]string{"-n", "-H", "-u", c.user, c.executable}, args...)
	return exec.CommandContext(ctx, "sudo", argv...)
}

// Run executes VBoxManage with args. "The object is not ready" is
// retried a few times before it is returned.
func (c *CLI) Run(ctx context.Context, args ...string) (string, error) {
	var out string
	policy := retry.Policy{
		Name:        "VBoxManage",
		MaxAttempts: 5,
		Delay:       retry.Linear(250 * time.Millisecond),
		Retryable: func(err error) bool {
			return errors.Is(err, ErrNotReady)
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		out, err = c.run(ctx, args)
		return err
	})
	return out, err
}

func (c *CLI) run(ctx context.Context, args []string) (string, error) {
	logger := log.G(ctx).WithField("args", args)
	if c.user != "" {
		logger = logger.WithField("user", c.user)
	}
	logger.Debug("run VBoxManage")

	var stdout, stderr bytes.Buffer
	cmd := c.command(ctx, args)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	start := time.Now()
	err := cmd.Run()
	logger = logger.WithField("elapsed", time.Since(start))
	if err == nil {
		out := strings.ReplaceAll(stdout.String(), "\r\n", "\n")
		return strings.TrimSpace(out), nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return "", fmt.Errorf("run VBoxManage %s: %w", strings.Join(args, " "), err)
	}
	logger.WithField("stderr", stderr.String()).Debugf("VBoxManage exited with %d", exitErr.ExitCode())
	return "", ParseError(args, exitErr.ExitCode(), stderr.String())
}

// RunLocked executes VBoxManage while holding the host command lock.
// Starting several VBoxHeadless processes at once can abort their
// sessions, so startvm goes through here.
func (c *CLI) RunLocked(ctx context.Context, args ...string) (string, error) {
	start := time.Now()
	h, err := filelock.WaitLocked(ctx, c.lockPath)
	if err != nil {
		return "", fmt.Errorf("host command lock: %w", err)
	}
	defer h.Close()
	metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
	return c.Run(ctx, args...)
}

// FixPermissions opens up files created by the VBoxManage user so the
// invoking user can read and copy them.
func (c *CLI) FixPermissions(ctx context.Context, path string) error {
	if c.user == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sudo", "-n", "-u", c.user, "chmod", "-R", "g+rwX,o+rX", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("fix permissions of %s: %w: %s", path, err, bytes.TrimSpace(out))
	}
	return nil
}

var _ PermissionFixer = (*CLI)(nil)

// FixPermissions makes path readable for the current user when
// VBoxManage runs as someone else. It is a no-op otherwise.
func (v *VirtualBox) FixPermissions(ctx context.Context, path string) error {
	if f, ok := v.runner.(PermissionFixer); ok {
		return f.FixPermissions(ctx, path)
	}
	return nil
}
