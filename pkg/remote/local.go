package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/containerd/log"
)

// LocalShell runs processes on the host. It serves the same Run contract
// as the SSH transport and is what the tests exercise.
type LocalShell struct{}

// NewLocalShell returns a shell for the host.
func NewLocalShell() *LocalShell {
	return &LocalShell{}
}

func (s *LocalShell) Start(ctx context.Context, cmd Command) (Run, error) {
	if len(cmd.Args) == 0 {
		return nil, errors.New("remote: empty command")
	}
	c := exec.Command(cmd.Args[0], cmd.Args[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = os.Environ()
		for _, k := range sortedKeys(cmd.Env) {
			c.Env = append(c.Env, k+"="+cmd.Env[k])
		}
	}
	log.G(ctx).WithField("command", cmd.String()).WithField("mode", cmd.Mode).Debug("starting local process")
	if cmd.Mode == ModePTY {
		return startPTY(c, cmd.String())
	}
	return startPipes(c, cmd.String())
}

func (s *LocalShell) Close() error { return nil }

func startPipes(c *exec.Cmd, command string) (Run, error) {
	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, err
	}
	// Own the read ends so EOF arrives as soon as the child closes its
	// side, independent of Wait.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	c.Stdout, c.Stderr = outW, errW
	if err := c.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, fmt.Errorf("remote: start %s: %w", command, err)
	}
	outW.Close()
	errW.Close()

	return newProcRun(procConfig{
		command:   command,
		stdin:     stdin,
		stdout:    outR,
		stderr:    errR,
		wait:      func() (int, error) { return exitCode(c.Wait()) },
		terminate: func() error { return c.Process.Signal(syscall.SIGTERM) },
		kill:      c.Process.Kill,
		release: func() error {
			return errors.Join(ignoreClosed(outR.Close()), ignoreClosed(errR.Close()))
		},
	}), nil
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return code, nil
		}
		// Killed by a signal; report it the way a shell does.
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
	}
	return 0, err
}

func ignoreClosed(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
