//go:build !windows

package remote

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

func startPTY(c *exec.Cmd, command string) (Run, error) {
	ptmx, err := pty.StartWithSize(c, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("remote: start %s on pty: %w", command, err)
	}
	r := newProcRun(procConfig{
		command: command,
		stdout:  ptyReader{ptmx},
		wait:    func() (int, error) { return exitCode(c.Wait()) },
		kill:    c.Process.Kill,
		release: func() error { return ignoreClosed(ptmx.Close()) },
	})
	r.terminate = func() error { return interrupt(ptmx, r.done) }
	return r, nil
}

// ptyReader turns the EIO a Linux master returns after the slave side
// hangs up into a plain EOF.
type ptyReader struct {
	r io.Reader
}

func (p ptyReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}
