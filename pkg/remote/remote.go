// Package remote runs processes on a remote OS and exchanges data with
// them. The same Run contract is served by local processes, SSH exec
// sessions and pseudo-terminals.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

var (
	// ErrUnsupported is returned by operations the transport cannot
	// deliver, e.g. signals over an SSH exec channel. It is never a
	// silent no-op.
	ErrUnsupported = fmt.Errorf("remote: operation not supported by transport: %w", errdefs.ErrNotImplemented)

	// ErrLeakedProcess is returned when a managed process was still
	// running when its scope ended.
	ErrLeakedProcess = errors.New("remote: process still running at scope exit")

	// ErrClosed is returned by operations on a closed Run.
	ErrClosed = errors.New("remote: run is closed")

	// ErrWaitTimeout is returned by Wait when the process is still
	// running.
	ErrWaitTimeout = fmt.Errorf("remote: process has not exited: %w", context.DeadlineExceeded)
)

// Mode selects how a command is attached.
type Mode int

const (
	// ModeExec runs the command with separate pipes. Stdin can be
	// streamed and half-closed.
	ModeExec Mode = iota
	// ModePTY runs the command on a pseudo-terminal. Output is merged into
	// stdout and arbitrary stdin writes are not supported because the
	// terminal echoes them back.
	ModePTY
)

func (m Mode) String() string {
	if m == ModePTY {
		return "pty"
	}
	return "exec"
}

// Command is a process to start.
type Command struct {
	Args []string
	Env  map[string]string
	Dir  string
	Mode Mode
}

// String returns the command as a POSIX shell command line.
func (c Command) String() string {
	var b strings.Builder
	if c.Dir != "" {
		b.WriteString("cd " + Quote(c.Dir) + " && ")
	}
	for _, k := range sortedKeys(c.Env) {
		b.WriteString(k + "=" + Quote(c.Env[k]) + " ")
	}
	for i, a := range c.Args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(Quote(a))
	}
	return b.String()
}

// Quote quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@%+,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Chunk is the output received by one Receive call. A closed flag is set
// once the stream has reached EOF.
type Chunk struct {
	Stdout       []byte
	Stderr       []byte
	StdoutClosed bool
	StderrClosed bool
}

// Closed reports whether both streams have reached EOF.
func (c Chunk) Closed() bool {
	return c.StdoutClosed && c.StderrClosed
}

// Run is a started process.
type Run interface {
	// Send writes data to stdin; last half-closes stdin afterwards.
	Send(ctx context.Context, data []byte, last bool) error
	// Receive waits at most timeout for output and returns whatever is
	// available. An empty chunk is not an error.
	Receive(ctx context.Context, timeout time.Duration) (Chunk, error)
	// Wait waits at most timeout for the process to exit. It returns
	// ErrWaitTimeout if it is still running.
	Wait(timeout time.Duration) (int, error)
	// ExitCode returns the exit code once the process has exited.
	ExitCode() (int, bool)
	// Terminate asks the process to stop.
	Terminate() error
	// Kill stops the process forcibly.
	Kill() error
	// Close releases the transport. It is safe to call more than once.
	Close() error
}

// Shell starts processes.
type Shell interface {
	Start(ctx context.Context, cmd Command) (Run, error)
	Close() error
}

// TimeoutError is returned by Communicate when the process did not
// finish in time. It carries the output received so far.
type TimeoutError struct {
	Command string
	Timeout time.Duration
	Stdout  []byte
	Stderr  []byte
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote: %s did not finish in %s", e.Command, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// ExitError is returned by Exec for nonzero exit codes.
type ExitError struct {
	Command string
	Code    int
	Stdout  []byte
	Stderr  []byte
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(string(e.Stderr))
	if len(msg) > 1024 {
		msg = msg[:1024] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("remote: %s exited with %d", e.Command, e.Code)
	}
	return fmt.Sprintf("remote: %s exited with %d: %s", e.Command, e.Code, msg)
}
