package remote

import (
	"context"
	"errors"
	"io"
	"maps"
	"os"
	"slices"
	"sync"
	"time"
)

const readSize = 16 * 1024

type piece struct {
	stderr bool
	data   []byte
	eof    bool
}

// procRun adapts a process with stdin, stdout and stderr streams to
// Run. Each output stream is read by its own goroutine, so a process
// never blocks on a full pipe while the caller is busy with another
// stream.
type procRun struct {
	command string

	stdin io.WriteCloser
	mu    sync.Mutex // serializes Send

	pieces       chan piece
	stdoutClosed bool
	stderrClosed bool

	done    chan struct{}
	code    int
	waitErr error

	terminate func() error
	kill      func() error
	release   func() error

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type procConfig struct {
	command   string
	stdin     io.WriteCloser // nil if stdin writes are unsupported
	stdout    io.Reader
	stderr    io.Reader // nil if merged into stdout
	wait      func() (int, error)
	terminate func() error
	kill      func() error
	release   func() error
}

func unsupported() error { return ErrUnsupported }

func newProcRun(cfg procConfig) *procRun {
	r := &procRun{
		command:   cfg.command,
		stdin:     cfg.stdin,
		pieces:    make(chan piece, 64),
		done:      make(chan struct{}),
		terminate: cfg.terminate,
		kill:      cfg.kill,
		release:   cfg.release,
		closed:    make(chan struct{}),
	}
	if r.terminate == nil {
		r.terminate = unsupported
	}
	if r.kill == nil {
		r.kill = unsupported
	}
	go r.pump(cfg.stdout, false)
	if cfg.stderr != nil {
		go r.pump(cfg.stderr, true)
	} else {
		r.stderrClosed = true
	}
	go func() {
		r.code, r.waitErr = cfg.wait()
		close(r.done)
	}()
	return r
}

func (r *procRun) pump(src io.Reader, stderr bool) {
	for {
		buf := make([]byte, readSize)
		n, err := src.Read(buf)
		if n > 0 {
			select {
			case r.pieces <- piece{stderr: stderr, data: buf[:n]}:
			case <-r.closed:
				return
			}
		}
		if err != nil {
			select {
			case r.pieces <- piece{stderr: stderr, eof: true}:
			case <-r.closed:
			}
			return
		}
	}
}

func (r *procRun) apply(c *Chunk, p piece) {
	switch {
	case p.eof && p.stderr:
		r.stderrClosed = true
	case p.eof:
		r.stdoutClosed = true
	case p.stderr:
		c.Stderr = append(c.Stderr, p.data...)
	default:
		c.Stdout = append(c.Stdout, p.data...)
	}
}

func (r *procRun) Receive(ctx context.Context, timeout time.Duration) (c Chunk, err error) {
	// Named results, so the flags reach the returned chunk.
	defer func() {
		c.StdoutClosed, c.StderrClosed = r.stdoutClosed, r.stderrClosed
	}()
	if r.stdoutClosed && r.stderrClosed {
		return c, nil
	}
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case p := <-r.pieces:
			r.apply(&c, p)
		case <-t.C:
			return c, nil
		case <-ctx.Done():
			return c, ctx.Err()
		case <-r.closed:
			return c, ErrClosed
		}
	}
	for {
		select {
		case p := <-r.pieces:
			r.apply(&c, p)
		default:
			return c, nil
		}
	}
}

func (r *procRun) Send(ctx context.Context, data []byte, last bool) error {
	if r.stdin == nil {
		return ErrUnsupported
	}
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(len(data), readSize)
		if _, err := r.stdin.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	if last {
		return r.stdin.Close()
	}
	return nil
}

func (r *procRun) Wait(timeout time.Duration) (int, error) {
	if timeout <= 0 {
		select {
		case <-r.done:
			return r.code, r.waitErr
		default:
			return 0, ErrWaitTimeout
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.done:
		return r.code, r.waitErr
	case <-t.C:
		return 0, ErrWaitTimeout
	}
}

func (r *procRun) ExitCode() (int, bool) {
	select {
	case <-r.done:
		return r.code, r.waitErr == nil
	default:
		return 0, false
	}
}

func (r *procRun) Terminate() error {
	if _, exited := r.ExitCode(); exited {
		return nil
	}
	return r.terminate()
}

func (r *procRun) Kill() error {
	if _, exited := r.ExitCode(); exited {
		return nil
	}
	return r.kill()
}

func (r *procRun) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		var errs []error
		if r.stdin != nil {
			err := r.stdin.Close()
			if err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) {
				errs = append(errs, err)
			}
		}
		if r.release != nil {
			errs = append(errs, r.release())
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
