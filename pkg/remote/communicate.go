package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
)

const (
	sendChunk       = 16 * 1024
	maxReceiveWait  = time.Second
	leakWaitTimeout = 30 * time.Second
)

// Communicate sends input, collects all output and waits for the exit
// code, all within timeout. A nil input leaves stdin alone; otherwise
// stdin is closed after the last byte.
//
// A transport that cannot take input fails with ErrUnsupported. Other
// send errors are returned unless the process exited before reading
// all of its input.
//
// On expiry it returns a *TimeoutError with the output received so far,
// unless the process has already exited.
func Communicate(ctx context.Context, r Run, input []byte, timeout time.Duration) (stdout, stderr []byte, code int, err error) {
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sendErr := make(chan error, 1)
	if input != nil {
		go func() {
			sendErr <- sendAll(ctx, r, input)
		}()
	}

	var out, errOut bytes.Buffer
	sent := input == nil
	var sendFailure error
	sendDone := func(err error) error {
		sent = true
		if errors.Is(err, ErrUnsupported) {
			return fmt.Errorf("remote: send input: %w", err)
		}
		sendFailure = err
		return nil
	}

	closed := false
	for !closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := min(maxReceiveWait, remaining/2)
		if wait <= 0 {
			wait = remaining
		}
		c, err := r.Receive(ctx, wait)
		out.Write(c.Stdout)
		errOut.Write(c.Stderr)
		if err != nil {
			return out.Bytes(), errOut.Bytes(), 0, err
		}
		closed = c.Closed()
		if !sent {
			select {
			case err := <-sendErr:
				if err := sendDone(err); err != nil {
					return out.Bytes(), errOut.Bytes(), 0, err
				}
			default:
			}
		}
	}

	code, err = r.Wait(max(time.Until(deadline), 0))
	if !sent && err == nil {
		// The writer fails fast once the process is gone.
		select {
		case serr := <-sendErr:
			if serr := sendDone(serr); serr != nil {
				return out.Bytes(), errOut.Bytes(), 0, serr
			}
		case <-time.After(max(time.Until(deadline), 0)):
		}
	}
	switch {
	case err == nil:
		if sendFailure != nil {
			log.G(ctx).WithError(sendFailure).Debug("process exited with input yet to send")
		}
		return out.Bytes(), errOut.Bytes(), code, nil
	case errors.Is(err, ErrWaitTimeout):
		var terr error = &TimeoutError{
			Timeout: timeout,
			Stdout:  out.Bytes(),
			Stderr:  errOut.Bytes(),
		}
		if sendFailure != nil {
			terr = errors.Join(terr, fmt.Errorf("remote: send input: %w", sendFailure))
		}
		return out.Bytes(), errOut.Bytes(), 0, terr
	default:
		return out.Bytes(), errOut.Bytes(), 0, fmt.Errorf("remote: wait: %w", err)
	}
}

func sendAll(ctx context.Context, r Run, input []byte) error {
	for {
		n := min(len(input), sendChunk)
		last := n == len(input)
		if err := r.Send(ctx, input[:n], last); err != nil {
			return err
		}
		if last {
			return nil
		}
		input = input[n:]
	}
}

// Exec starts cmd, communicates with it and returns its output. A
// nonzero exit code yields an *ExitError.
func Exec(ctx context.Context, sh Shell, cmd Command, input []byte, timeout time.Duration) (stdout, stderr []byte, err error) {
	r, err := sh.Start(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}
	err = Managed(ctx, r, func(r Run) error {
		var code int
		var cerr error
		stdout, stderr, code, cerr = Communicate(ctx, r, input, timeout)
		var te *TimeoutError
		if errors.As(cerr, &te) {
			te.Command = cmd.String()
		}
		if cerr != nil {
			return cerr
		}
		if code != 0 {
			return &ExitError{Command: cmd.String(), Code: code, Stdout: stdout, Stderr: stderr}
		}
		return nil
	})
	return stdout, stderr, err
}

// Managed calls fn with r and makes sure the process is gone afterwards.
// A process still running when fn returns is killed and waited for. If
// fn succeeded this is reported as ErrLeakedProcess; if fn failed, its
// error wins and the leak is logged.
func Managed(ctx context.Context, r Run, fn func(Run) error) (err error) {
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	err = fn(r)
	if _, exited := r.ExitCode(); exited {
		return err
	}
	if _, werr := r.Wait(0); werr != nil && !errors.Is(werr, ErrWaitTimeout) {
		// Exited without a status, e.g. the connection was lost.
		return err
	}
	logger := log.G(ctx)
	// Kill only, never Terminate.
	if kerr := r.Kill(); kerr != nil {
		logger.WithError(kerr).Warn("cannot kill process")
	}
	_, werr := r.Wait(leakWaitTimeout)
	if err != nil {
		logger.WithError(werr).Warn("process was still running while handling another error")
		return err
	}
	if werr != nil {
		return fmt.Errorf("%w: %w", ErrLeakedProcess, werr)
	}
	return ErrLeakedProcess
}
