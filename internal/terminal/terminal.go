package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/containerd/log"
	"golang.org/x/term"
)

// ErrEscapeSequence is returned when the user triggers the escape sequence.
var ErrEscapeSequence = errors.New("escape sequence detected")

// ResizeFunc tells the guest about a new terminal size.
type ResizeFunc func(width, height int) error

// Console is the local end of an interactive session.
type Console struct {
	in  io.Reader
	out io.Writer
	fd  int
}

// Current returns the console of this process.
func Current() *Console {
	return &Console{
		in:  os.Stdin,
		out: os.Stdout,
		fd:  int(os.Stdin.Fd()),
	}
}

// New returns a console over plain streams. It never enters raw mode
// and never reports resizes.
func New(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out, fd: -1}
}

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func (c *Console) isTerminal() bool {
	return c.fd >= 0 && term.IsTerminal(c.fd)
}

// SetRaw puts the terminal into raw mode and returns restore function.
func (c *Console) SetRaw() (func(), error) {
	if !c.isTerminal() {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, err
	}
	return func() {
		term.Restore(c.fd, oldState)
	}, nil
}

// Size returns the current terminal size, or 80x24 off a terminal.
func (c *Console) Size() (width, height int) {
	if !c.isTerminal() {
		return 80, 24
	}
	w, h, err := term.GetSize(c.fd)
	if err != nil {
		return 80, 24
	}
	return w, h
}

// Attach copies keyboard input to guestIn and guestOut to the screen.
// It returns nil once guestOut is drained, ctx.Err() on cancellation
// and ErrEscapeSequence when the user types Ctrl+] twice. resize may
// be nil.
func (c *Console) Attach(ctx context.Context, guestIn io.Writer, guestOut io.Reader, resize ResizeFunc) error {
	restore, err := c.SetRaw()
	if err != nil {
		return err
	}
	defer restore()

	if c.isTerminal() {
		fmt.Fprintf(c.out, "Escape sequence: Ctrl+] Ctrl+] (press twice quickly to exit)\r\n")
	}

	if resize != nil && c.isTerminal() {
		stop := c.forwardResizes(ctx, resize)
		defer stop()
	}

	keys := NewEscapeReader(c.in)
	go func() {
		if _, err := io.Copy(guestIn, keys); err != nil {
			log.G(ctx).WithError(err).Debug("keyboard input stopped")
		}
		if cl, ok := guestIn.(io.Closer); ok {
			cl.Close()
		}
	}()

	outDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(c.out, guestOut)
		outDone <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-keys.Escaped():
		fmt.Fprintf(c.out, "\r\nEscape sequence detected, exiting...\r\n")
		return ErrEscapeSequence
	case err := <-outDone:
		return err
	}
}
