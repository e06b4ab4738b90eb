// Package terminal attaches the local terminal to an interactive guest
// session.
package terminal

import (
	"io"
	"sync"
	"time"
)

const (
	// EscapeChar is Ctrl+] (0x1D).
	EscapeChar = 0x1D

	// EscapeCount is the number of consecutive escape chars needed.
	EscapeCount = 2

	// EscapeTimeout is the maximum time between escape key presses.
	EscapeTimeout = 500 * time.Millisecond
)

// escapeFilter strips the detach sequence from keyboard input. Escape
// chars are held back until it is known whether they complete a
// sequence.
type escapeFilter struct {
	now     func() time.Time
	pending int
	last    time.Time
}

// filter appends the bytes of in that belong to the guest to out and
// reports whether the sequence was completed. Input after a completed
// sequence is dropped.
func (f *escapeFilter) filter(out, in []byte) ([]byte, bool) {
	for _, b := range in {
		if b != EscapeChar {
			out = f.flush(out)
			out = append(out, b)
			continue
		}
		t := f.now()
		if f.pending > 0 && t.Sub(f.last) > EscapeTimeout {
			out = f.flush(out)
		}
		f.pending++
		f.last = t
		if f.pending >= EscapeCount {
			f.pending = 0
			return out, true
		}
	}
	return out, false
}

// flush releases held escape chars to the guest.
func (f *escapeFilter) flush(out []byte) []byte {
	for range f.pending {
		out = append(out, EscapeChar)
	}
	f.pending = 0
	return out
}

// EscapeReader wraps keyboard input. When EscapeCount escape chars
// arrive within EscapeTimeout of each other it closes Escaped and
// reports io.EOF.
type EscapeReader struct {
	r       io.Reader
	f       escapeFilter
	scratch []byte
	buf     []byte
	err     error

	escaped     chan struct{}
	escapedOnce sync.Once
}

// NewEscapeReader creates an EscapeReader wrapping the given reader.
func NewEscapeReader(r io.Reader) *EscapeReader {
	return &EscapeReader{
		r:       r,
		f:       escapeFilter{now: time.Now},
		scratch: make([]byte, 4096),
		escaped: make(chan struct{}),
	}
}

// Escaped returns a channel that is closed when the escape sequence is detected.
func (e *EscapeReader) Escaped() <-chan struct{} {
	return e.escaped
}

func (e *EscapeReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(e.buf) == 0 {
		if e.err != nil {
			return 0, e.err
		}
		n, err := e.r.Read(e.scratch[:min(len(p), len(e.scratch))])
		var escaped bool
		e.buf, escaped = e.f.filter(e.buf, e.scratch[:n])
		switch {
		case escaped:
			e.escapedOnce.Do(func() { close(e.escaped) })
			e.err = io.EOF
		case err != nil:
			e.buf = e.f.flush(e.buf)
			e.err = err
		}
	}
	n := copy(p, e.buf)
	e.buf = e.buf[n:]
	return n, nil
}
