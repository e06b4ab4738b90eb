package terminal

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances by step on every call.
func fakeClock(step time.Duration) func() time.Time {
	t := time.Unix(0, 0)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func TestEscapeFilter(t *testing.T) {
	tests := []struct {
		name    string
		step    time.Duration
		in      []byte
		want    []byte
		escaped bool
	}{
		{"plain", time.Millisecond, []byte("hello"), []byte("hello"), false},
		{"single escape passes", time.Millisecond, []byte{EscapeChar, 'a'}, []byte{EscapeChar, 'a'}, false},
		{"double escape", time.Millisecond, []byte{'a', EscapeChar, EscapeChar, 'b'}, []byte{'a'}, true},
		{"slow presses", time.Second, []byte{EscapeChar, EscapeChar}, []byte{EscapeChar}, false},
		{"trailing escape held", time.Millisecond, []byte{'x', EscapeChar}, []byte{'x'}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := escapeFilter{now: fakeClock(tt.step)}
			got, escaped := f.filter(nil, tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.escaped, escaped)
		})
	}
}

func TestEscapeReaderPassesInput(t *testing.T) {
	r := NewEscapeReader(strings.NewReader("hello world"))

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	select {
	case <-r.Escaped():
		t.Fatal("escaped without a sequence")
	default:
	}
}

func TestEscapeReaderHeldEscapeFlushedAtEOF(t *testing.T) {
	r := NewEscapeReader(bytes.NewReader([]byte{'a', EscapeChar}))

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', EscapeChar}, got)
}

func TestEscapeReaderSequenceAcrossReads(t *testing.T) {
	pr, pw := io.Pipe()
	r := NewEscapeReader(pr)

	go func() {
		pw.Write([]byte("ls"))
		pw.Write([]byte{EscapeChar})
		pw.Write([]byte{EscapeChar, 'z'})
	}()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "ls", string(got))

	select {
	case <-r.Escaped():
	case <-time.After(time.Second):
		t.Fatal("escape not signalled")
	}
	pw.Close()
}

func TestEscapeReaderSmallBuffer(t *testing.T) {
	r := NewEscapeReader(strings.NewReader("abcdef"))

	var out []byte
	p := make([]byte, 2)
	for {
		n, err := r.Read(p)
		out = append(out, p[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "abcdef", string(out))
}

func TestAttachCopiesOutput(t *testing.T) {
	var screen, typed bytes.Buffer
	c := New(strings.NewReader("uptime\n"), &screen)

	err := c.Attach(context.Background(), &typed, strings.NewReader("up 3 days\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "up 3 days\n", screen.String())
}

func TestAttachEscape(t *testing.T) {
	guestOut, guestW := io.Pipe()
	defer guestW.Close()
	var screen bytes.Buffer
	c := New(bytes.NewReader([]byte{'l', EscapeChar, EscapeChar}), &screen)

	err := c.Attach(context.Background(), io.Discard, guestOut, nil)
	assert.ErrorIs(t, err, ErrEscapeSequence)
	assert.Contains(t, screen.String(), "Escape sequence detected")
}

func TestAttachCancel(t *testing.T) {
	guestOut, guestW := io.Pipe()
	defer guestW.Close()
	keys, keysW := io.Pipe()
	defer keysW.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := New(keys, io.Discard).Attach(ctx, io.Discard, guestOut, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
