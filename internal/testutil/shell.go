package testutil

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/javanstorm/vmlab/pkg/remote"
)

// Response is what a scripted guest command prints and returns.
type Response struct {
	Stdout string
	Stderr string
	Code   int
	// Delay holds the command back before it answers.
	Delay time.Duration
}

// ShellCall is one command started on a ScriptedShell.
type ShellCall struct {
	Args  []string
	Input []byte

	started time.Time
	delay   time.Duration
	// lag is how long the run stayed open after its scripted delay.
	lag time.Duration
}

type shellHandler struct {
	prefix []string
	fn     func(args []string) Response
}

// ScriptedShell is a remote.Shell whose commands are answered from a
// script. Each answer is produced by a real local process, so callers
// exercise the same Run plumbing as with a guest.
type ScriptedShell struct {
	local *remote.LocalShell

	mu       sync.Mutex
	handlers []shellHandler
	calls    []*ShellCall
	working  bool
}

func NewScriptedShell() *ScriptedShell {
	return &ScriptedShell{local: remote.NewLocalShell(), working: true}
}

// Handle registers fn for commands starting with prefix. The latest
// registration wins.
func (s *ScriptedShell) Handle(fn func(args []string) Response, prefix ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, shellHandler{prefix: prefix, fn: fn})
}

// Reply makes commands starting with prefix print stdout and succeed.
func (s *ScriptedShell) Reply(stdout string, prefix ...string) {
	s.Handle(func([]string) Response { return Response{Stdout: stdout} }, prefix...)
}

// Fail makes commands starting with prefix print stderr and exit with
// code.
func (s *ScriptedShell) Fail(code int, stderr string, prefix ...string) {
	s.Handle(func([]string) Response { return Response{Stderr: stderr, Code: code} }, prefix...)
}

// Steps answers successive matching commands in order and repeats the
// last answer afterwards.
func (s *ScriptedShell) Steps(prefix []string, steps ...Response) {
	var n int
	s.Handle(func([]string) Response {
		r := steps[min(n, len(steps)-1)]
		n++
		return r
	}, prefix...)
}

// SetWorking sets what IsWorking reports.
func (s *ScriptedShell) SetWorking(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working = ok
}

func (s *ScriptedShell) IsWorking(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working
}

func (s *ScriptedShell) Start(ctx context.Context, cmd remote.Command) (remote.Run, error) {
	call := &ShellCall{Args: slices.Clone(cmd.Args), started: time.Now()}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	var fn func([]string) Response
	for _, h := range slices.Backward(s.handlers) {
		if len(cmd.Args) >= len(h.prefix) && slices.Equal(cmd.Args[:len(h.prefix)], h.prefix) {
			fn = h.fn
			break
		}
	}
	s.mu.Unlock()

	resp := Response{Stderr: "unscripted command: " + cmd.String() + "\n", Code: 127}
	if fn != nil {
		resp = fn(cmd.Args)
	}
	call.delay = resp.Delay
	r, err := s.local.Start(ctx, remote.Command{
		Args: []string{"sh", "-c", `sleep "$DELAY"; printf '%s' "$OUT"; printf '%s' "$ERR" >&2; exit "$CODE"`},
		Env: map[string]string{
			"OUT":   resp.Stdout,
			"ERR":   resp.Stderr,
			"CODE":  strconv.Itoa(resp.Code),
			"DELAY": strconv.FormatFloat(resp.Delay.Seconds(), 'f', 3, 64),
		},
		Mode: cmd.Mode,
	})
	if err != nil {
		return nil, err
	}
	return &recordingRun{Run: r, call: call, mu: &s.mu}, nil
}

func (s *ScriptedShell) Close() error { return nil }

// Calls returns the argument lists of all started commands.
func (s *ScriptedShell) Calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Args
	}
	return out
}

// MaxLag returns the longest time a closed run stayed open past its
// scripted delay. A run that is only released when its timeout expires
// shows up here.
func (s *ScriptedShell) MaxLag() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lag time.Duration
	for _, c := range s.calls {
		lag = max(lag, c.lag)
	}
	return lag
}

// Input returns what was sent to stdin of the last command starting
// with prefix.
func (s *ScriptedShell) Input(prefix ...string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range slices.Backward(s.calls) {
		if len(c.Args) >= len(prefix) && slices.Equal(c.Args[:len(prefix)], prefix) {
			return slices.Clone(c.Input)
		}
	}
	return nil
}

type recordingRun struct {
	remote.Run
	call *ShellCall
	mu   *sync.Mutex
	once sync.Once
}

func (r *recordingRun) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.call.lag = time.Since(r.call.started) - r.call.delay
		r.mu.Unlock()
	})
	return r.Run.Close()
}

func (r *recordingRun) Send(ctx context.Context, data []byte, last bool) error {
	r.mu.Lock()
	r.call.Input = append(r.call.Input, data...)
	r.mu.Unlock()
	return r.Run.Send(ctx, data, last)
}
