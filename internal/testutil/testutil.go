// Package testutil provides common test helpers for vmlab tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/javanstorm/vmlab/pkg/hypervisor"
)

// HandlerFunc answers one scripted VBoxManage call.
type HandlerFunc func(args []string) (string, error)

type handler struct {
	prefix []string
	fn     HandlerFunc
}

// Call is one recorded VBoxManage invocation.
type Call struct {
	Args   []string
	Locked bool
}

// FakeRunner is a scripted hypervisor.Runner. Handlers match by argument
// prefix; the most recently registered match wins. Unscripted calls
// fail the command.
type FakeRunner struct {
	mu       sync.Mutex
	handlers []handler
	calls    []Call
}

var _ hypervisor.Runner = (*FakeRunner)(nil)

// NewFakeRunner returns a runner with no scripted commands.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// Handle registers fn for calls starting with prefix.
func (f *FakeRunner) Handle(fn HandlerFunc, prefix ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler{prefix: prefix, fn: fn})
}

// Reply makes calls starting with prefix succeed with out.
func (f *FakeRunner) Reply(out string, prefix ...string) {
	f.Handle(func([]string) (string, error) { return out, nil }, prefix...)
}

// Fail makes calls starting with prefix exit 1 with a VBoxManage error
// carrying code and message.
func (f *FakeRunner) Fail(code, message string, prefix ...string) {
	f.Handle(func(args []string) (string, error) {
		return "", hypervisor.ParseError(args, 1, VBoxStderr(code, message))
	}, prefix...)
}

// Sequence answers successive matching calls with steps in order and
// repeats the last step afterwards.
func (f *FakeRunner) Sequence(prefix []string, steps ...HandlerFunc) {
	var n int
	f.Handle(func(args []string) (string, error) {
		step := steps[min(n, len(steps)-1)]
		n++
		return step(args)
	}, prefix...)
}

// Ok is a sequence step that succeeds with out.
func Ok(out string) HandlerFunc {
	return func([]string) (string, error) { return out, nil }
}

// Err is a sequence step that fails with a VBoxManage error.
func Err(code, message string) HandlerFunc {
	return func(args []string) (string, error) {
		return "", hypervisor.ParseError(args, 1, VBoxStderr(code, message))
	}
}

// VBoxStderr formats stderr the way VBoxManage reports COM failures.
func VBoxStderr(code, message string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "VBoxManage: error: %s\n", message)
	if code != "" {
		fmt.Fprintf(&b, "VBoxManage: error: Details: code %s (0x80bb0001), component Machine, interface IMachine\n", code)
	}
	b.WriteString("VBoxManage: error: Context: \"LockMachine\" at line 1 of file VBoxManageControlVM.cpp\n")
	return b.String()
}

func (f *FakeRunner) dispatch(args []string, locked bool) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Args: slices.Clone(args), Locked: locked})
	var fn HandlerFunc
	for _, h := range slices.Backward(f.handlers) {
		if len(args) >= len(h.prefix) && slices.Equal(args[:len(h.prefix)], h.prefix) {
			fn = h.fn
			break
		}
	}
	f.mu.Unlock()
	if fn == nil {
		return "", hypervisor.ParseError(args, 1, VBoxStderr("", "unscripted command: "+strings.Join(args, " ")))
	}
	return fn(args)
}

// Run implements hypervisor.Runner.
func (f *FakeRunner) Run(_ context.Context, args ...string) (string, error) {
	return f.dispatch(args, false)
}

// RunLocked implements hypervisor.Runner.
func (f *FakeRunner) RunLocked(_ context.Context, args ...string) (string, error) {
	return f.dispatch(args, true)
}

// Calls returns the recorded invocations.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Count returns how many calls started with prefix.
func (f *FakeRunner) Count(prefix ...string) int {
	n := 0
	for _, c := range f.Calls() {
		if len(c.Args) >= len(prefix) && slices.Equal(c.Args[:len(prefix)], prefix) {
			n++
		}
	}
	return n
}

// CreateTestDisk creates a sparse file standing in for a VDI disk. The
// header area is zeroed, so it carries an empty description.
func CreateTestDisk(t *testing.T, path string, sizeMB int64) {
	t.Helper()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create directory %s: %v", dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test disk at %s: %v", path, err)
	}
	defer f.Close()

	sizeBytes := sizeMB * 1024 * 1024
	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatalf("failed to truncate test disk to %d bytes: %v", sizeBytes, err)
	}
}

// FakeDisk returns a hypervisor.Disk that creates test disks of sizeMB.
func FakeDisk(t *testing.T, sizeMB int64) hypervisor.Disk {
	return hypervisor.DiskFunc(func(_ context.Context, dest string) error {
		CreateTestDisk(t, dest, sizeMB)
		return nil
	})
}

// NewVirtualBox returns a VirtualBox over runner with its machine folder
// in a temporary directory.
func NewVirtualBox(t *testing.T, runner hypervisor.Runner) *hypervisor.VirtualBox {
	t.Helper()
	dir := t.TempDir()
	vbox, err := hypervisor.New(hypervisor.Config{
		VMsDir:       dir,
		Executable:   "VBoxManage",
		HostLockPath: filepath.Join(dir, ".VBoxManage.lock"),
	}, runner)
	if err != nil {
		t.Fatalf("failed to create VirtualBox: %v", err)
	}
	return vbox
}
