//go:build !windows

package hypervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeVBoxManage(t *testing.T, script string) Config {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(dir, "VBoxManage")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"+script), 0755))
	return Config{
		VMsDir:       dir,
		Executable:   exe,
		HostLockPath: filepath.Join(dir, "locks", ".VBoxManage.lock"),
	}
}

func TestCLIRun(t *testing.T) {
	cfg := fakeVBoxManage(t, `echo "args: $*"`+"\n")
	out, err := NewCLI(cfg).Run(context.Background(), "list", "vms")
	require.NoError(t, err)
	assert.Equal(t, "args: list vms", out)
}

func TestCLIRunError(t *testing.T) {
	cfg := fakeVBoxManage(t, `
echo "VBoxManage: error: Could not find a registered machine named 'x'" >&2
echo "VBoxManage: error: Details: code VBOX_E_OBJECT_NOT_FOUND (0x80bb0001), component VirtualBoxWrap" >&2
exit 1
`)
	_, err := NewCLI(cfg).Run(context.Background(), "showvminfo", "x")
	require.Error(t, err)
	e, ok := asCLIError(err)
	require.True(t, ok)
	assert.Equal(t, 1, e.ExitCode)
	assert.Equal(t, "VBOX_E_OBJECT_NOT_FOUND", e.Code)
	assert.Equal(t, []string{"showvminfo", "x"}, e.Args)
}

func TestCLIRunRetriesNotReady(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "seen")
	cfg := fakeVBoxManage(t, `
if [ ! -e "`+marker+`" ]; then
  touch "`+marker+`"
  echo "VBoxManage: error: The object is not ready" >&2
  exit 1
fi
echo ok
`)
	out, err := NewCLI(cfg).Run(context.Background(), "unregistervm", "x")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestCLIRunLocked(t *testing.T) {
	cfg := fakeVBoxManage(t, "echo started\n")
	out, err := NewCLI(cfg).RunLocked(context.Background(), "startvm", "x")
	require.NoError(t, err)
	assert.Equal(t, "started", out)
	assert.FileExists(t, cfg.HostLockPath)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		stderr string
		want   bool
	}{
		{"VBoxManage: error: The object is not ready\n", true},
		{"VBoxManage: error: Operation aborted\n", true},
		{"", true},
		{"VBoxManage: error: Could not find a registered machine named 'x'\n", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(ParseError([]string{"showvminfo"}, 1, tt.stderr)), tt.stderr)
	}
	assert.False(t, IsTransient(os.ErrNotExist))
}
