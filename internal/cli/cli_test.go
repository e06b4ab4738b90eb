package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmlab/internal/config"
	"github.com/javanstorm/vmlab/internal/vm"
	"github.com/javanstorm/vmlab/pkg/filelock"
)

func TestQuietMode(t *testing.T) {
	orig := quietMode
	defer func() { quietMode = orig }()

	SetQuietMode(true)
	assert.True(t, quietMode)
	SetQuietMode(false)
	assert.False(t, quietMode)
}

func TestParseGuestPorts(t *testing.T) {
	ports, err := parseGuestPorts([]string{"tcp/22", "UDP/53", "8080"})
	require.NoError(t, err)
	assert.Equal(t, []vm.GuestPort{
		{Protocol: "tcp", Port: 22},
		{Protocol: "udp", Port: 53},
		{Protocol: "tcp", Port: 8080},
	}, ports)

	_, err = parseGuestPorts([]string{"tcp/ssh"})
	assert.Error(t, err)

	ports, err = parseGuestPorts(nil)
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestParseMode(t *testing.T) {
	w, h, d, err := parseMode("1920x1080x32")
	require.NoError(t, err)
	assert.Equal(t, []int{1920, 1080, 32}, []int{w, h, d})

	for _, bad := range []string{"", "1920x1080", "axbxc", "0x1x1"} {
		_, _, _, err := parseMode(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseMeta(t *testing.T) {
	meta, err := parseMeta([]string{"kernel=6.8", "build=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"kernel": "6.8", "build": "a=b"}, meta)

	_, err = parseMeta([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseMeta([]string{"=x"})
	assert.Error(t, err)
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, 4, orDefault(0, 4))
	assert.Equal(t, 2, orDefault(2, 4))
	assert.Equal(t, "vmlab", orDefault("", "vmlab"))
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(999999999))
}

func TestSetupLogging(t *testing.T) {
	require.NoError(t, setupLogging("debug", "text"))
	require.NoError(t, setupLogging("info", "json"))
	assert.Error(t, setupLogging("loud", "text"))
	assert.Error(t, setupLogging("info", "xml"))
	require.NoError(t, setupLogging("info", ""))
}

func TestSSHKeysPath(t *testing.T) {
	orig := config.Global
	defer func() { config.Global = orig }()
	dir := t.TempDir()

	config.Global = config.DefaultConfig()
	config.Global.SSH.KeyPath = filepath.Join(dir, "id_ed25519")
	keys, err := sshKeys()
	require.NoError(t, err)
	require.NoError(t, keys.Ensure())
	assert.FileExists(t, filepath.Join(dir, "id_ed25519.pub"))

	config.Global.SSH.KeyPath = filepath.Join(dir, "custom_key")
	_, err = sshKeys()
	assert.Error(t, err)
}

// execute runs the root command with a private config directory.
func execute(t *testing.T, args ...string) error {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("VMLAB_LOCK_DIR", filepath.Join(home, "locks"))
	t.Setenv("VMLAB_STATE_DIR", filepath.Join(home, "state"))
	t.Setenv("VMLAB_SNAPSHOTS_DIR", filepath.Join(home, "snapshots"))
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestLockTryRunsCommand(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	lock := filepath.Join(t.TempDir(), "job.lock")

	err := execute(t, "lock", "try", lock, "--", "touch", marker)
	require.NoError(t, err)
	assert.FileExists(t, marker)

	// Released afterwards.
	h, err := filelock.TryLocked(context.Background(), lock)
	require.NoError(t, err)
	h.Close()
}

func TestLockTryHeldElsewhere(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "job.lock")
	h, err := filelock.TryLocked(context.Background(), lock)
	require.NoError(t, err)
	defer h.Close()

	err = execute(t, "lock", "try", lock, "--", "true")
	assert.ErrorIs(t, err, filelock.ErrAlreadyLocked)
}

func TestLockWaitTimesOut(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "job.lock")
	h, err := filelock.TryLocked(context.Background(), lock)
	require.NoError(t, err)
	defer h.Close()

	err = execute(t, "lock", "wait", "--timeout", "100ms", lock, "--", "true")
	assert.ErrorIs(t, err, filelock.ErrAlreadyLocked)
}

func TestVMListEmpty(t *testing.T) {
	require.NoError(t, execute(t, "vm", "list"))
}

func TestVMListRecords(t *testing.T) {
	home := t.TempDir()
	state := filepath.Join(home, "machines")
	require.NoError(t, vm.NewStateFile(state, "vmlab-0").Save(&vm.Record{Name: "vmlab-0", State: vm.StateRunning, PID: os.Getpid()}))

	t.Setenv("VMLAB_STATE_DIR", state)
	rootCmd.SetArgs([]string{"vm", "list"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
}
