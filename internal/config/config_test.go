package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20000, cfg.PortBase)
	assert.Equal(t, 10, cfg.PortsPerVM)
	assert.Equal(t, 40, cfg.MaxSlots)
	assert.Len(t, cfg.UserPool, 100)
	assert.Equal(t, "ft-199", cfg.UserPool[0])
	assert.Equal(t, "ft-100", cfg.UserPool[99])
	assert.Equal(t, "root", cfg.SSH.User)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeouts.PowerOnRetry)
	assert.NotEmpty(t, cfg.Identity)
}

func TestGetPathsXDG(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, "cache"))
	t.Setenv("XDG_DATA_HOME", "relative/is/ignored")

	p, err := GetPaths()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "vmlab"), p.ConfigDir)
	assert.Equal(t, filepath.Join(home, "cache", "vmlab"), p.CacheDir)
	assert.Equal(t, filepath.Join(home, ".local", "share", "vmlab"), p.DataDir)
	assert.Equal(t, filepath.Join(p.ConfigDir, "config.yaml"), p.ConfigFile)

	require.NoError(t, p.EnsureDirectories())
	assert.DirExists(t, p.CacheDir)
}

func TestDecodeMissingFile(t *testing.T) {
	cfg, err := Decode(New(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().StateDir, cfg.StateDir)
}

func TestDecodeFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
lock_dir: /srv/locks
identity: ci-runner
port_base: 30000
max_slots: 8
user_pool: [ft-150, ft-151]
preferred_user: ft-151
ssh:
  user: tester
timeouts:
  wait_ready: 90s
machine:
  cpus: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))
	t.Setenv("VMLAB_TIMEOUTS_SHUTDOWN", "15s")
	t.Setenv("VMLAB_IDENTITY", "from-env")

	v := New(dir)
	cfg, err := Decode(v)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), v.ConfigFileUsed())

	assert.Equal(t, "/srv/locks", cfg.LockDir)
	assert.Equal(t, "from-env", cfg.Identity)
	assert.Equal(t, []string{"ft-150", "ft-151"}, cfg.UserPool)
	assert.Equal(t, "tester", cfg.SSH.User)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.WaitReady)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.Shutdown)
	assert.Equal(t, 4, cfg.Machine.CPUs)
	assert.Equal(t, 2048, cfg.Machine.MemoryMB)

	r := cfg.PortRanges()
	assert.Equal(t, "/srv/locks", r.Dir)
	assert.Equal(t, 30000, r.Base)
	assert.Equal(t, 8, r.Slots)

	users := cfg.Users()
	assert.Equal(t, "ft-151", users.Preferred)

	hc := cfg.Hypervisor("ft-151")
	assert.Equal(t, "ft-151", hc.RunAsUser)
	assert.Equal(t, cfg.VMsDir, hc.VMsDir)
}

func TestDecodeBadYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("port_base: ["), 0644))

	_, err := Decode(New(dir))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"ports overflow", func(c *Config) { c.PortBase = 65000 }, "beyond 65535"},
		{"no lock dir", func(c *Config) { c.LockDir = "" }, "lock_dir must be set"},
		{"preferred user", func(c *Config) { c.PreferredUser = "alice" }, `preferred_user "alice" is not in user_pool`},
		{"run as user without pool", func(c *Config) { c.RunAsUser = true; c.UserPool = nil }, "run_as_user needs"},
		{"timeout", func(c *Config) { c.Timeouts.WaitReady = 0 }, "timeouts.wait_ready must be positive"},
		{"memory", func(c *Config) { c.Machine.MemoryMB = 64 }, "machine.memory_mb"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, `log_level "loud"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SSH.User = ""
	cfg.Identity = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssh.user must be set")
	assert.Contains(t, err.Error(), "identity must be set")
}
