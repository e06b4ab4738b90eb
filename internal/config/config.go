package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/javanstorm/vmlab/internal/pool"
	"github.com/javanstorm/vmlab/pkg/hypervisor"
)

// SSH holds guest login settings.
type SSH struct {
	User    string `mapstructure:"user"`
	KeyPath string `mapstructure:"key_path"`
}

// Timeouts bound the waits of machine operations.
type Timeouts struct {
	// PowerOnRetry is the pause between startvm attempts.
	PowerOnRetry time.Duration `mapstructure:"power_on_retry"`

	// WaitReady bounds the wait for a booted guest.
	WaitReady time.Duration `mapstructure:"wait_ready"`

	// Shutdown bounds a cooperative shutdown before power-off.
	Shutdown time.Duration `mapstructure:"shutdown"`

	// Desktop bounds the wait for full guest integration.
	Desktop time.Duration `mapstructure:"desktop"`
}

// Metrics configures metric export.
type Metrics struct {
	// Textfile is written after each run when set.
	Textfile string `mapstructure:"textfile"`
}

// Machine holds the hardware of provisioned machines.
type Machine struct {
	Prefix     string `mapstructure:"prefix"`
	CPUs       int    `mapstructure:"cpus"`
	MemoryMB   int    `mapstructure:"memory_mb"`
	OSType     string `mapstructure:"os_type"`
	DiskSizeMB int    `mapstructure:"disk_size_mb"`
}

// Config holds all vmlab configuration.
type Config struct {
	// LockDir holds lock files shared by every runner on the host.
	LockDir string `mapstructure:"lock_dir"`

	// VMsDir is the VirtualBox machine folder.
	VMsDir string `mapstructure:"vms_dir"`

	// SnapshotsDir is the artifact store root.
	SnapshotsDir string `mapstructure:"snapshots_dir"`

	// StateDir holds machine records.
	StateDir string `mapstructure:"state_dir"`

	// Identity namespaces port-range slots between runners.
	Identity string `mapstructure:"identity"`

	PortBase   int `mapstructure:"port_base"`
	PortsPerVM int `mapstructure:"ports_per_vm"`
	MaxSlots   int `mapstructure:"max_slots"`

	// UserPool lists OS users VBoxManage may run as.
	UserPool      []string `mapstructure:"user_pool"`
	PreferredUser string   `mapstructure:"preferred_user"`

	// VBoxManage overrides the VBoxManage executable.
	VBoxManage string `mapstructure:"vboxmanage"`

	// RunAsUser runs VBoxManage as a user claimed from UserPool.
	RunAsUser bool `mapstructure:"run_as_user"`

	LogLevel string `mapstructure:"log_level"`

	SSH      SSH      `mapstructure:"ssh"`
	Timeouts Timeouts `mapstructure:"timeouts"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Machine  Machine  `mapstructure:"machine"`
}

func defaultIdentity() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "vmlab"
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		// Fallback if we can't determine home directory
		tmp := filepath.Join(os.TempDir(), "vmlab")
		paths = &Paths{ConfigDir: tmp, CacheDir: tmp, DataDir: tmp}
	}
	ranges := pool.DefaultPortRanges("", "")

	return &Config{
		LockDir:      filepath.Join(paths.CacheDir, "locks"),
		VMsDir:       hypervisor.DefaultConfig().VMsDir,
		SnapshotsDir: filepath.Join(paths.DataDir, "snapshots"),
		StateDir:     filepath.Join(paths.DataDir, "machines"),
		Identity:     defaultIdentity(),
		PortBase:     ranges.Base,
		PortsPerVM:   ranges.Size,
		MaxSlots:     ranges.Slots,
		UserPool:     pool.DefaultUsers(),
		LogLevel:     "info",
		SSH: SSH{
			User:    "root",
			KeyPath: filepath.Join(paths.DataDir, "ssh", "id_ed25519"),
		},
		Timeouts: Timeouts{
			PowerOnRetry: 500 * time.Millisecond,
			WaitReady:    3 * time.Minute,
			Shutdown:     time.Minute,
			Desktop:      2 * time.Minute,
		},
		Machine: Machine{
			Prefix:     "vmlab",
			CPUs:       2,
			MemoryMB:   2048,
			OSType:     "Ubuntu_64",
			DiskSizeMB: 32 * 1024,
		},
	}
}

// Global holds the loaded configuration.
var Global *Config

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("lock_dir", d.LockDir)
	v.SetDefault("vms_dir", d.VMsDir)
	v.SetDefault("snapshots_dir", d.SnapshotsDir)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("identity", d.Identity)
	v.SetDefault("port_base", d.PortBase)
	v.SetDefault("ports_per_vm", d.PortsPerVM)
	v.SetDefault("max_slots", d.MaxSlots)
	v.SetDefault("user_pool", d.UserPool)
	v.SetDefault("preferred_user", d.PreferredUser)
	v.SetDefault("vboxmanage", d.VBoxManage)
	v.SetDefault("run_as_user", d.RunAsUser)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("ssh.user", d.SSH.User)
	v.SetDefault("ssh.key_path", d.SSH.KeyPath)
	v.SetDefault("timeouts.power_on_retry", d.Timeouts.PowerOnRetry)
	v.SetDefault("timeouts.wait_ready", d.Timeouts.WaitReady)
	v.SetDefault("timeouts.shutdown", d.Timeouts.Shutdown)
	v.SetDefault("timeouts.desktop", d.Timeouts.Desktop)
	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
	v.SetDefault("machine.prefix", d.Machine.Prefix)
	v.SetDefault("machine.cpus", d.Machine.CPUs)
	v.SetDefault("machine.memory_mb", d.Machine.MemoryMB)
	v.SetDefault("machine.os_type", d.Machine.OSType)
	v.SetDefault("machine.disk_size_mb", d.Machine.DiskSizeMB)
}

// New returns a viper instance with defaults, the VMLAB_ environment
// and config.yaml from the config directory wired in.
func New(configDirs ...string) *viper.Viper {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range configDirs {
		v.AddConfigPath(dir)
	}

	// Environment variable support: VMLAB_LOCK_DIR, VMLAB_SSH_USER, etc.
	v.SetEnvPrefix("VMLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Decode reads the config file, if any, and unmarshals v.
func Decode(v *viper.Viper) (*Config, error) {
	// Read config file (optional - not an error if missing)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Viper is the instance Load reads. Commands bind their flags to it.
var Viper = New()

// Load reads configuration from file, environment, and defaults into
// Global.
func Load() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("failed to determine paths: %w", err)
	}
	Viper.AddConfigPath(paths.ConfigDir)

	cfg, err := Decode(Viper)
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

// ConfigFileUsed returns the path of the config file being used, if any.
func ConfigFileUsed() string {
	return Viper.ConfigFileUsed()
}

// EnsureDirectories creates the lock, state and snapshot directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.LockDir, c.StateDir, c.SnapshotsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// PortRanges returns the slot pool described by c.
func (c *Config) PortRanges() pool.PortRanges {
	p := pool.DefaultPortRanges(c.LockDir, c.Identity)
	p.Base = c.PortBase
	p.Size = c.PortsPerVM
	p.Slots = c.MaxSlots
	return p
}

// Users returns the pool VBoxManage users are claimed from.
func (c *Config) Users() *pool.UserPool {
	return &pool.UserPool{
		Dir:       c.LockDir,
		Users:     c.UserPool,
		Preferred: c.PreferredUser,
	}
}

// Hypervisor returns the VirtualBox configuration. runAs is the claimed
// user when RunAsUser is set.
func (c *Config) Hypervisor(runAs string) hypervisor.Config {
	hc := hypervisor.DefaultConfig()
	hc.VMsDir = c.VMsDir
	if c.VBoxManage != "" {
		hc.Executable = c.VBoxManage
	}
	hc.RunAsUser = runAs
	hc.PowerOnRetryDelay = c.Timeouts.PowerOnRetry
	return hc
}
