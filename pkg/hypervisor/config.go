package hypervisor

import (
	"os"
	"path/filepath"
	"time"
)

// Config locates VirtualBox on the host.
type Config struct {
	// VMsDir is the machine folder. Settings live in VMsDir/<name>/ and
	// system disks in VMsDir/<name>.vdi.
	VMsDir string

	// Executable is the VBoxManage binary.
	Executable string

	// RunAsUser runs VBoxManage through sudo as this user, so that each
	// runner gets a private VBoxSVC and media registry.
	RunAsUser string

	// HostLockPath serializes commands that race when several machines
	// start together.
	HostLockPath string

	// PowerOnRetryDelay is the pause between startvm attempts.
	PowerOnRetryDelay time.Duration
}

// DefaultConfig returns the per-user VirtualBox locations.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return Config{
		VMsDir:            filepath.Join(home, "VirtualBox VMs"),
		Executable:        defaultExecutable(),
		HostLockPath:      filepath.Join(home, ".VBoxManage.lock"),
		PowerOnRetryDelay: 500 * time.Millisecond,
	}
}

// Validate performs basic validation of the configuration.
func (c *Config) Validate() error {
	if c.VMsDir == "" {
		return ErrMissingVMsDir
	}
	if c.Executable == "" {
		c.Executable = defaultExecutable()
	}
	if c.HostLockPath == "" {
		c.HostLockPath = filepath.Join(c.VMsDir, ".VBoxManage.lock")
	}
	if c.PowerOnRetryDelay <= 0 {
		c.PowerOnRetryDelay = 500 * time.Millisecond
	}
	return nil
}

// PortForward is a NAT rule from a host port to a guest port.
type PortForward struct {
	Protocol  string
	HostPort  int
	GuestPort int
}

// Name is the rule name VirtualBox stores, e.g. "tcp-22".
func (f PortForward) Name() string {
	return f.Protocol + "-" + itoa(f.GuestPort)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// Settings holds per-machine hardware parameters.
type Settings struct {
	// CPUs is the number of virtual CPUs.
	CPUs int

	// MemoryMB is the amount of memory in megabytes.
	MemoryMB int

	// OSType is the VirtualBox guest OS identifier.
	OSType string

	// NICs is the number of network adapters; adapter 0 is NAT.
	NICs int

	// Forwards are NAT port forwarding rules for adapter 0.
	Forwards []PortForward
}

// Validate performs basic validation of the settings and fills
// defaults.
func (s *Settings) Validate() error {
	if s.CPUs < 1 {
		return ErrInvalidCPUCount
	}
	if s.MemoryMB < 128 {
		return ErrInsufficientMemory
	}
	if s.OSType == "" {
		s.OSType = "Ubuntu_64"
	}
	if s.NICs <= 0 {
		s.NICs = 4
	}
	for _, f := range s.Forwards {
		if (f.Protocol != "tcp" && f.Protocol != "udp") || !validPort(f.HostPort) || !validPort(f.GuestPort) {
			return ErrInvalidPortForward
		}
	}
	return nil
}
