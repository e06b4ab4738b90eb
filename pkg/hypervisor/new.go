package hypervisor

import (
	"path/filepath"
	"runtime"
	"strconv"
)

// SupportedPlatform returns true if VirtualBox can be driven on this
// platform.
func SupportedPlatform() bool {
	switch runtime.GOOS {
	case "darwin", "linux", "windows":
		return true
	default:
		return false
	}
}

// VirtualBox is a handle on the host's VirtualBox installation. Create
// one per process and pass it to whatever needs it.
type VirtualBox struct {
	cfg    Config
	runner Runner
}

// New returns a VirtualBox using runner for every VBoxManage call.
func New(cfg Config, runner Runner) (*VirtualBox, error) {
	if !SupportedPlatform() {
		return nil, ErrUnsupportedPlatform
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &VirtualBox{cfg: cfg, runner: runner}, nil
}

// Config returns the configuration in use.
func (v *VirtualBox) Config() Config {
	return v.cfg
}

// Runner returns the command runner.
func (v *VirtualBox) Runner() Runner {
	return v.runner
}

// VM returns a handle for the machine called name. The machine need
// not exist.
func (v *VirtualBox) VM(name string) *VM {
	dir := filepath.Join(v.cfg.VMsDir, name)
	return &VM{
		vbox:     v,
		name:     name,
		dir:      dir,
		settings: filepath.Join(dir, name+".vbox"),
		disk:     filepath.Join(v.cfg.VMsDir, name+".vdi"),
		logs:     filepath.Join(dir, "Logs"),
	}
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
