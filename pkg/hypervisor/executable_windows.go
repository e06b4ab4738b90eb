//go:build windows

package hypervisor

import (
	"os"
	"os/exec"
	"path/filepath"
)

func defaultExecutable() string {
	if dir := os.Getenv("VBOX_MSI_INSTALL_PATH"); dir != "" {
		return filepath.Join(dir, "VBoxManage.exe")
	}
	if p, err := exec.LookPath("VBoxManage.exe"); err == nil {
		return p
	}
	return `C:\Program Files\Oracle\VirtualBox\VBoxManage.exe`
}
