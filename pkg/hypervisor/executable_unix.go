//go:build !windows

package hypervisor

import "os/exec"

func defaultExecutable() string {
	if p, err := exec.LookPath("VBoxManage"); err == nil {
		return p
	}
	return "/usr/bin/VBoxManage"
}
