//go:build windows

package remote

import "os/exec"

func startPTY(*exec.Cmd, string) (Run, error) {
	return nil, ErrUnsupported
}
