//go:build !unix

package procutil

import "os/exec"

// SetProcessGroup is a no-op on platforms without process groups.
func SetProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(pid int) {
	if p := findProcess(pid); p != nil {
		_ = p.Kill()
	}
}

func killGroup(pid int) {
	if p := findProcess(pid); p != nil {
		_ = p.Kill()
	}
}
