//go:build unix

package procutil

import (
	"os/exec"
	"syscall"
)

// SetProcessGroup makes the child lead its own process group so signals
// reach the whole provider process tree.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the child's process group, falling back
// to the process itself when no group exists.
func terminateGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if p := findProcess(pid); p != nil {
			_ = p.Signal(syscall.SIGTERM)
		}
	}
}

// killGroup sends SIGKILL to the child's process group.
func killGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if p := findProcess(pid); p != nil {
			_ = p.Kill()
		}
	}
}
