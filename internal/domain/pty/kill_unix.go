//go:build !windows

package pty

import (
	"os/exec"
	"syscall"
)

// killProcess kills the shell's whole process group. The shell is a
// session leader (Setsid), so its pgid equals its pid.
func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
