//go:build unix && !linux

package procgroup

import (
	"os/exec"
	"syscall"
)

// Set runs cmd in its own process group. Orphan cleanup relies on explicit
// Kill or Terminate calls here since Pdeathsig is Linux-only.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Kill sends SIGKILL to the whole group led by pid.
func Kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// Terminate sends SIGTERM to the whole group led by pid.
func Terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
