//go:build linux

package procgroup

import (
	"os/exec"
	"syscall"
)

// Set runs cmd in its own process group. Pdeathsig makes the kernel signal
// the child if the bridge dies without stopping it.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// Kill sends SIGKILL to the whole group led by pid.
func Kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// Terminate sends SIGTERM to the whole group led by pid.
func Terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
