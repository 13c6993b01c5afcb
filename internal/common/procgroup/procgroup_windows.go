//go:build windows

package procgroup

import (
	"os/exec"
	"strconv"
	"syscall"
)

// Set starts cmd with CREATE_NEW_PROCESS_GROUP.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// Kill force-kills the process tree rooted at pid.
func Kill(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// Terminate asks the process tree to close (WM_CLOSE), the nearest thing to SIGTERM.
func Terminate(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}
