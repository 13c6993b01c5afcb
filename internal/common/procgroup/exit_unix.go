//go:build !windows

package procgroup

import (
	"os"
	"syscall"
)

// ExitStatus extracts the exit code of a finished process. A process killed
// by a signal reports 128+signal and the signal name.
func ExitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return state.ExitCode(), ""
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal()), ws.Signal().String()
	}
	return ws.ExitStatus(), ""
}
