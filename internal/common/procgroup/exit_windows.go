//go:build windows

package procgroup

import "os"

// ExitStatus extracts the exit code of a finished process.
func ExitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	return state.ExitCode(), ""
}
