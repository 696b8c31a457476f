//go:build !unix

package process

import (
	"os"
	"os/exec"
)

// ConfigureGroup is a no-op where process groups are unavailable
func ConfigureGroup(cmd *exec.Cmd) {}

// TerminateGroup kills pid; there is no graceful group signal on this platform
func TerminateGroup(pid int) error {
	return KillGroup(pid)
}

// KillGroup kills pid
func KillGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// Alive reports whether pid refers to a live process
func Alive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

// ExitCode returns the process exit code
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
