package daemon

import "errors"

// Sentinel errors for daemon operations, checked with errors.Is
var (
	// ErrDaemonNotRunning indicates the daemon is not currently running
	ErrDaemonNotRunning = errors.New("daemon is not running")

	// ErrDaemonAlreadyRunning indicates another daemon owns the state directory
	ErrDaemonAlreadyRunning = errors.New("daemon is already running")

	// ErrDaemonStartFailed indicates the daemon failed to start
	ErrDaemonStartFailed = errors.New("daemon failed to start")
)
