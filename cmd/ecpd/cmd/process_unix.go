//go:build !windows

package cmd

import (
	"os"

	"golang.org/x/sys/unix"
)

// gracefulSignals returns the OS signals to capture for graceful
// shutdown. On Unix: SIGINT (Ctrl+C) and SIGTERM (kill).
func gracefulSignals() []os.Signal {
	return []os.Signal{unix.SIGINT, unix.SIGTERM}
}

// processIsAlive checks if a process is still running using Signal(0).
func processIsAlive(proc *os.Process) bool {
	return proc.Signal(unix.Signal(0)) == nil
}

// sendGracefulStop sends SIGTERM for graceful shutdown on Unix.
func sendGracefulStop(proc *os.Process) error {
	return proc.Signal(unix.SIGTERM)
}
