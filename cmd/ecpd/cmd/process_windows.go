//go:build windows

package cmd

import "os"

// gracefulSignals returns the OS signals to capture for graceful
// shutdown. On Windows only os.Interrupt is deliverable.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// processIsAlive checks if a process is still running. Windows has no
// Signal(0); FindProcess succeeding is the best available check, so a
// follow-up Kill may still fail on a just-exited process.
func processIsAlive(proc *os.Process) bool {
	return proc != nil
}

// sendGracefulStop has no SIGTERM equivalent on Windows; Kill is the
// only portable stop.
func sendGracefulStop(proc *os.Process) error {
	return proc.Kill()
}
