//go:build windows

package util

import "os"

// ShutdownSignals returns the signals to listen for graceful shutdown.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// TerminateProcess asks a capture process to exit.
// Windows has no SIGTERM, so the process is killed.
func TerminateProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
