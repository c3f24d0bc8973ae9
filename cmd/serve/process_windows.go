//go:build windows

package serve

// isProcessRunning checks if a process with the given PID is running.
// On Windows, Signal(0) is not supported, so this always returns false and a
// leftover PID file is always replaced.
func isProcessRunning(_ int) bool {
	return false
}
