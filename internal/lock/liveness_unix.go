//go:build !windows

package lock

import (
	"os"
	"syscall"
)

// processLive checks process existence via a signal-0 probe, which is
// portable across POSIX platforms without actually signaling the process.
func processLive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
