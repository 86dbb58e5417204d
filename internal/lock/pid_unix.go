//go:build !windows

package lock

import "syscall"

// isPidAlive sends signal 0, which performs no action but still reports
// ESRCH if the process does not exist (original_source/lib/process_lock.py
// uses the same os.kill(pid, 0) probe).
func isPidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
