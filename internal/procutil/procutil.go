// Package procutil provides the one POSIX primitive the processor's
// status-query finalization and the host's IsExecuting both need: asking
// whether a pid still names a live process, without being able to wait
// on it (it is not a child of this process).
package procutil

import "syscall"

// Exists reports whether pid names a running process, by sending it the
// null signal. It does not distinguish "no such process" from "exists
// but owned by another user" (EPERM counts as existing).
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
