//go:build !windows

package health

import "golang.org/x/sys/unix"

func terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// ProcessAlive reports whether pid refers to a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
