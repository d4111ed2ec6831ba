//go:build windows

package health

import (
	"errors"
	"os"
)

func terminate(pid int) error {
	return errors.New("graceful termination is not supported on windows")
}

// ProcessAlive reports whether pid refers to a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
