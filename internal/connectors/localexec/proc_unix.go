//go:build !windows && !linux

package localexec

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// killGroup runs the agent in its own process group so cancellation also
// stops the tools it spawned.
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
