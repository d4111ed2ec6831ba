//go:build linux

package localexec

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// killGroup runs the agent in its own process group so cancellation also
// stops the tools it spawned. Pdeathsig kills the agent if the daemon dies
// without running its shutdown path.
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
