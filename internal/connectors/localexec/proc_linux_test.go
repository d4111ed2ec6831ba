//go:build linux

package localexec

import (
	"os/exec"
	"syscall"
	"testing"
)

func TestKillGroupSetsParentDeathSignal(t *testing.T) {
	cmd := exec.Command("true")
	killGroup(cmd)
	if cmd.SysProcAttr == nil {
		t.Fatal("SysProcAttr not set")
	}
	if !cmd.SysProcAttr.Setpgid {
		t.Error("Setpgid = false, want true")
	}
	if cmd.SysProcAttr.Pdeathsig != syscall.SIGKILL {
		t.Errorf("Pdeathsig = %v, want SIGKILL", cmd.SysProcAttr.Pdeathsig)
	}
	if cmd.Cancel == nil {
		t.Error("Cancel hook not set")
	}
}
