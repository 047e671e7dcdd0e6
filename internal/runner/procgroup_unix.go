//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts the child in its own process group and makes
// cancellation kill the whole group, so helpers the test spawned do not
// outlive it.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
