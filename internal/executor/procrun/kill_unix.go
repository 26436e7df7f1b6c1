//go:build !windows

package procrun

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so killTree can
// take out the interpreter and everything it spawned in one signal.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid signals the whole group. Fall back to the single process
	// if the group is already gone.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
