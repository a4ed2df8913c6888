//go:build !windows

package decoder

import (
	"errors"
	"os/exec"
	"syscall"
)

// setupProcessGroup starts ffmpeg in its own process group so child
// processes die with it.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killProcessGroup kills ffmpeg and its children.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	// Already exited
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
