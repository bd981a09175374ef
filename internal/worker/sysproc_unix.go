//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
	"time"
)

// newSysProcAttr returns SysProcAttr that creates a new session to detach
// from the controlling TTY, suppressing interactive UI hints.
func newSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}

// setupProcessCleanup kills the entire process group on context
// cancellation so sub-agents spawned by the worker are not orphaned.
func setupProcessCleanup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second
}
