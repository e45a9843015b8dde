package media

import (
	"os/exec"
	"syscall"
)

// configureStop puts child into own process group and terminates whole group,
// shell pipelines leave no orphans.
func configureStop(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}
