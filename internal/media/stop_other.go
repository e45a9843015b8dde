//go:build !linux
// +build !linux

package media

import (
	"os"
	"os/exec"
)

func configureStop(cmd *exec.Cmd) {
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
}
