//go:build windows

package downloader

import (
	"os/exec"
)

// Windows has no process groups reachable by signal; terminate kills the
// tool directly.
func setProcessGroup(cmd *exec.Cmd) {}

func terminateProcess(cmd *exec.Cmd) error {
	return killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
