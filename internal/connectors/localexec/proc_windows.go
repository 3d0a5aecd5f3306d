//go:build windows

package localexec

import "os/exec"

// Windows has no process groups to signal; both requests kill the process.
func configureProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) error {
	return killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
