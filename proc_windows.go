//go:build windows

package cadence

import (
	"os/exec"
	"time"
)

func configureProxyProcess(cmd *exec.Cmd) {}

func terminateProxyProcess(cmd *exec.Cmd, _ time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
