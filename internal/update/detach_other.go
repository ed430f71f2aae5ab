//go:build !windows

package update

import (
	"os/exec"
	"syscall"
)

// detachProcess configures cmd to start in its own session so it
// survives this process exiting during the shutdown this update
// triggers.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
