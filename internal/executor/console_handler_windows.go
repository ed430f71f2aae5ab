//go:build windows

package executor

import (
	"os/exec"
	"syscall"
)

// hideConsoleWindow launches the subprocess without a visible console
// window, matching the original console handler's CREATE_NO_WINDOW flag.
func hideConsoleWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: 0x08000000, // CREATE_NO_WINDOW
	}
}
