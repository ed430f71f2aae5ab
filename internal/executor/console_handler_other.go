//go:build !windows

package executor

import "os/exec"

// hideConsoleWindow is a no-op outside Windows; there is no console
// window to hide.
func hideConsoleWindow(cmd *exec.Cmd) {}
