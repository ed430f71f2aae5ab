//go:build !windows

package executor

import "fmt"

func sleepCommand(seconds int) string {
	return fmt.Sprintf("sleep %d", seconds)
}
