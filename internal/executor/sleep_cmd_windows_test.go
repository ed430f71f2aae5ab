//go:build windows

package executor

import "fmt"

func sleepCommand(seconds int) string {
	return fmt.Sprintf("ping -n %d 127.0.0.1 > NUL", seconds+1)
}
