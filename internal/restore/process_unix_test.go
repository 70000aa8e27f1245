//go:build unix

package restore

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive reports whether pid still exists, zombies included.
func processAlive(pid int) bool {
	return !errors.Is(unix.Kill(pid, 0), unix.ESRCH)
}
