//go:build !unix

package ports

import "os"

// IsAlive reports whether a process with the given pid exists.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
