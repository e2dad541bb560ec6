//go:build unix

package device

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// reexec replaces the process image.  It only returns on failure.
func reexec(argv, env []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if err := unix.Exec(exe, argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", exe, err)
	}
	return nil
}
