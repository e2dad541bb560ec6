//go:build !unix

package device

import "errors"

func reexec(argv, env []string) error {
	return errors.New("re-exec not supported on this platform")
}
