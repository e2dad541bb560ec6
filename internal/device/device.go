// Package device performs device-level actions requested by the
// console controller.
package device

import (
	"os"

	"scriptcon/util"
)

// Rebooter restarts the device.  Reboot does not return on success.
type Rebooter interface {
	Reboot() error
}

// Process reboots the device by replacing the running daemon with a
// fresh copy of itself, which re-reads its configuration and reboots
// the script engine from the installed script.
type Process struct {
	Logger *util.Logger

	// Argv and Env default to the current process's.
	Argv []string
	Env  []string

	// Exit is called if re-exec is unavailable or fails.  Defaults to
	// os.Exit; the service supervisor is then expected to restart us.
	Exit func(code int)

	exec func(argv, env []string) error
}

// Reboot implements Rebooter.
func (p *Process) Reboot() error {
	argv := p.Argv
	if len(argv) == 0 {
		argv = os.Args
	}
	env := p.Env
	if env == nil {
		env = os.Environ()
	}
	p.Logger.Info("rebooting: %v", argv)

	exec := p.exec
	if exec == nil {
		exec = reexec
	}
	err := exec(argv, env)
	p.Logger.Error("re-exec failed, exiting: %v", err)
	exit := p.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(ExitReboot)
	return err
}

// ExitReboot is the status the daemon exits with when it could not
// re-exec itself for a reboot.
const ExitReboot = 75
