package console

import "fmt"

// State is the script engine's lifecycle state as far as the console
// can tell.
type State int

const (
	// Running: an installed script is loaded and running.
	Running State = iota
	// Clean: the engine was reset; no script is resident.
	Clean
	// Dirty: an ad-hoc evaluation may have changed global state.
	Dirty
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Clean:
		return "CLEAN"
	case Dirty:
		return "DIRTY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CanInstall reports whether a script may be installed.  Only a clean
// engine accepts one.
func (s State) CanInstall() bool { return s == Clean }

// AfterEval is the state following an evaluation.  Success leaves the
// engine in an unknown state; failure changes nothing.
func (s State) AfterEval(ok bool) State {
	if ok {
		return Dirty
	}
	return s
}

// AfterReset is the state following a reset, from any state.
func (State) AfterReset() State { return Clean }

// AfterBoot is the state once the engine has been rebuilt.  Running
// an installed script makes it Running; a bare engine stays as it was.
func (s State) AfterBoot(ranScript bool) State {
	if ranScript {
		return Running
	}
	return s
}
