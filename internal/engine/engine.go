// Package engine runs console scripts.
//
// The console only needs "compile and run this source, tell me how it
// went"; [Engine] is that capability.  [Lua] implements it on an
// embedded Lua interpreter.
package engine

import "fmt"

// Outcome classifies how a script run ended.
type Outcome int

const (
	OK      Outcome = iota
	Syntax          // did not compile
	Eval            // raised an error while running
	Type            // operation on a value of the wrong type
	Range           // value out of range
	Alloc           // out of memory or stack
	Unknown         // anything the engine could not diagnose
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Syntax:
		return "syntax"
	case Eval:
		return "eval"
	case Type:
		return "type"
	case Range:
		return "range"
	case Alloc:
		return "alloc"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Result is the outcome of a run plus a human-readable message: the
// stringified return value on success, the engine's diagnostic on
// failure.
type Result struct {
	Outcome Outcome
	Message string
}

// OutputFunc receives text raised by the print and alert builtins.
type OutputFunc func(alert bool, text string)

// Engine compiles and runs script source.
type Engine interface {
	// Name is the language the engine runs, e.g. "Lua".
	Name() string

	// Eval compiles src as a chunk called name and runs it.
	Eval(name string, src []byte) Result

	// Close releases the interpreter.  The engine is unusable after.
	Close() error
}

// Factory builds a fresh engine whose builtins write to out.
type Factory func(out OutputFunc) Engine
