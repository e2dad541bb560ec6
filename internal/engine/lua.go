package engine

import (
	"errors"
	"fmt"
	"strings"

	lua "github.com/Shopify/go-lua"

	"scriptcon/util"
)

// Lua is an Engine backed by github.com/Shopify/go-lua.  Global state
// persists between Eval calls until Close.
type Lua struct {
	l      *lua.State
	out    OutputFunc
	logger *util.Logger
	closed bool
}

// NewLua starts an interpreter with the standard libraries and the
// console builtins print and alert.
func NewLua(out OutputFunc, logger *util.Logger) *Lua {
	e := &Lua{l: lua.NewState(), out: out, logger: logger}
	lua.OpenLibraries(e.l)
	e.l.Register("print", e.builtin(false))
	e.l.Register("alert", e.builtin(true))
	return e
}

// NewLuaFactory returns a Factory producing Lua engines.
func NewLuaFactory(logger *util.Logger) Factory {
	return func(out OutputFunc) Engine { return NewLua(out, logger) }
}

// Name implements Engine.
func (e *Lua) Name() string { return "Lua" }

// Eval implements Engine.
func (e *Lua) Eval(name string, src []byte) (res Result) {
	if e.closed {
		return Result{Outcome: Unknown, Message: "engine closed"}
	}
	l := e.l
	top := l.Top()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua: panic in %s: %v", name, r)
			res = Result{Outcome: Unknown, Message: fmt.Sprint(r)}
		}
		l.SetTop(top)
	}()

	if err := lua.LoadBuffer(l, string(src), name, ""); err != nil {
		return e.failure(err)
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		return e.failure(err)
	}
	if l.IsNil(-1) {
		return Result{Outcome: OK}
	}
	s, _ := lua.ToStringMeta(l, -1)
	return Result{Outcome: OK, Message: s}
}

// Close implements Engine.  go-lua states are garbage collected; Close
// only marks the engine unusable.
func (e *Lua) Close() error {
	e.closed = true
	return nil
}

func (e *Lua) failure(err error) Result {
	msg, ok := e.l.ToString(-1)
	if !ok || msg == "" {
		msg = err.Error()
	}
	o := Classify(err, msg)
	e.logger.Debug("lua: %s: %s", o, msg)
	return Result{Outcome: o, Message: msg}
}

// Classify maps a go-lua error and its message onto an Outcome.
func Classify(err error, msg string) Outcome {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, lua.SyntaxError):
		return Syntax
	case errors.Is(err, lua.MemoryError):
		return Alloc
	}
	var re lua.RuntimeError
	if !errors.As(err, &re) {
		return Unknown
	}
	switch {
	case strings.Contains(msg, "stack overflow"):
		return Alloc
	case strings.Contains(msg, "attempt to"):
		return Type
	case strings.Contains(msg, "out of range"):
		return Range
	default:
		return Eval
	}
}

// builtin concatenates its arguments with tostring semantics and
// passes them to the output.
func (e *Lua) builtin(alert bool) lua.Function {
	return func(l *lua.State) int {
		var sb strings.Builder
		n := l.Top()
		for i := 1; i <= n; i++ {
			s, _ := lua.ToStringMeta(l, i)
			l.Pop(1)
			sb.WriteString(s)
		}
		if e.out != nil {
			e.out(alert, sb.String())
		}
		return 0
	}
}
