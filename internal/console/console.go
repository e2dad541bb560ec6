// Package console implements the script console service: the single
// controller session, the chunked eval/install transfers, and the
// engine lifecycle that decides which of them are allowed.
//
// A Console handles one bus message at a time.  Handle returns a
// tagged [Result]; Unmatched means the message belongs to someone else
// and its arguments have been left for the next handler to read.
package console

import (
	"fmt"
	"io"
	"os"

	"scriptcon/internal/bus"
	"scriptcon/internal/device"
	"scriptcon/internal/engine"
	ncerr "scriptcon/internal/errors"
	"scriptcon/internal/metrics"
	"scriptcon/internal/session"
	"scriptcon/internal/store"
	"scriptcon/util"
)

// Service identity.
const (
	Port          uint16 = 7714
	InterfaceName        = "org.allseen.scriptConsole"
	ObjectPath           = "/ScriptConsole"

	// DefaultMaxEvalLen bounds an ad-hoc evaluation payload.
	DefaultMaxEvalLen uint32 = 1024

	// EvalChunkName names ad-hoc evaluations in engine diagnostics.
	EvalChunkName = "ConsoleInput.lua"
)

// Console members: object 0, interface 0 is the property interface,
// interface 1 is the console.
var (
	MsgGetProperty = bus.AppMessageID(0, 0, bus.PropGet)
	MsgSetProperty = bus.AppMessageID(0, 0, bus.PropSet)
	MsgEval        = bus.AppMessageID(0, 1, 3)
	MsgInstall     = bus.AppMessageID(0, 1, 4)
	MsgReset       = bus.AppMessageID(0, 1, 5)
	MsgReboot      = bus.AppMessageID(0, 1, 6)
	MsgPrint       = bus.AppMessageID(0, 1, 7)
	MsgAlert       = bus.AppMessageID(0, 1, 8)
)

// ── Results ──────────────────────────────────────────────────────────

// Disposition says whether a handler owned a message.
type Disposition int

const (
	Handled Disposition = iota
	Unmatched
	Failed
)

func (d Disposition) String() string {
	switch d {
	case Handled:
		return "handled"
	case Unmatched:
		return "unmatched"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// Action is what the serve loop must do once the reply is out.
type Action int

const (
	ActionNone Action = iota
	// ActionRestartClean rebuilds the engine without running a script.
	ActionRestartClean
	// ActionRestartScript rebuilds the engine and runs the installed
	// script.
	ActionRestartScript
	// ActionReboot: the device is going down.  Nothing may touch the
	// console afterwards.
	ActionReboot
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRestartClean:
		return "restart"
	case ActionRestartScript:
		return "restart-with-script"
	case ActionReboot:
		return "reboot"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Result is the outcome of Handle.
type Result struct {
	Disposition Disposition
	Action      Action
	Err         error // set when Disposition is Failed
}

func handled(a Action) Result { return Result{Disposition: Handled, Action: a} }

func unmatched() Result { return Result{Disposition: Unmatched} }

func (c *Console) failed(msg *bus.Message, err error) Result {
	c.metrics.RecordError(err.Error())
	c.logger.Warn("message 0x%08x: %v", msg.MsgID, err)
	return Result{Disposition: Failed, Err: err}
}

// ── Console ──────────────────────────────────────────────────────────

// SignalSender starts outbound signals to a session.
type SignalSender interface {
	NewSignal(msgID, sessionID uint32) *bus.Outgoing
}

// Config wires a Console to its collaborators.
type Config struct {
	Guard    *session.Guard     // defaults to a guard on Port
	Store    store.ScriptStore  // required
	Rebooter device.Rebooter    // required
	Signals  SignalSender       // where print/alert go while attached
	Logger   *util.Logger       // required
	Metrics  *metrics.Collector // optional

	MaxEvalLen uint32    // defaults to DefaultMaxEvalLen
	Local      io.Writer // local output when detached; defaults to stdout
	EchoPrint  bool      // write PRINT lines locally, not just ALERTs
}

// Console is the script console service state.  It is not safe for
// concurrent use; one goroutine feeds it messages.
type Console struct {
	guard    *session.Guard
	store    store.ScriptStore
	rebooter device.Rebooter
	signals  SignalSender
	logger   *util.Logger
	metrics  *metrics.Collector

	maxEvalLen uint32
	local      io.Writer
	echoPrint  bool

	state      State
	engine     engine.Engine
	engineName string
}

// New returns a console in the Running state with no engine attached.
func New(cfg Config) *Console {
	c := &Console{
		guard:      cfg.Guard,
		store:      cfg.Store,
		rebooter:   cfg.Rebooter,
		signals:    cfg.Signals,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		maxEvalLen: cfg.MaxEvalLen,
		local:      cfg.Local,
		echoPrint:  cfg.EchoPrint,
		state:      Running,
		engineName: "Lua",
	}
	if c.guard == nil {
		c.guard = session.NewGuard(Port, c.logger)
	}
	if c.maxEvalLen == 0 {
		c.maxEvalLen = DefaultMaxEvalLen
	}
	if c.local == nil {
		c.local = os.Stdout
	}
	return c
}

// State returns the engine lifecycle state.
func (c *Console) State() State { return c.state }

// Session returns the attached controller, or the zero Session.
func (c *Console) Session() session.Session { return c.guard.Current() }

// SetEngine attaches the engine evaluations run on.
func (c *Console) SetEngine(e engine.Engine) {
	c.engine = e
	if e != nil {
		c.engineName = e.Name()
	}
}

// EngineBooted records that the engine was rebuilt, and whether the
// installed script was run on it.
func (c *Console) EngineBooted(ranScript bool) {
	prev := c.state
	c.state = c.state.AfterBoot(ranScript)
	c.metrics.EngineRestarted()
	c.logger.Verbose("engine booted: %s -> %s", prev, c.state)
}

// Terminate detaches the controller and marks the engine state
// unknown.  Call it when the console subsystem shuts down.
func (c *Console) Terminate() {
	c.guard.Clear()
	c.state = Dirty
}

// Handle dispatches one inbound message.
func (c *Console) Handle(msg *bus.Message) Result {
	if msg.Type == bus.MethodCall && msg.MsgID == bus.MsgAcceptSession {
		return c.acceptSession(msg)
	}

	// Nothing else is ours unless a controller is attached.
	if !c.guard.HasSession() {
		return unmatched()
	}
	if msg.Type == bus.Signal && msg.MsgID == bus.MsgSessionLost {
		return c.sessionLost(msg)
	}
	if msg.Type != bus.MethodCall || msg.SessionID != c.guard.Current().ID {
		return unmatched()
	}

	switch msg.MsgID {
	case MsgGetProperty:
		return c.getProperty(msg)
	case MsgSetProperty:
		return c.setProperty(msg)
	case MsgEval:
		return c.eval(msg)
	case MsgInstall:
		return c.install(msg)
	case MsgReset:
		return c.reset(msg)
	case MsgReboot:
		return c.reboot()
	default:
		return unmatched()
	}
}

// ── Session handling ─────────────────────────────────────────────────

func (c *Console) acceptSession(msg *bus.Message) Result {
	port, err := msg.ReadUint16()
	var id uint32
	var joiner string
	if err == nil {
		id, err = msg.ReadUint32()
	}
	if err == nil {
		joiner, err = msg.ReadString()
	}
	if err != nil {
		return c.replyTransportError(msg, err)
	}

	adm, admitErr := c.guard.TryAdmit(port, id, joiner)
	switch adm {
	case session.Unmatched:
		// Another service's port; leave the arguments for it.
		if err := msg.ResetArgs(); err != nil {
			return c.failed(msg, err)
		}
		return unmatched()

	case session.Rejected:
		if err := msg.NewReply().PutBool(false).Deliver(); err != nil {
			return c.failed(msg, fmt.Errorf("deliver reject: %w", err))
		}
		if admitErr != nil {
			return c.failed(msg, admitErr)
		}
		c.metrics.SessionRejected()
		return handled(ActionNone)

	default:
		if err := msg.NewReply().PutBool(true).Deliver(); err != nil {
			c.guard.Clear()
			return c.failed(msg, fmt.Errorf("deliver accept: %w", err))
		}
		c.logger.Info("accepted session session_id=%d joiner=%s", id, joiner)
		c.metrics.SessionAdmitted()
		return handled(ActionNone)
	}
}

func (c *Console) sessionLost(msg *bus.Message) Result {
	id, err := msg.ReadUint32()
	if err != nil {
		return c.failed(msg, err)
	}
	if c.guard.NotifySessionLost(id) {
		c.metrics.SessionLost()
		return handled(ActionNone)
	}
	// Not our session; leave the arguments for the next handler.
	if err := msg.ResetArgs(); err != nil {
		return c.failed(msg, err)
	}
	return unmatched()
}

// ── Script operations ────────────────────────────────────────────────

func (c *Console) eval(msg *bus.Message) Result {
	n, err := readLength(msg)
	if err != nil {
		return c.replyTransportError(msg, err)
	}

	var res engine.Result
	if n > c.maxEvalLen {
		res = engine.Result{Outcome: engine.Alloc, Message: "Eval expression too long"}
	} else {
		src, err := c.reassemble(msg, n)
		if err != nil {
			return c.replyTransportError(msg, err)
		}
		res = c.run(EvalChunkName, trimTrailingNUL(src))
		c.state = c.state.AfterEval(res.Outcome == engine.OK)
		c.metrics.EvalFinished(res.Outcome == engine.OK)
	}

	st, text := Translate(res)
	c.logger.Debug("eval: %s %q (state %s)", st, text, c.state)
	return c.reply(msg, st, text)
}

func (c *Console) run(name string, src []byte) engine.Result {
	if c.engine == nil {
		return engine.Result{Outcome: engine.Unknown, Message: "no script engine"}
	}
	return c.engine.Eval(name, src)
}

func (c *Console) install(msg *bus.Message) Result {
	if !c.state.CanInstall() {
		return c.reply(msg, StatusNeedReset, "Reset required")
	}
	name, err := msg.ReadString()
	if err != nil {
		return c.replyTransportError(msg, err)
	}
	c.logger.Info("installing script %s", name)

	n, err := readLength(msg)
	if err != nil {
		return c.replyTransportError(msg, err)
	}
	if n > c.store.MaxScriptLen() {
		c.logger.Error("script installation failed: %d bytes exceeds %d", n, c.store.MaxScriptLen())
		return c.reply(msg, StatusResourceError, "Script too long")
	}

	w, err := c.store.OpenScript(name, n)
	if err != nil {
		if ncerr.Is(err, ncerr.ErrResources) {
			return c.reply(msg, StatusResourceError, "Script too long")
		}
		return c.replyTransportError(msg, err)
	}
	if err := c.stream(msg, n, w); err != nil {
		return c.replyTransportError(msg, err)
	}

	c.logger.Info("script %s installed (%d bytes)", name, n)
	c.metrics.ScriptInstalled()
	if r := c.reply(msg, StatusOK, "Script installed"); r.Disposition != Handled {
		return r
	}
	return handled(ActionRestartScript)
}

func (c *Console) reset(msg *bus.Message) Result {
	if !msg.NoReplyExpected() {
		if err := msg.NewReply().Deliver(); err != nil {
			return c.failed(msg, fmt.Errorf("deliver reset reply: %w", err))
		}
	}
	c.state = c.state.AfterReset()
	c.metrics.EngineReset()
	return handled(ActionRestartClean)
}

func (c *Console) reboot() Result {
	c.logger.Info("reboot requested by %s", c.guard.Current().Peer)
	err := c.rebooter.Reboot()
	return Result{Disposition: Handled, Action: ActionReboot, Err: err}
}

// ── Output ───────────────────────────────────────────────────────────

// Output delivers print or alert text to the attached controller, or
// writes it locally when nobody is attached or delivery fails.  It is
// the engine's OutputFunc.
func (c *Console) Output(alert bool, text string) {
	if cur := c.guard.Current(); cur.ID != 0 && c.signals != nil {
		id := MsgPrint
		if alert {
			id = MsgAlert
		}
		err := c.signals.NewSignal(id, cur.ID).PutString(clipText(text)).Deliver()
		if err == nil {
			c.metrics.SignalSent(true)
			return
		}
		c.logger.Error("failed to deliver signal: %v", err)
	}
	c.writeLocal(alert, text)
}

// Alert raises an alert, e.g. for an installed script that failed to
// run at boot.
func (c *Console) Alert(text string) { c.Output(true, text) }

func (c *Console) writeLocal(alert bool, text string) {
	switch {
	case alert:
		fmt.Fprintf(c.local, "ALERT: %s\n", text)
	case c.echoPrint:
		fmt.Fprintf(c.local, "PRINT: %s\n", text)
	default:
		return
	}
	c.metrics.SignalSent(false)
}
