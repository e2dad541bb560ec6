package core

import (
	"context"
	"fmt"
	"io"
	"net"

	"scriptcon/internal/bus"
	"scriptcon/internal/console"
	"scriptcon/internal/device"
	"scriptcon/internal/engine"
	ncerr "scriptcon/internal/errors"
	"scriptcon/internal/metrics"
	"scriptcon/internal/store"
	"scriptcon/util"
)

// ServeMode runs the device side: it accepts controllers on the bus,
// feeds their messages to the script console one at a time, and
// rebuilds the script engine whenever the console asks for it.
type ServeMode struct {
	Address    string       // host:port to listen on
	Listener   net.Listener // used instead of Address when set
	BusOptions []bus.Option

	Store     store.ScriptStore
	Rebooter  device.Rebooter
	NewEngine engine.Factory
	Logger    *util.Logger
	Metrics   *metrics.Collector

	MaxEvalLen uint32
	EchoPrint  bool
	Local      io.Writer // local print/alert output; stdout when nil

	// Ready, when set, is called with the bound address once the
	// listener is up and the engine has booted.
	Ready func(addr net.Addr)

	engine engine.Engine
}

// Run serves until ctx is cancelled or a reboot is requested.
func (m *ServeMode) Run(ctx context.Context) error {
	ln := m.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", m.Address)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", m.Address, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	router := bus.NewRouter(m.Logger.Named("bus"), m.BusOptions...)
	con := console.New(console.Config{
		Store:      m.Store,
		Rebooter:   m.Rebooter,
		Signals:    router,
		Logger:     m.Logger.Named("console"),
		Metrics:    m.Metrics,
		MaxEvalLen: m.MaxEvalLen,
		Local:      m.Local,
		EchoPrint:  m.EchoPrint,
	})
	defer m.shutdown(con)

	// An installed script starts with the device.
	m.boot(con, true)

	serveErr := make(chan error, 1)
	go func() { serveErr <- router.Serve(ctx, ln) }()

	m.Logger.Info("script console on %s (session port %d)", ln.Addr(), console.Port)
	if m.Ready != nil {
		m.Ready(ln.Addr())
	}

	for {
		select {
		case <-ctx.Done():
			cancel()
			return ignoreClosed(<-serveErr)

		case err := <-serveErr:
			return err

		case msg := <-router.Inbox():
			r := m.dispatch(con, router, msg)
			switch r.Action {
			case console.ActionRestartClean:
				m.boot(con, false)
			case console.ActionRestartScript:
				m.boot(con, true)
			case console.ActionReboot:
				if r.Err != nil {
					m.Logger.Error("reboot failed: %v", r.Err)
					continue
				}
				m.Logger.Info("rebooting")
				cancel()
				<-serveErr
				return nil
			}
		}
	}
}

// dispatch runs msg through the handler chain: the console first, then
// the router's defaults for anything the console did not claim.
func (m *ServeMode) dispatch(con *console.Console, router *bus.Router, msg *bus.Message) console.Result {
	defer msg.Release()

	r := con.Handle(msg)
	if r.Disposition == console.Unmatched {
		router.HandleDefault(msg)
	}
	return r
}

// boot replaces the script engine.  With runScript it also runs the
// installed script, alerting the controller if that fails.
func (m *ServeMode) boot(con *console.Console, runScript bool) {
	if m.engine != nil {
		if err := m.engine.Close(); err != nil {
			m.Logger.Warn("close engine: %v", err)
		}
	}
	m.engine = m.NewEngine(con.Output)
	con.SetEngine(m.engine)

	ran := false
	if runScript {
		ran = m.runInstalled(con)
	}
	con.EngineBooted(ran)
}

func (m *ServeMode) runInstalled(con *console.Console) bool {
	s, err := m.Store.Load()
	switch {
	case ncerr.Is(err, ncerr.ErrNotInstalled):
		m.Logger.Verbose("no script installed")
		return false
	case err != nil:
		con.Alert(fmt.Sprintf("Failed to load script: %v", err))
		return false
	}

	m.Logger.Verbose("running %s (%d bytes, %s)", s.Manifest.Name, s.Manifest.Length, s.Manifest.ID)
	res := m.engine.Eval(s.Manifest.Name, s.Source)
	if res.Outcome != engine.OK {
		con.Alert(fmt.Sprintf("Script %s failed: %s", s.Manifest.Name, res.Message))
	}
	return true
}

func (m *ServeMode) shutdown(con *console.Console) {
	con.Terminate()
	if m.engine != nil {
		m.engine.Close() //nolint:errcheck
		m.engine = nil
	}
	m.Logger.Verbose("metrics: %s", m.Metrics.JSON())
}

func ignoreClosed(err error) error {
	if err == nil || util.IsHarmless(err) {
		return nil
	}
	return err
}
