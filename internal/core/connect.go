package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"scriptcon/config"
	"scriptcon/internal/console"
	"scriptcon/internal/controller"
	"scriptcon/internal/retry"
	"scriptcon/internal/transport"
	"scriptcon/util"
)

// Target says how a controller reaches the device.
type Target struct {
	Dialer  transport.Dialer
	Address string
	Backoff *retry.Backoff
	Options controller.Options
	Logger  *util.Logger
}

// dial connects and joins the console session.
func (t *Target) dial(ctx context.Context) (*controller.Client, error) {
	t.Logger.Verbose("connecting to %s", t.Address)
	c, err := controller.Dial(ctx, t.Dialer, t.Address, t.Backoff, t.Options, t.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", t.Address, err)
	}
	return c, nil
}

// AttachMode dials the device and runs an interactive console on
// stdin/stdout until the user detaches.
type AttachMode struct {
	Target

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	// Override in tests for deterministic I/O.
	Stdin  io.Reader
	Stdout io.Writer
}

// Run attaches and serves the REPL.  The transport is closed when Run
// returns.
func (m *AttachMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	c, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	stdout := m.stdout()
	fmt.Fprintf(stdout, "attached to %s as session %d (.help for commands)\n", m.Address, c.SessionID())
	repl := &controller.REPL{Session: c, In: m.stdin(), Out: stdout}
	return repl.Run(ctx)
}

func (m *AttachMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *AttachMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// CommandMode performs a single console call and prints the outcome.
// A non-OK status is returned as a *controller.StatusError so the
// process exits non-zero.
type CommandMode struct {
	Target

	Command config.Mode
	Name    string // script name for install
	Source  []byte // eval or install payload

	// Stdout defaults to os.Stdout when nil.
	Stdout io.Writer
}

// Run dials, issues the command, and detaches.
func (m *CommandMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	out := m.Stdout
	if out == nil {
		out = os.Stdout
	}
	m.Options.Output = func(alert bool, text string) {
		if alert {
			fmt.Fprintf(out, "ALERT: %s\n", text)
			return
		}
		fmt.Fprintln(out, text)
	}

	c, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	switch m.Command {
	case config.ModeEval:
		reply, err := c.Eval(ctx, m.Source)
		return m.report(out, reply, err)

	case config.ModeInstall:
		if err := c.Reset(ctx); err != nil {
			return fmt.Errorf("reset before install: %w", err)
		}
		reply, err := c.Install(ctx, m.Name, m.Source)
		return m.report(out, reply, err)

	case config.ModeReset:
		if err := c.Reset(ctx); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		m.Logger.Info("engine reset")
		return nil

	case config.ModeReboot:
		if err := c.Reboot(); err != nil {
			return fmt.Errorf("reboot: %w", err)
		}
		m.Logger.Info("reboot requested")
		return nil

	case config.ModeProps:
		props, err := c.Properties(ctx)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(props))
		for k := range props {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Fprintf(out, "%s = %v\n", k, props[k])
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", m.Command)
}

func (m *CommandMode) report(out io.Writer, reply controller.Reply, err error) error {
	if err != nil {
		return err
	}
	if reply.Status == console.StatusOK {
		if reply.Text != "" && reply.Text != "OK" {
			fmt.Fprintln(out, reply.Text)
		}
		return nil
	}
	return reply.Err()
}
