// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"scriptcon/config"
	"scriptcon/internal/core"
	"scriptcon/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X scriptcon/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Stdin and Stdout are the streams handed to the modes; tests replace
// them.
var (
	Stdin  io.Reader = os.Stdin  //nolint:gochecknoglobals
	Stdout io.Writer = os.Stdout //nolint:gochecknoglobals
)

var commands = []struct { //nolint:gochecknoglobals
	mode config.Mode
	args string
	help string
}{
	{config.ModeServe, "", "Run the script console on this device"},
	{config.ModeAttach, "", "Open an interactive console on a device"},
	{config.ModeEval, "<code>|-", "Evaluate code on a device"},
	{config.ModeInstall, "<file>", "Reset the engine and install a script"},
	{config.ModeReset, "", "Restart the engine without a script"},
	{config.ModeReboot, "", "Reboot a device"},
	{config.ModeProps, "", "Show console properties"},
}

// Execute parses args and runs the selected subcommand.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}
	switch args[0] {
	case "-h", "--help", "help":
		printUsage()
		return nil
	case "--version", "version":
		fmt.Fprintf(Stdout, "scriptcon %s\n", version)
		return nil
	}

	mode := config.Mode(args[0])
	if !known(mode) {
		return fmt.Errorf("unknown command %q (use --help for usage)", args[0])
	}

	// ── parse ────────────────────────────────────────────────────
	var opts cliOptions
	fs := newFlagSet(mode, config.Default(), &opts)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if opts.help {
		printCommandUsage(mode, fs)
		return nil
	}

	// Flags override the file and environment; replay the ones the
	// user set onto the loaded config.
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	verbose := cfg.Verbose // declaring a count flag zeroes it
	replay := newFlagSet(mode, cfg, &cliOptions{})
	cfg.Verbose = verbose
	var replayErr error
	fs.Visit(func(f *flag.Flag) {
		if replayErr == nil {
			replayErr = replay.Set(f.Name, f.Value.String())
		}
	})
	if replayErr != nil {
		return replayErr
	}
	cfg.Mode = mode

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.ResolveTunnel(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.dryRun {
		fmt.Fprintf(Stdout, "configuration OK (%s)\n", mode)
		return nil
	}

	// ── build and run ────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	m, err := core.Build(cfg, core.Input{
		Args:       fs.Args(),
		ScriptName: opts.scriptName,
		Stdin:      Stdin,
		Stdout:     Stdout,
	}, logger)
	if err != nil {
		return err
	}
	return m.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// cliOptions are flags that steer the CLI rather than the Config.
type cliOptions struct {
	configPath string
	scriptName string
	dryRun     bool
	help       bool
}

// newFlagSet declares mode's flags bound to cfg, with cfg's current
// values as defaults.
func newFlagSet(mode config.Mode, cfg *config.Config, opts *cliOptions) *flag.FlagSet {
	fs := flag.NewFlagSet("scriptcon "+string(mode), flag.ContinueOnError)
	fs.Usage = func() { printCommandUsage(mode, fs) }

	fs.StringVarP(&opts.configPath, "config", "f", "", "YAML config file (default $"+config.ConfigPathEnv+")")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVarP(&opts.help, "help", "h", false, "Show this help")
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	if mode == config.ModeServe {
		// ── device ───────────────────────────────────────────────
		fs.StringVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Address to accept controllers on")
		fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "Limit on waiting for the rest of a message")
		fs.IntVar(&cfg.RxBufferSize, "rx-buffer", cfg.RxBufferSize, "Receive window in bytes")
		fs.StringVar(&cfg.StoreDir, "store-dir", cfg.StoreDir, "Directory for the installed script (memory if empty)")
		fs.Uint32Var(&cfg.MaxScriptLen, "max-script-len", cfg.MaxScriptLen, "Largest installable script in bytes")
		fs.Uint32Var(&cfg.MaxEvalLen, "max-eval-len", cfg.MaxEvalLen, "Largest evaluation in bytes")
		fs.BoolVar(&cfg.EchoPrint, "echo-print", cfg.EchoPrint, "Also print script output locally")
		return fs
	}

	// ── controller ───────────────────────────────────────────────
	fs.StringVarP(&cfg.Target, "target", "t", cfg.Target, "Device address host:port")
	fs.StringVarP(&cfg.Name, "name", "n", cfg.Name, "Controller name shown on the device")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Connection timeout")
	fs.IntVar(&cfg.DialAttempts, "dial-attempts", cfg.DialAttempts, "Connection attempts before giving up")
	fs.DurationVar(&cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "Limit on each console call")
	if mode == config.ModeInstall {
		fs.StringVar(&opts.scriptName, "as", "", "Name to install the script under (default: file name)")
	}

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Reach the device via SSH gateway [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	return fs
}

func known(m config.Mode) bool {
	for _, c := range commands {
		if c.mode == m {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `scriptcon – remote script console v%s

Usage:
  scriptcon <command> [options] [args]

Commands:
`, version)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %-10s %s\n", c.mode, c.args, c.help)
	}
	fmt.Fprintf(os.Stderr, `
Examples:
  scriptcon serve --store-dir /var/lib/scriptcon
  scriptcon eval -t 192.168.1.20:7714 "return 6 * 7"
  scriptcon install -t 192.168.1.20:7714 blink.lua
  scriptcon attach -T admin@bastion -t 10.0.0.7:7714

Run "scriptcon <command> --help" for a command's options.
`)
}

func printCommandUsage(mode config.Mode, fs *flag.FlagSet) {
	for _, c := range commands {
		if c.mode == mode {
			fmt.Fprintf(os.Stderr, "%s\n\nUsage:\n  scriptcon %s [options] %s\n\nOptions:\n", c.help, c.mode, c.args)
		}
	}
	fs.PrintDefaults()
}
