package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scriptcon/config"
	"scriptcon/internal/bus"
	"scriptcon/internal/controller"
	"scriptcon/internal/device"
	"scriptcon/internal/engine"
	"scriptcon/internal/metrics"
	"scriptcon/internal/retry"
	"scriptcon/internal/store"
	"scriptcon/internal/transport"
	"scriptcon/util"
)

// retryInitialDelay is the first pause between dial attempts; a device
// that is rebooting is usually back within a few seconds.
const retryInitialDelay = 500 * time.Millisecond

// Input carries what the CLI collected besides the Config.
type Input struct {
	Args       []string // positional arguments after the subcommand
	ScriptName string   // install: name to store the script under

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	Stdin  io.Reader
	Stdout io.Writer
}

// Build constructs the appropriate Mode from the given configuration.
// cfg must already have been validated.
func Build(cfg *config.Config, in Input, logger *util.Logger) (Mode, error) {
	switch cfg.Mode {
	case config.ModeServe:
		return buildServe(cfg, logger)
	case config.ModeAttach:
		return &AttachMode{
			Target: buildTarget(cfg, logger),
			Stdin:  in.Stdin,
			Stdout: in.Stdout,
		}, nil
	case config.ModeEval, config.ModeInstall, config.ModeReset, config.ModeReboot, config.ModeProps:
		return buildCommand(cfg, in, logger)
	default:
		return nil, fmt.Errorf("unknown command %q", cfg.Mode)
	}
}

// ── mode builders ────────────────────────────────────────────────────

func buildServe(cfg *config.Config, logger *util.Logger) (Mode, error) {
	var st store.ScriptStore
	if cfg.StoreDir != "" {
		fileStore, err := store.NewFile(cfg.StoreDir, cfg.MaxScriptLen, logger.Named("store"))
		if err != nil {
			return nil, fmt.Errorf("script store: %w", err)
		}
		st = fileStore
	} else {
		logger.Warn("no --store-dir given; installed scripts are lost on reboot")
		st = store.NewMemory(cfg.MaxScriptLen)
	}

	return &ServeMode{
		Address: cfg.Listen,
		BusOptions: []bus.Option{
			bus.WithRxBufferSize(cfg.RxBufferSize),
			bus.WithReadTimeout(cfg.ReadTimeout),
		},
		Store:      st,
		Rebooter:   &device.Process{Logger: logger.Named("device")},
		NewEngine:  engine.NewLuaFactory(logger.Named("lua")),
		Logger:     logger,
		Metrics:    metrics.New(),
		MaxEvalLen: cfg.MaxEvalLen,
		EchoPrint:  cfg.EchoPrint,
	}, nil
}

func buildCommand(cfg *config.Config, in Input, logger *util.Logger) (Mode, error) {
	m := &CommandMode{
		Target:  buildTarget(cfg, logger),
		Command: cfg.Mode,
		Stdout:  in.Stdout,
	}

	switch cfg.Mode {
	case config.ModeEval:
		src, err := evalSource(in)
		if err != nil {
			return nil, err
		}
		m.Source = src

	case config.ModeInstall:
		if len(in.Args) != 1 {
			return nil, fmt.Errorf("install takes exactly one script file")
		}
		src, err := os.ReadFile(in.Args[0])
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		m.Source = src
		m.Name = in.ScriptName
		if m.Name == "" {
			m.Name = filepath.Base(in.Args[0])
		}

	default:
		if len(in.Args) != 0 {
			return nil, fmt.Errorf("%s takes no arguments", cfg.Mode)
		}
	}
	return m, nil
}

// evalSource joins the arguments into one chunk, or reads stdin when
// there are none or the only one is "-".
func evalSource(in Input) ([]byte, error) {
	if len(in.Args) > 0 && !(len(in.Args) == 1 && in.Args[0] == "-") {
		return []byte(strings.Join(in.Args, " ")), nil
	}
	r := in.Stdin
	if r == nil {
		r = os.Stdin
	}
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if len(src) == 0 {
		return nil, fmt.Errorf("nothing to evaluate")
	}
	return src, nil
}

// ── shared helpers ───────────────────────────────────────────────────

func buildTarget(cfg *config.Config, logger *util.Logger) Target {
	b := retry.DefaultBackoff()
	b.InitialDelay = retryInitialDelay
	b.MaxAttempts = cfg.DialAttempts
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("attempt %d/%d to reach %s failed: %v (retrying in %v)",
			attempt, cfg.DialAttempts, cfg.Target, err, wait.Round(time.Millisecond))
	}

	return Target{
		Dialer:  buildDialer(cfg, logger),
		Address: cfg.Target,
		Backoff: b,
		Options: controller.Options{
			Name:        cfg.Name,
			CallTimeout: cfg.CallTimeout,
		},
		Logger: logger,
	}
}

// buildDialer creates the right transport.Dialer for the given config.
func buildDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	if cfg.TunnelEnabled {
		return transport.NewSSHDialer(&transport.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   cfg.DialTimeout,
			KeepAlive:     cfg.KeepAlive,
		}, logger.Named("ssh"))
	}
	return &transport.TCPDialer{Timeout: cfg.DialTimeout}
}
