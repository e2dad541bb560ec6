// Package config defines the runtime configuration for scriptcon and
// provides helpers for parsing tunnel specifications.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	ncerr "scriptcon/internal/errors"
	"scriptcon/internal/session"
)

// Mode names the subcommand a Config is validated for.
type Mode string

const (
	ModeServe   Mode = "serve"
	ModeAttach  Mode = "attach"
	ModeEval    Mode = "eval"
	ModeInstall Mode = "install"
	ModeReset   Mode = "reset"
	ModeReboot  Mode = "reboot"
	ModeProps   Mode = "props"
)

// Controller reports whether m dials a device rather than serving.
func (m Mode) Controller() bool { return m != ModeServe && m != "" }

// Config holds every tuneable for one scriptcon run.  Fields with a
// yaml tag can be set in the config file; fields with an env tag can
// be set through SCRIPTCON_<NAME>.
type Config struct {
	Mode Mode `yaml:"-"`

	// ── Device ───────────────────────────────────────────────────────
	Listen       string        `yaml:"listen"         env:"LISTEN"`
	ReadTimeout  time.Duration `yaml:"read_timeout"   env:"READ_TIMEOUT"`
	RxBufferSize int           `yaml:"rx_buffer_size" env:"RX_BUFFER_SIZE"`
	StoreDir     string        `yaml:"store_dir"      env:"STORE_DIR"`
	MaxScriptLen uint32        `yaml:"max_script_len" env:"MAX_SCRIPT_LEN"`
	MaxEvalLen   uint32        `yaml:"max_eval_len"   env:"MAX_EVAL_LEN"`
	EchoPrint    bool          `yaml:"echo_print"     env:"ECHO_PRINT"`

	// ── Controller ───────────────────────────────────────────────────
	Target       string        `yaml:"target"        env:"TARGET"`
	Name         string        `yaml:"name"          env:"NAME"`
	DialTimeout  time.Duration `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	DialAttempts int           `yaml:"dial_attempts" env:"DIAL_ATTEMPTS"`
	CallTimeout  time.Duration `yaml:"call_timeout"  env:"CALL_TIMEOUT"`

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec     string        `yaml:"tunnel"          env:"TUNNEL"` // raw [user@]host[:port]
	SSHKeyPath     string        `yaml:"ssh_key"         env:"SSH_KEY"`
	SSHPassword    bool          `yaml:"ssh_password"    env:"SSH_PASSWORD"` // true → prompt interactively
	UseSSHAgent    bool          `yaml:"ssh_agent"       env:"SSH_AGENT"`
	StrictHostKey  bool          `yaml:"strict_hostkey"  env:"STRICT_HOSTKEY"`
	KnownHostsPath string        `yaml:"known_hosts"     env:"KNOWN_HOSTS"`
	KeepAlive      time.Duration `yaml:"ssh_keep_alive"  env:"SSH_KEEP_ALIVE"`

	// Filled in from TunnelSpec by ResolveTunnel.
	TunnelEnabled bool   `yaml:"-"`
	TunnelUser    string `yaml:"-"`
	TunnelHost    string `yaml:"-"`
	TunnelPort    int    `yaml:"-"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose int `yaml:"verbose" env:"VERBOSE"`
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// ResolveTunnel parses TunnelSpec into the Tunnel* fields.  An empty
// spec disables the tunnel.
func (c *Config) ResolveTunnel() error {
	if c.TunnelSpec == "" {
		c.TunnelEnabled = false
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &ncerr.ConfigError{
			Field:   "tunnel",
			Value:   c.TunnelSpec,
			Message: err.Error(),
			Hint:    "use [user@]host[:port], e.g. admin@bastion:2222",
		}
	}
	c.TunnelEnabled = true
	c.TunnelUser = user
	c.TunnelHost = host
	c.TunnelPort = port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent for
// c.Mode.
func (c *Config) Validate() error {
	if c.Mode == ModeServe {
		return c.validateServe()
	}
	return c.validateController()
}

func (c *Config) validateServe() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return &ncerr.ConfigError{
			Field:   "listen",
			Value:   c.Listen,
			Message: "not a host:port address",
			Hint:    fmt.Sprintf("e.g. --listen :%d", DefaultListenPort),
		}
	}
	if c.TunnelSpec != "" {
		return &ncerr.ConfigError{
			Field:   "tunnel",
			Value:   c.TunnelSpec,
			Message: "the device does not serve through an SSH tunnel",
			Hint:    "tunnel from the controller side instead",
		}
	}
	if c.MaxEvalLen == 0 {
		return &ncerr.ConfigError{Field: "max-eval-len", Value: c.MaxEvalLen, Message: "must be positive"}
	}
	if c.MaxScriptLen == 0 {
		return &ncerr.ConfigError{Field: "max-script-len", Value: c.MaxScriptLen, Message: "must be positive"}
	}
	if c.RxBufferSize < MinRxBufferSize {
		return &ncerr.ConfigError{
			Field:   "rx-buffer",
			Value:   c.RxBufferSize,
			Message: fmt.Sprintf("must be at least %d bytes", MinRxBufferSize),
			Hint:    "the whole message header has to fit in the receive window",
		}
	}
	if c.ReadTimeout < 0 {
		return &ncerr.ConfigError{Field: "read-timeout", Value: c.ReadTimeout, Message: "must not be negative"}
	}
	return nil
}

func (c *Config) validateController() error {
	if c.Target == "" {
		return &ncerr.ConfigError{
			Field:   "target",
			Message: "device address is required",
			Hint:    fmt.Sprintf("e.g. scriptcon %s --target 192.168.1.20:%d", c.Mode, DefaultListenPort),
		}
	}
	if _, _, err := net.SplitHostPort(c.Target); err != nil {
		return &ncerr.ConfigError{Field: "target", Value: c.Target, Message: "not a host:port address"}
	}
	if c.Name == "" {
		return &ncerr.ConfigError{Field: "name", Message: "controller name is required"}
	}
	if _, err := session.NewPeerAddr(c.Name); err != nil {
		return &ncerr.ConfigError{
			Field:   "name",
			Value:   c.Name,
			Message: err.Error(),
			Hint:    fmt.Sprintf("controller names are 1-%d bytes", session.MaxPeerLen),
		}
	}
	if c.DialAttempts < 1 {
		return &ncerr.ConfigError{Field: "dial-attempts", Value: c.DialAttempts, Message: "must be at least 1"}
	}
	if c.TunnelEnabled && c.TunnelHost == "" {
		return &ncerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: "tunnel host is required"}
	}
	return nil
}
