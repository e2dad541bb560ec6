package config

import (
	"fmt"
	"os"
	"time"

	"scriptcon/internal/session"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultListenPort is the TCP port the device accepts controllers
	// on.  It matches the console's session port.
	DefaultListenPort = 7714

	// DefaultRxBufferSize is the device's receive window.  Eval and
	// install payloads larger than this arrive in several chunks.
	DefaultRxBufferSize = 512

	// MinRxBufferSize fits a message header with room for arguments.
	MinRxBufferSize = 64

	// DefaultMaxScriptLen caps an installed script.
	DefaultMaxScriptLen = 64 << 10

	// DefaultMaxEvalLen caps an ad-hoc evaluation.
	DefaultMaxEvalLen = 1024

	// DefaultReadTimeout bounds the wait for the rest of a message body
	// once its header has arrived.
	DefaultReadTimeout = 10 * time.Second

	// DefaultConnTimeout is the TCP/SSH connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultCallTimeout bounds each controller call.
	DefaultCallTimeout = 30 * time.Second

	// DefaultDialAttempts is how many times a controller tries to reach
	// the device before giving up.
	DefaultDialAttempts = 3

	// DefaultKeepAliveInterval is the SSH keepalive interval.
	DefaultKeepAliveInterval = 30 * time.Second

	// EnvPrefix prefixes every environment variable scriptcon reads.
	EnvPrefix = "SCRIPTCON_"
)

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Listen:       fmt.Sprintf(":%d", DefaultListenPort),
		ReadTimeout:  DefaultReadTimeout,
		RxBufferSize: DefaultRxBufferSize,
		MaxScriptLen: DefaultMaxScriptLen,
		MaxEvalLen:   DefaultMaxEvalLen,

		Name:         defaultName(),
		DialTimeout:  DefaultConnTimeout,
		DialAttempts: DefaultDialAttempts,
		CallTimeout:  DefaultCallTimeout,

		KeepAlive: DefaultKeepAliveInterval,
	}
}

// defaultName is the hostname, cut to fit a peer address.
func defaultName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "scriptcon"
	}
	if len(name) > session.MaxPeerLen {
		name = name[:session.MaxPeerLen]
	}
	return name
}
