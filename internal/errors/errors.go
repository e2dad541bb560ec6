// Package errors provides domain-specific error types for scriptcon.
//
// These types carry structured context (operation, address, message
// identity) that helps callers decide how to handle failures and
// provides better diagnostics than plain string wrapping.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrResources reports that a bounded buffer or size limit would be
	// exceeded.
	ErrResources = errors.New("insufficient resources")

	// ErrEndOfBody is returned when a message argument is read past the
	// end of the message body.
	ErrEndOfBody = errors.New("read past end of message body")

	// ErrCannotReset is returned when a message's argument cursor can no
	// longer be rewound because the bytes were already streamed out of
	// the receive buffer.
	ErrCannotReset = errors.New("message arguments cannot be reset")

	// ErrNoRoute is returned when an outbound message has no connection
	// to travel on (e.g. a signal for a session that has gone away).
	ErrNoRoute = errors.New("no route to destination")

	// ErrIncomplete is returned when a sink is closed before the
	// declared number of bytes was written to it.
	ErrIncomplete = errors.New("incomplete transfer")

	// ErrNotInstalled is returned when the script store holds no
	// installed script.
	ErrNotInstalled = errors.New("no script installed")

	// ErrCorrupt is returned when stored data fails its integrity check.
	ErrCorrupt = errors.New("stored data corrupt")

	ErrNotConnected    = errors.New("not connected")
	ErrRejected        = errors.New("session rejected")
	ErrTimeout         = errors.New("operation timed out")
	ErrHostKeyMismatch = errors.New("host key mismatch")

	// ErrCircuitOpen is returned while a gateway that kept failing is
	// being given time to recover.
	ErrCircuitOpen = errors.New("circuit open")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ProtocolError represents a malformed or unexpected bus message.
type ProtocolError struct {
	Op    string // "header", "unmarshal", "marshal", "deliver"
	MsgID uint32
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s msg=0x%08x: %v", e.Op, e.MsgID, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// WrapProtocol creates a ProtocolError.
func WrapProtocol(op string, msgID uint32, err error) *ProtocolError {
	return &ProtocolError{Op: op, MsgID: msgID, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.  A device that is
// rebooting refuses or drops connections for a while, so those count;
// rejections, bad credentials and bad configuration do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrNotConnected),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return true
	}
	var timeout net.Error
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use scriptcon/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
