// Package controller is the controlling side of the script console:
// it dials a device, joins the console session and issues Eval,
// Install, Reset, Reboot and property calls over the bus.
package controller

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"scriptcon/internal/bus"
	"scriptcon/internal/console"
	ncerr "scriptcon/internal/errors"
	"scriptcon/internal/retry"
	"scriptcon/internal/session"
	"scriptcon/internal/transport"
	"scriptcon/util"
)

// RxBufferSize is the controller's receive window.  Replies and
// signals are small, so every frame fits and is read in one piece.
const RxBufferSize = 64 << 10

// OutputFunc receives print and alert signals from the device.
type OutputFunc func(alert bool, text string)

// Options configures a Client.
type Options struct {
	// Name is the peer name the device records for this controller.
	// At most session.MaxPeerLen bytes.
	Name string
	// Port is the session port to join; console.Port when zero.
	Port uint16
	// CallTimeout bounds each call; zero waits until ctx ends.
	CallTimeout time.Duration
	// Output receives print/alert signals; they are logged when nil.
	Output OutputFunc
}

// Reply is a (status, text) answer to Eval or Install.
type Reply struct {
	Status console.Status
	Text   string
}

// Err returns nil for StatusOK and a *StatusError otherwise.
func (r Reply) Err() error {
	if r.Status == console.StatusOK {
		return nil
	}
	return &StatusError{Status: r.Status, Text: r.Text}
}

// StatusError is a non-OK console reply.
type StatusError struct {
	Status console.Status
	Text   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Text)
}

// Client is an attached controller session.  Calls are safe for
// concurrent use.
type Client struct {
	conn    *bus.Conn
	logger  *util.Logger
	session uint32
	timeout time.Duration

	mu      sync.Mutex
	pending map[uint32]chan *bus.Message
	output  OutputFunc

	done chan struct{}
	err  error // why the read loop stopped; valid once done is closed
}

// Dial connects to addr through d, retrying transient failures with b,
// and joins the console session.  Failures that another attempt cannot
// fix, such as a rejected join, end the retries at once.
func Dial(ctx context.Context, d transport.Dialer, addr string, b *retry.Backoff, opts Options, logger *util.Logger) (*Client, error) {
	if b == nil {
		b = &retry.Backoff{MaxAttempts: 1}
	}
	var c *Client
	err := b.Do(ctx, func(attempt int) error {
		conn, err := d.Dial(ctx, "tcp", addr)
		if err != nil {
			logger.Verbose("dial %s (attempt %d): %v", addr, attempt, err)
			return retryable(err)
		}
		c, err = Attach(ctx, conn, opts, logger)
		if err != nil {
			conn.Close()
			return retryable(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func retryable(err error) error {
	if ncerr.IsRetryable(err) {
		return err
	}
	return retry.Permanent(err)
}

// Attach joins the console session over an established stream.  The
// Client owns rwc from then on.
func Attach(ctx context.Context, rwc io.ReadWriteCloser, opts Options, logger *util.Logger) (*Client, error) {
	if _, err := session.NewPeerAddr(opts.Name); err != nil {
		return nil, &ncerr.ConfigError{
			Field:   "name",
			Value:   opts.Name,
			Message: err.Error(),
			Hint:    fmt.Sprintf("peer names are at most %d bytes", session.MaxPeerLen),
		}
	}
	port := opts.Port
	if port == 0 {
		port = console.Port
	}

	c := &Client{
		conn: bus.NewConn(rwc,
			bus.WithRxBufferSize(RxBufferSize),
			bus.WithMaxBodyLen(RxBufferSize),
			bus.WithName("device")),
		logger:  logger,
		timeout: opts.CallTimeout,
		pending: make(map[uint32]chan *bus.Message),
		output:  opts.Output,
		done:    make(chan struct{}),
	}
	go c.readLoop()

	join := c.conn.NewMethodCall(bus.MsgJoinSession, 0)
	join.PutUint16(port).PutString(opts.Name)
	reply, err := c.call(ctx, join)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("join session port %d: %w", port, err)
	}
	ok, err := reply.ReadBool()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("join session port %d: %w", port, err)
	}
	if !ok {
		c.Close()
		return nil, fmt.Errorf("join session port %d: %w", port, ncerr.ErrRejected)
	}
	c.session = reply.SessionID
	logger.Verbose("joined session %d as %q", c.session, opts.Name)
	return c, nil
}

// SessionID returns the session the device assigned.
func (c *Client) SessionID() uint32 { return c.session }

// SetOutput replaces the print/alert receiver.
func (c *Client) SetOutput(fn OutputFunc) {
	c.mu.Lock()
	c.output = fn
	c.mu.Unlock()
}

// Done is closed when the connection to the device ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close drops the connection; the device sees the session as lost.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// ── Console calls ────────────────────────────────────────────────────

// Eval runs src on the device's engine.
func (c *Client) Eval(ctx context.Context, src []byte) (Reply, error) {
	o := c.conn.NewMethodCall(console.MsgEval, c.session)
	o.PutBytes(src)
	return c.statusCall(ctx, o)
}

// Install stores src as the device's script under name.  The engine
// must have been reset first.
func (c *Client) Install(ctx context.Context, name string, src []byte) (Reply, error) {
	o := c.conn.NewMethodCall(console.MsgInstall, c.session)
	o.PutString(name).PutBytes(src)
	return c.statusCall(ctx, o)
}

// Reset restarts the device's engine without a script.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.call(ctx, c.conn.NewMethodCall(console.MsgReset, c.session))
	return err
}

// Reboot asks the device to reboot.  There is no reply; the
// connection drops when the device goes down.
func (c *Client) Reboot() error {
	o := c.conn.NewMethodCall(console.MsgReboot, c.session)
	o.SetFlags(bus.FlagNoReplyExpected)
	return o.Deliver()
}

// Property reads one console property.
func (c *Client) Property(ctx context.Context, name string) (interface{}, error) {
	o := c.conn.NewMethodCall(console.MsgGetProperty, c.session)
	o.PutString(console.InterfaceName).PutString(name)
	reply, err := c.call(ctx, o)
	if err != nil {
		return nil, err
	}
	return reply.ReadVariant()
}

// Properties reads every console property.
func (c *Client) Properties(ctx context.Context) (map[string]interface{}, error) {
	out := make(map[string]interface{}, 3)
	for _, name := range []string{console.PropEngine, console.PropMaxEvalLen, console.PropMaxScriptLen} {
		v, err := c.Property(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// Ping checks the device is answering.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, c.conn.NewMethodCall(bus.MsgPing, c.session))
	return err
}

// ── Plumbing ─────────────────────────────────────────────────────────

func (c *Client) statusCall(ctx context.Context, o *bus.Outgoing) (Reply, error) {
	reply, err := c.call(ctx, o)
	if err != nil {
		return Reply{}, err
	}
	st, err := reply.ReadByte()
	if err != nil {
		return Reply{}, err
	}
	text, err := reply.ReadString()
	if err != nil {
		return Reply{}, err
	}
	return Reply{Status: console.Status(st), Text: text}, nil
}

// call sends o and waits for the matching reply.  Error replies come
// back as *bus.ReplyError.
func (c *Client) call(ctx context.Context, o *bus.Outgoing) (*bus.Message, error) {
	ch := make(chan *bus.Message, 1)
	c.mu.Lock()
	c.pending[o.Serial] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, o.Serial)
		c.mu.Unlock()
	}()

	if err := o.Deliver(); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case reply := <-ch:
		if reply.Type == bus.ErrorReply {
			return nil, reply.ReadError()
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ncerr.WrapProtocol("call", o.MsgID, ncerr.ErrTimeout)
	case <-c.done:
		if c.err != nil {
			return nil, fmt.Errorf("connection lost: %w", c.err)
		}
		return nil, ncerr.ErrNotConnected
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			if !util.IsHarmless(err) {
				c.err = err
			}
			return
		}
		// Frames never exceed the window, so the body is already in
		// memory and a reply can be handed off whole.
		switch msg.Type {
		case bus.MethodReply, bus.ErrorReply:
			c.mu.Lock()
			ch := c.pending[msg.ReplySerial]
			c.mu.Unlock()
			if ch == nil {
				c.logger.Debug("stray reply to serial %d", msg.ReplySerial)
				continue
			}
			ch <- msg
		case bus.Signal:
			c.signal(msg)
		default:
			c.logger.Debug("ignoring %s 0x%08x from device", msg.Type, msg.MsgID)
		}
	}
}

func (c *Client) signal(msg *bus.Message) {
	var alert bool
	switch msg.MsgID {
	case console.MsgPrint:
	case console.MsgAlert:
		alert = true
	default:
		c.logger.Debug("ignoring signal 0x%08x", msg.MsgID)
		return
	}
	text, err := msg.ReadString()
	if err != nil {
		c.logger.Warn("bad output signal: %v", err)
		return
	}

	c.mu.Lock()
	out := c.output
	c.mu.Unlock()
	if out == nil {
		if alert {
			c.logger.Warn("ALERT: %s", text)
		} else {
			c.logger.Info("PRINT: %s", text)
		}
		return
	}
	out(alert, text)
}
