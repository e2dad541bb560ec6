package bus

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	ncerr "scriptcon/internal/errors"
)

const (
	// DefaultRxBufferSize bounds how much of a message body is held in
	// memory at once.  Larger arguments arrive in chunks.
	DefaultRxBufferSize = 512

	// DefaultMaxBodyLen rejects frames that could never be legitimate.
	DefaultMaxBodyLen = 16 << 20
)

// Conn frames messages over a byte stream.
type Conn struct {
	rwc    io.ReadWriteCloser
	r      *bufio.Reader
	endian Endianness

	rxSize      int
	maxBody     uint32
	readTimeout time.Duration
	name        string

	serial atomic.Uint32
	wmu    sync.Mutex
	inBody atomic.Bool
}

// Option configures a Conn.
type Option func(*Conn)

// WithRxBufferSize sets the receive window size in bytes.
func WithRxBufferSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.rxSize = n
		}
	}
}

// WithEndianness makes the connection marshal outbound frames in e
// instead of the host order.
func WithEndianness(e Endianness) Option {
	return func(c *Conn) {
		if e.Valid() {
			c.endian = e
		}
	}
}

// WithMaxBodyLen caps the body length accepted in a header.
func WithMaxBodyLen(n uint32) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithReadTimeout arms a read deadline before every body read from
// the underlying stream, when the stream supports deadlines.  Waiting
// for the next header is never timed out: an attached controller may
// stay idle.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) { c.readTimeout = d }
}

// WithName labels the connection in logs.
func WithName(name string) Option {
	return func(c *Conn) { c.name = name }
}

// NewConn wraps rwc.
func NewConn(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rwc:     rwc,
		endian:  NativeEndian(),
		rxSize:  DefaultRxBufferSize,
		maxBody: DefaultMaxBodyLen,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.r = bufio.NewReaderSize(deadlineReader{c}, c.rxSize)
	return c
}

// Name returns the connection label.
func (c *Conn) Name() string { return c.name }

// RxBufferSize returns the receive window size.
func (c *Conn) RxBufferSize() int { return c.rxSize }

// ReadMessage reads the next header and returns the message with the
// first window of its body fetched.  The caller must consume or
// Discard the body before calling ReadMessage again.
func (c *Conn) ReadMessage() (*Message, error) {
	c.inBody.Store(false)
	c.setReadDeadline(time.Time{})

	var raw [HeaderLen]byte
	if _, err := io.ReadFull(c.r, raw[:]); err != nil {
		return nil, err
	}
	h, err := DecodeHeader(raw[:])
	if err != nil {
		return nil, ncerr.WrapProtocol("header", 0, err)
	}
	if h.BodyLen > c.maxBody {
		return nil, ncerr.WrapProtocol("header", h.MsgID,
			fmt.Errorf("body length %d exceeds %d: %w", h.BodyLen, c.maxBody, ncerr.ErrResources))
	}
	c.inBody.Store(true)
	return NewMessage(h, c.r, c.rxSize, c)
}

// NewMethodCall starts a method call frame.
func (c *Conn) NewMethodCall(msgID, sessionID uint32) *Outgoing {
	return newOutgoing(c, MethodCall, msgID, sessionID)
}

// NewSignal starts a signal frame.
func (c *Conn) NewSignal(msgID, sessionID uint32) *Outgoing {
	return newOutgoing(c, Signal, msgID, sessionID).SetFlags(FlagNoReplyExpected)
}

// Close closes the underlying stream.
func (c *Conn) Close() error { return c.rwc.Close() }

func (c *Conn) nextSerial() uint32 {
	for {
		if s := c.serial.Add(1); s != 0 {
			return s
		}
	}
}

func (c *Conn) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(frame); err != nil {
		return ncerr.Wrap("write", c.name, err)
	}
	return nil
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// deadlineReader arms the read deadline before each read so a stalled
// peer cannot block a chunked transfer forever.
type deadlineReader struct {
	c *Conn
}

func (d deadlineReader) Read(p []byte) (int, error) {
	if d.c.readTimeout > 0 && d.c.inBody.Load() {
		d.c.setReadDeadline(time.Now().Add(d.c.readTimeout))
	}
	return d.c.rwc.Read(p)
}

func (c *Conn) setReadDeadline(t time.Time) {
	if c.readTimeout <= 0 {
		return
	}
	if rd, ok := c.rwc.(readDeadliner); ok {
		rd.SetReadDeadline(t) //nolint:errcheck
	}
}
