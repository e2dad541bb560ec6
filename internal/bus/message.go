package bus

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	ncerr "scriptcon/internal/errors"
	"scriptcon/util"
)

// Message is an inbound frame whose body is read argument by argument
// through a bounded receive window.
//
// Slices returned by ReadRaw alias the window and are only valid until
// the next read on the message.
type Message struct {
	Header

	route   *Conn             // where replies go; nil for local-only messages
	body    *io.LimitedReader // unfetched body bytes
	onReply func(*Outgoing)   // sees each reply just before it is written

	window []byte // fetched bytes; cap is the receive buffer size
	off    int    // argument cursor within window
	base   int64  // body offset of window[0]

	doneOnce sync.Once
	done     chan struct{}
}

// NewMessage wraps a header and a body source.  The first
// min(rxSize, BodyLen) bytes are fetched immediately so that small
// messages sit entirely in the window and can be rewound.
func NewMessage(h Header, body io.Reader, rxSize int, route *Conn) (*Message, error) {
	if rxSize <= 0 {
		rxSize = DefaultRxBufferSize
	}
	m := &Message{
		Header: h,
		route:  route,
		body:   &io.LimitedReader{R: body, N: int64(h.BodyLen)},
		window: make([]byte, 0, rxSize),
		done:   make(chan struct{}),
	}
	first := int64(rxSize)
	if m.body.N < first {
		first = m.body.N
	}
	if first > 0 {
		m.window = m.window[:first]
		if _, err := io.ReadFull(m.body, m.window); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}
	return m, nil
}

// Order returns the byte order the sender declared.
func (m *Message) Order() binary.ByteOrder { return m.Endian.ByteOrder() }

// Route returns the connection replies to m travel on, or nil.
func (m *Message) Route() *Conn { return m.route }

// Remaining returns the number of body bytes not yet consumed.
func (m *Message) Remaining() int64 {
	return int64(len(m.window)-m.off) + m.body.N
}

// Release marks the message as fully processed.  The connection that
// delivered it resumes reading only after Release.
func (m *Message) Release() {
	m.doneOnce.Do(func() { close(m.done) })
}

// Done is closed by Release.
func (m *Message) Done() <-chan struct{} { return m.done }

// ── Argument readers ─────────────────────────────────────────────────

// ReadByte reads a 'y' argument.
func (m *Message) ReadByte() (byte, error) {
	b, err := m.need(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBool reads a 'b' argument (uint32 0 or 1).
func (m *Message) ReadBool() (bool, error) {
	v, err := m.ReadUint32()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, ncerr.WrapProtocol("unmarshal", m.MsgID, fmt.Errorf("bad boolean %d", v))
	}
	return v == 1, nil
}

// ReadUint16 reads a 'q' argument.
func (m *Message) ReadUint16() (uint16, error) {
	b, err := m.need(2)
	if err != nil {
		return 0, err
	}
	return m.Endian.Uint16(b), nil
}

// ReadUint32 reads a 'u' argument.
func (m *Message) ReadUint32() (uint32, error) {
	b, err := m.need(4)
	if err != nil {
		return 0, err
	}
	return m.Endian.Uint32(b), nil
}

// ReadString reads an 's' argument: uint32 length, bytes, NUL.  The
// whole string must fit in the receive window.
func (m *Message) ReadString() (string, error) {
	n, err := m.ReadUint32()
	if err != nil {
		return "", err
	}
	if int64(n) >= int64(cap(m.window)) {
		return "", ncerr.WrapProtocol("unmarshal", m.MsgID, ncerr.ErrResources)
	}
	b, err := m.need(int(n) + 1)
	if err != nil {
		return "", err
	}
	if b[n] != 0 {
		return "", ncerr.WrapProtocol("unmarshal", m.MsgID, fmt.Errorf("string not terminated"))
	}
	return string(b[:n]), nil
}

// ReadVariant reads a 'v' argument: one signature byte then the value.
func (m *Message) ReadVariant() (interface{}, error) {
	sig, err := m.ReadByte()
	if err != nil {
		return nil, err
	}
	switch sig {
	case 'y':
		return m.ReadByte()
	case 'b':
		return m.ReadBool()
	case 'q':
		return m.ReadUint16()
	case 'u':
		return m.ReadUint32()
	case 's':
		return m.ReadString()
	default:
		return nil, ncerr.WrapProtocol("unmarshal", m.MsgID, fmt.Errorf("unsupported variant signature %q", sig))
	}
}

// ReadRaw returns up to max body bytes without interpreting them.  It
// returns whatever the window holds, fetching a fresh chunk only when
// the window is exhausted, so callers loop until they have what they
// need.
func (m *Message) ReadRaw(max int) ([]byte, error) {
	if max <= 0 {
		return nil, nil
	}
	if m.off == len(m.window) {
		if m.body.N == 0 {
			return nil, ncerr.WrapProtocol("unmarshal", m.MsgID, ncerr.ErrEndOfBody)
		}
		m.base += int64(m.off)
		m.window = m.window[:0]
		m.off = 0
		if err := m.fetch(); err != nil {
			return nil, err
		}
	}
	n := len(m.window) - m.off
	if n > max {
		n = max
	}
	b := m.window[m.off : m.off+n]
	m.off += n
	return b, nil
}

// ResetArgs rewinds the argument cursor to the start of the body.  It
// fails with ErrCannotReset once bytes have been streamed out of the
// window.
func (m *Message) ResetArgs() error {
	if m.base != 0 {
		return ncerr.WrapProtocol("reset", m.MsgID, ncerr.ErrCannotReset)
	}
	m.off = 0
	return nil
}

// Discard drops every unread body byte so the next frame on the
// connection starts at a header boundary.
func (m *Message) Discard() error {
	m.base += int64(len(m.window))
	m.window = m.window[:0]
	m.off = 0
	if err := util.Drain(m.body, m.body.N); err != nil {
		return fmt.Errorf("discard body: %w", err)
	}
	return nil
}

// need returns the next n bytes as one contiguous slice, compacting
// the window and fetching as required.
func (m *Message) need(n int) ([]byte, error) {
	if n > cap(m.window) {
		return nil, ncerr.WrapProtocol("unmarshal", m.MsgID, ncerr.ErrResources)
	}
	if int64(n) > m.Remaining() {
		return nil, ncerr.WrapProtocol("unmarshal", m.MsgID, ncerr.ErrEndOfBody)
	}
	if len(m.window)-m.off < n && cap(m.window)-m.off < n {
		k := copy(m.window[:cap(m.window)], m.window[m.off:])
		m.base += int64(m.off)
		m.window = m.window[:k]
		m.off = 0
	}
	for len(m.window)-m.off < n {
		if err := m.fetch(); err != nil {
			return nil, err
		}
	}
	b := m.window[m.off : m.off+n]
	m.off += n
	return b, nil
}

// fetch appends at least one body byte to the window.
func (m *Message) fetch() error {
	if m.body.N == 0 {
		return ncerr.WrapProtocol("unmarshal", m.MsgID, ncerr.ErrEndOfBody)
	}
	free := m.window[len(m.window):cap(m.window)]
	if len(free) == 0 {
		return ncerr.WrapProtocol("unmarshal", m.MsgID, ncerr.ErrResources)
	}
	k, err := m.body.Read(free)
	m.window = m.window[:len(m.window)+k]
	if k > 0 {
		return nil
	}
	switch err {
	case nil:
		return io.ErrNoProgress
	case io.EOF:
		return io.ErrUnexpectedEOF
	default:
		return err
	}
}

// ── Replies ──────────────────────────────────────────────────────────

// NewReply starts a method reply to m on the connection m arrived on.
func (m *Message) NewReply() *Outgoing {
	o := newOutgoing(m.route, MethodReply, m.MsgID, m.SessionID)
	o.ReplySerial = m.Serial
	o.sending = m.onReply
	return o
}

// NewErrorReply starts an error reply carrying name and text.
func (m *Message) NewErrorReply(name, text string) *Outgoing {
	o := newOutgoing(m.route, ErrorReply, m.MsgID, m.SessionID)
	o.ReplySerial = m.Serial
	o.sending = m.onReply
	o.PutString(name).PutString(text)
	return o
}

// NewStatusReply builds an error reply straight from a transport or
// protocol error.
func (m *Message) NewStatusReply(err error) *Outgoing {
	return m.NewErrorReply(StatusName(err), err.Error())
}

// ReadError decodes the body of an ErrorReply.
func (m *Message) ReadError() *ReplyError {
	re := &ReplyError{MsgID: m.MsgID}
	re.Name, _ = m.ReadString()
	re.Text, _ = m.ReadString()
	return re
}
