// Package bus implements the framed message transport the script
// console runs on.
//
// Every frame is a fixed 24-byte header followed by a body.  The first
// header byte declares the sender's byte order; every multi-byte field
// in the header and body is decoded with that order, so peers of either
// endianness interoperate without negotiation.
//
//	┌────────┬──────┬───────┬─────────┬──────────┬────────┬─────────────┬────────┬───────────┐
//	│ endian │ type │ flags │ version │ body len │ serial │ reply serial│ msg id │ session id│
//	│   1    │  1   │   1   │    1    │    4     │   4    │      4      │   4    │     4     │
//	└────────┴──────┴───────┴─────────┴──────────┴────────┴─────────────┴────────┴───────────┘
//
// Bodies are read through a bounded receive window: large arguments
// (script payloads) arrive in chunks no bigger than the window, and the
// argument cursor of a small message can be rewound with ResetArgs so a
// second handler can unmarshal it again.
package bus

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed size of a frame header in bytes.
const HeaderLen = 24

// ProtocolVersion is the only header version this package speaks.
const ProtocolVersion = 1

// Endianness is the byte-order marker carried in every header.
type Endianness byte

const (
	LittleEndian Endianness = 'l'
	BigEndian    Endianness = 'B'
)

// NativeEndian returns the host's byte order marker.
func NativeEndian() Endianness {
	var probe [2]byte
	binary.NativeEndian.PutUint16(probe[:], 1)
	if probe[0] == 1 {
		return LittleEndian
	}
	return BigEndian
}

// Valid reports whether e is a known marker.
func (e Endianness) Valid() bool { return e == LittleEndian || e == BigEndian }

// ByteOrder returns the binary.ByteOrder that decodes fields written by
// a sender declaring e.
func (e Endianness) ByteOrder() binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Uint32 decodes a 32-bit field written by a sender declaring e.
func (e Endianness) Uint32(b []byte) uint32 { return e.ByteOrder().Uint32(b) }

// Uint16 decodes a 16-bit field written by a sender declaring e.
func (e Endianness) Uint16(b []byte) uint16 { return e.ByteOrder().Uint16(b) }

func (e Endianness) String() string {
	switch e {
	case LittleEndian:
		return "little"
	case BigEndian:
		return "big"
	default:
		return fmt.Sprintf("invalid(%#x)", byte(e))
	}
}

// MsgType distinguishes calls, replies, errors and signals.
type MsgType uint8

const (
	MethodCall  MsgType = 1
	MethodReply MsgType = 2
	ErrorReply  MsgType = 3
	Signal      MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case MethodCall:
		return "call"
	case MethodReply:
		return "reply"
	case ErrorReply:
		return "error"
	case Signal:
		return "signal"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Header flags.
const (
	FlagNoReplyExpected uint8 = 0x01
)

// Bus-level message identifiers.  Application members are numbered
// with [AppMessageID].
const (
	// MsgJoinSession: call (port q, name s) → reply (accepted b).
	MsgJoinSession uint32 = 0x00000001
	// MsgAcceptSession: call (port q, session u, joiner s) → reply (accept b).
	MsgAcceptSession uint32 = 0x00000002
	// MsgSessionLost: signal (session u, reason u).
	MsgSessionLost uint32 = 0x00000003
	// MsgPing: call () → empty reply.
	MsgPing uint32 = 0x00000004
)

// Session-lost reasons.
const (
	ReasonLinkClosed   uint32 = 1
	ReasonRemoteLeft   uint32 = 2
	ReasonLinkTimedOut uint32 = 3
)

// AppMessageID numbers an application member by object, interface and
// member index.
func AppMessageID(obj, iface, member uint8) uint32 {
	return 1<<24 | uint32(obj)<<16 | uint32(iface)<<8 | uint32(member)
}

// Standard property members, on interface index 0 of every object.
const (
	PropGet uint8 = 0
	PropSet uint8 = 1
)

// Header is the decoded fixed frame header.
type Header struct {
	Endian      Endianness
	Type        MsgType
	Flags       uint8
	Version     uint8
	BodyLen     uint32
	Serial      uint32
	ReplySerial uint32
	MsgID       uint32
	SessionID   uint32
}

// NoReplyExpected reports whether the sender asked for no reply.
func (h Header) NoReplyExpected() bool { return h.Flags&FlagNoReplyExpected != 0 }

// Encode writes h into b, which must be at least HeaderLen bytes, using
// h.Endian for every multi-byte field.
func (h Header) Encode(b []byte) {
	order := h.Endian.ByteOrder()
	b[0] = byte(h.Endian)
	b[1] = byte(h.Type)
	b[2] = h.Flags
	b[3] = h.Version
	order.PutUint32(b[4:8], h.BodyLen)
	order.PutUint32(b[8:12], h.Serial)
	order.PutUint32(b[12:16], h.ReplySerial)
	order.PutUint32(b[16:20], h.MsgID)
	order.PutUint32(b[20:24], h.SessionID)
}

// DecodeHeader parses a frame header, honouring the sender's declared
// byte order.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("short header: %d bytes", len(b))
	}
	h := Header{
		Endian:  Endianness(b[0]),
		Type:    MsgType(b[1]),
		Flags:   b[2],
		Version: b[3],
	}
	if !h.Endian.Valid() {
		return Header{}, fmt.Errorf("bad endian marker %#x", b[0])
	}
	if h.Version != ProtocolVersion {
		return Header{}, fmt.Errorf("unsupported version %d", h.Version)
	}
	if h.Type < MethodCall || h.Type > Signal {
		return Header{}, fmt.Errorf("bad message type %d", b[1])
	}
	h.BodyLen = h.Endian.Uint32(b[4:8])
	h.Serial = h.Endian.Uint32(b[8:12])
	h.ReplySerial = h.Endian.Uint32(b[12:16])
	h.MsgID = h.Endian.Uint32(b[16:20])
	h.SessionID = h.Endian.Uint32(b[20:24])
	return h, nil
}
