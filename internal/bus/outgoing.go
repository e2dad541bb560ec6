package bus

import (
	"bytes"
	"encoding/binary"
	"fmt"

	ncerr "scriptcon/internal/errors"
)

// Outgoing is a frame being marshalled.  Put methods append arguments
// in the route's byte order; Deliver writes the frame.
type Outgoing struct {
	Header
	route   *Conn
	body    []byte
	sending func(*Outgoing)
}

func newOutgoing(route *Conn, t MsgType, msgID, sessionID uint32) *Outgoing {
	endian := NativeEndian()
	var serial uint32
	if route != nil {
		endian = route.endian
		serial = route.nextSerial()
	}
	return &Outgoing{
		Header: Header{
			Endian:    endian,
			Type:      t,
			Version:   ProtocolVersion,
			Serial:    serial,
			MsgID:     msgID,
			SessionID: sessionID,
		},
		route: route,
	}
}

func (o *Outgoing) appender() binary.AppendByteOrder {
	if o.Endian == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// PutByte appends a 'y' argument.
func (o *Outgoing) PutByte(v byte) *Outgoing {
	o.body = append(o.body, v)
	return o
}

// PutBool appends a 'b' argument.
func (o *Outgoing) PutBool(v bool) *Outgoing {
	if v {
		return o.PutUint32(1)
	}
	return o.PutUint32(0)
}

// PutUint16 appends a 'q' argument.
func (o *Outgoing) PutUint16(v uint16) *Outgoing {
	o.body = o.appender().AppendUint16(o.body, v)
	return o
}

// PutUint32 appends a 'u' argument.
func (o *Outgoing) PutUint32(v uint32) *Outgoing {
	o.body = o.appender().AppendUint32(o.body, v)
	return o
}

// PutString appends an 's' argument.
func (o *Outgoing) PutString(s string) *Outgoing {
	o.PutUint32(uint32(len(s)))
	o.body = append(o.body, s...)
	o.body = append(o.body, 0)
	return o
}

// PutBytes appends an 'ay' argument: uint32 length then the bytes.
func (o *Outgoing) PutBytes(b []byte) *Outgoing {
	o.PutUint32(uint32(len(b)))
	o.body = append(o.body, b...)
	return o
}

// PutVariant appends a 'v' argument for the supported scalar types.
func (o *Outgoing) PutVariant(v interface{}) *Outgoing {
	switch x := v.(type) {
	case byte:
		return o.PutByte('y').PutByte(x)
	case bool:
		return o.PutByte('b').PutBool(x)
	case uint16:
		return o.PutByte('q').PutUint16(x)
	case uint32:
		return o.PutByte('u').PutUint32(x)
	case string:
		return o.PutByte('s').PutString(x)
	default:
		panic(fmt.Sprintf("bus: unsupported variant type %T", v))
	}
}

// SetFlags ORs flags into the header.
func (o *Outgoing) SetFlags(flags uint8) *Outgoing {
	o.Flags |= flags
	return o
}

// Encode returns the complete frame.
func (o *Outgoing) Encode() []byte {
	o.BodyLen = uint32(len(o.body))
	frame := make([]byte, HeaderLen+len(o.body))
	o.Header.Encode(frame)
	copy(frame[HeaderLen:], o.body)
	return frame
}

// Deliver writes the frame to its route.
func (o *Outgoing) Deliver() error {
	if o.route == nil {
		return ncerr.WrapProtocol("deliver", o.MsgID, ncerr.ErrNoRoute)
	}
	if o.sending != nil {
		o.sending(o)
	}
	return o.route.write(o.Encode())
}

// Loopback turns the frame into an inbound Message without touching
// the network.  Replies to the returned message travel on route.
func (o *Outgoing) Loopback(rxSize int, route *Conn) (*Message, error) {
	o.BodyLen = uint32(len(o.body))
	return NewMessage(o.Header, bytes.NewReader(o.body), rxSize, route)
}
