package bus

import (
	"testing"
)

func TestHeader_RoundTripBothOrders(t *testing.T) {
	for _, e := range []Endianness{LittleEndian, BigEndian} {
		h := Header{
			Endian:      e,
			Type:        MethodCall,
			Flags:       FlagNoReplyExpected,
			Version:     ProtocolVersion,
			BodyLen:     0x01020304,
			Serial:      7,
			ReplySerial: 9,
			MsgID:       AppMessageID(0, 1, 3),
			SessionID:   42,
		}
		var b [HeaderLen]byte
		h.Encode(b[:])
		got, err := DecodeHeader(b[:])
		if err != nil {
			t.Fatalf("%s: decode: %v", e, err)
		}
		if got != h {
			t.Errorf("%s: got %+v, want %+v", e, got, h)
		}
	}
}

func TestHeader_BigEndianLayout(t *testing.T) {
	h := Header{Endian: BigEndian, Type: Signal, Version: ProtocolVersion, BodyLen: 1}
	var b [HeaderLen]byte
	h.Encode(b[:])
	if b[0] != 'B' || b[1] != 4 || b[7] != 1 || b[4] != 0 {
		t.Errorf("unexpected layout % x", b[:8])
	}
}

func TestDecodeHeader_Rejects(t *testing.T) {
	good := Header{Endian: LittleEndian, Type: MethodCall, Version: ProtocolVersion}
	tests := []struct {
		name   string
		mutate func(b []byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:10] }},
		{"endian", func(b []byte) []byte { b[0] = 'x'; return b }},
		{"version", func(b []byte) []byte { b[3] = 9; return b }},
		{"type zero", func(b []byte) []byte { b[1] = 0; return b }},
		{"type high", func(b []byte) []byte { b[1] = 5; return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := make([]byte, HeaderLen)
			good.Encode(b)
			if _, err := DecodeHeader(tt.mutate(b)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAppMessageID(t *testing.T) {
	if got := AppMessageID(0, 1, 3); got != 0x01000103 {
		t.Errorf("got %#08x", got)
	}
	if AppMessageID(0, 0, PropGet) == AppMessageID(0, 0, PropSet) {
		t.Error("property members collide")
	}
}

func TestNativeEndian_Valid(t *testing.T) {
	if !NativeEndian().Valid() {
		t.Fatalf("native endian %v not valid", NativeEndian())
	}
	if Endianness('z').Valid() {
		t.Error("'z' should be invalid")
	}
}

func TestMsgType_String(t *testing.T) {
	tests := map[MsgType]string{
		MethodCall:  "call",
		MethodReply: "reply",
		ErrorReply:  "error",
		Signal:      "signal",
		MsgType(9):  "type(9)",
	}
	for mt, want := range tests {
		if got := mt.String(); got != want {
			t.Errorf("%d: got %q, want %q", mt, got, want)
		}
	}
}
