package console

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"testing/iotest"

	"scriptcon/internal/bus"
	ncerr "scriptcon/internal/errors"
)

// payloadMessage frames src as a raw-length payload in byte order e
// and feeds the body through wrap.
func payloadMessage(t *testing.T, e bus.Endianness, src []byte, rx int, wrap func(io.Reader) io.Reader) *bus.Message {
	t.Helper()
	o := sender(e).NewMethodCall(MsgEval, 1)
	o.PutBytes(src)
	body := o.Encode()[bus.HeaderLen:]
	m, err := bus.NewMessage(o.Header, wrap(bytes.NewReader(body)), rx, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func identity(r io.Reader) io.Reader { return r }

func TestReassemble_AnyChunking(t *testing.T) {
	src := make([]byte, 1000)
	for i := range src {
		src[i] = byte(i * 7)
	}
	wraps := map[string]func(io.Reader) io.Reader{
		"whole":   identity,
		"onebyte": iotest.OneByteReader,
		"half":    iotest.HalfReader,
	}
	for _, rx := range []int{5, 16, 64, 333, 512, 4096} {
		for _, e := range []bus.Endianness{bus.LittleEndian, bus.BigEndian} {
			for wname, wrap := range wraps {
				t.Run(fmt.Sprintf("rx%d/%s/%s", rx, e, wname), func(t *testing.T) {
					h := newHarness(t)
					m := payloadMessage(t, e, src, rx, wrap)
					n, err := readLength(m)
					if err != nil {
						t.Fatalf("length: %v", err)
					}
					if n != uint32(len(src)) {
						t.Fatalf("length = %d", n)
					}
					got, err := h.c.reassemble(m, n)
					if err != nil {
						t.Fatalf("reassemble: %v", err)
					}
					if !bytes.Equal(got, src) {
						t.Error("payload differs")
					}
					if m.Remaining() != 0 {
						t.Errorf("%d bytes left", m.Remaining())
					}
					if h.metrics.TotalChunkBytes() != int64(len(src)) {
						t.Errorf("chunk bytes = %d", h.metrics.TotalChunkBytes())
					}
				})
			}
		}
	}
}

func TestReassemble_Empty(t *testing.T) {
	h := newHarness(t)
	m := payloadMessage(t, bus.NativeEndian(), nil, 16, identity)
	n, err := readLength(m)
	if err != nil || n != 0 {
		t.Fatalf("length %d, %v", n, err)
	}
	got, err := h.c.reassemble(m, n)
	if err != nil || len(got) != 0 {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestReassemble_DeclaredLongerThanBody(t *testing.T) {
	h := newHarness(t)
	o := sender(bus.LittleEndian).NewMethodCall(MsgEval, 1)
	o.PutUint32(50).PutByte('x')
	m, err := o.Loopback(16, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, _ := readLength(m)
	if _, err := h.c.reassemble(m, n); !ncerr.Is(err, ncerr.ErrEndOfBody) {
		t.Errorf("expected end of body, got %v", err)
	}
}

func TestDecodeLength(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0x04}
	if got := decodeLength(bus.LittleEndian, b); got != 0x04030201 {
		t.Errorf("little = %#x", got)
	}
	if got := decodeLength(bus.BigEndian, b); got != 0x01020304 {
		t.Errorf("big = %#x", got)
	}
}

type failingSink struct {
	wrote  int
	closed bool
}

func (f *failingSink) Write(p []byte) (int, error) {
	f.wrote += len(p)
	if f.wrote > 20 {
		return 0, errors.New("disk full")
	}
	return len(p), nil
}

func (f *failingSink) Close() error {
	f.closed = true
	return errors.New("close after failure")
}

func TestStream_WriteErrorWinsAndCloses(t *testing.T) {
	h := newHarness(t)
	m := payloadMessage(t, bus.NativeEndian(), script(100), 8, identity)
	n, _ := readLength(m)
	sink := &failingSink{}
	err := h.c.stream(m, n, sink)
	if err == nil || !bytes.Contains([]byte(err.Error()), []byte("disk full")) {
		t.Errorf("err = %v", err)
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
}

func TestTrimTrailingNUL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"\x00", ""},
		{"a", "a"},
		{"a\x00\x00", "a"},
		{"a\x00b", "a\x00b"},
		{"a\x00b\x00", "a\x00b"},
	}
	for _, tt := range tests {
		if got := string(trimTrailingNUL([]byte(tt.in))); got != tt.want {
			t.Errorf("trim(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
