package console

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"scriptcon/internal/bus"
	"scriptcon/internal/engine"
	"scriptcon/internal/metrics"
	"scriptcon/internal/session"
	"scriptcon/internal/store"
	"scriptcon/util"
)

// wire is a write-only stream that keeps every frame written to it.
type wire struct{ bytes.Buffer }

func (*wire) Read([]byte) (int, error) { return 0, io.EOF }
func (*wire) Close() error             { return nil }

// frames decodes everything written to w.
func (w *wire) frames(t *testing.T) []*bus.Message {
	t.Helper()
	r := bus.NewConn(readOnly{bytes.NewReader(w.Bytes())}, bus.WithRxBufferSize(4096))
	var out []*bus.Message
	for {
		m, err := r.ReadMessage()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		out = append(out, m)
	}
}

type readOnly struct{ io.Reader }

func (readOnly) Write(p []byte) (int, error) { return len(p), nil }
func (readOnly) Close() error                { return nil }

// fakeEngine returns canned results and remembers what it ran.
type fakeEngine struct {
	results []engine.Result
	ran     []string
}

func (e *fakeEngine) Name() string { return "Fake" }

func (e *fakeEngine) Eval(name string, src []byte) engine.Result {
	e.ran = append(e.ran, string(src))
	if len(e.results) == 0 {
		return engine.Result{Outcome: engine.OK}
	}
	r := e.results[0]
	e.results = e.results[1:]
	return r
}

func (e *fakeEngine) Close() error { return nil }

type fakeRebooter struct{ calls int }

func (r *fakeRebooter) Reboot() error {
	r.calls++
	return nil
}

// harness is a console wired to in-memory collaborators.  Replies land
// on out; signals land on sig.
type harness struct {
	t       *testing.T
	c       *Console
	eng     *fakeEngine
	store   *store.Memory
	reboot  *fakeRebooter
	metrics *metrics.Collector
	local   *bytes.Buffer

	out   *wire
	route *bus.Conn
	sig   *wire
	rx    int
}

// signalRoute sends every signal down one wire.
type signalRoute struct{ conn *bus.Conn }

func (s signalRoute) NewSignal(msgID, sessionID uint32) *bus.Outgoing {
	return s.conn.NewSignal(msgID, sessionID)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		eng:     &fakeEngine{},
		store:   store.NewMemory(4096),
		reboot:  &fakeRebooter{},
		metrics: metrics.New(),
		local:   &bytes.Buffer{},
		out:     &wire{},
		sig:     &wire{},
		rx:      bus.DefaultRxBufferSize,
	}
	h.route = bus.NewConn(h.out)
	logger := util.NewLogger(0)
	h.c = New(Config{
		Guard:    session.NewGuard(Port, logger),
		Store:    h.store,
		Rebooter: h.reboot,
		Signals:  signalRoute{bus.NewConn(h.sig)},
		Logger:   logger,
		Metrics:  h.metrics,
		Local:    h.local,
	})
	h.c.SetEngine(h.eng)
	return h
}

// sender returns a client connection in byte order e, used only to
// number and marshal frames.
func sender(e bus.Endianness) *bus.Conn {
	return bus.NewConn(&wire{}, bus.WithEndianness(e))
}

// call builds an inbound method call addressed through h's route.
func (h *harness) call(e bus.Endianness, msgID, sessionID uint32, build func(o *bus.Outgoing)) *bus.Message {
	h.t.Helper()
	o := sender(e).NewMethodCall(msgID, sessionID)
	if build != nil {
		build(o)
	}
	m, err := o.Loopback(h.rx, h.route)
	if err != nil {
		h.t.Fatalf("loopback: %v", err)
	}
	return m
}

func (h *harness) signal(msgID, sessionID uint32, build func(o *bus.Outgoing)) *bus.Message {
	h.t.Helper()
	o := sender(bus.NativeEndian()).NewSignal(msgID, sessionID)
	build(o)
	m, err := o.Loopback(h.rx, nil)
	if err != nil {
		h.t.Fatalf("loopback: %v", err)
	}
	return m
}

// admit runs an AcceptSession through the console.
func (h *harness) admit(port uint16, id uint32, peer string) Result {
	h.t.Helper()
	return h.c.Handle(h.call(bus.NativeEndian(), bus.MsgAcceptSession, id, func(o *bus.Outgoing) {
		o.PutUint16(port).PutUint32(id).PutString(peer)
	}))
}

// attach admits a controller with session id and clears the wire.
func (h *harness) attach(id uint32) {
	h.t.Helper()
	if r := h.admit(Port, id, "peer"); r.Disposition != Handled {
		h.t.Fatalf("attach: %+v", r)
	}
	h.out.Reset()
}

func (h *harness) eval(id uint32, src []byte) Result {
	h.t.Helper()
	return h.c.Handle(h.call(bus.NativeEndian(), MsgEval, id, func(o *bus.Outgoing) { o.PutBytes(src) }))
}

func (h *harness) install(id uint32, name string, src []byte) Result {
	h.t.Helper()
	return h.c.Handle(h.call(bus.NativeEndian(), MsgInstall, id, func(o *bus.Outgoing) {
		o.PutString(name).PutBytes(src)
	}))
}

func (h *harness) reset(id uint32) Result {
	h.t.Helper()
	return h.c.Handle(h.call(bus.NativeEndian(), MsgReset, id, nil))
}

// lastStatus decodes the newest (status, text) reply and clears the
// wire.
func (h *harness) lastStatus() (Status, string) {
	h.t.Helper()
	frames := h.out.frames(h.t)
	h.out.Reset()
	if len(frames) == 0 {
		h.t.Fatal("no reply written")
	}
	m := frames[len(frames)-1]
	if m.Type != bus.MethodReply {
		h.t.Fatalf("reply type %s: %+v", m.Type, m.ReadError())
	}
	st, err := m.ReadByte()
	if err != nil {
		h.t.Fatalf("status: %v", err)
	}
	text, err := m.ReadString()
	if err != nil {
		h.t.Fatalf("text: %v", err)
	}
	return Status(st), text
}

// lastBool decodes the newest single-boolean reply and clears the wire.
func (h *harness) lastBool() bool {
	h.t.Helper()
	frames := h.out.frames(h.t)
	h.out.Reset()
	if len(frames) == 0 {
		h.t.Fatal("no reply written")
	}
	v, err := frames[len(frames)-1].ReadBool()
	if err != nil {
		h.t.Fatalf("bool reply: %v", err)
	}
	return v
}

func script(n int) []byte {
	return []byte(strings.Repeat("x", n))
}
