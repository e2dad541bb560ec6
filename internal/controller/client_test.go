package controller_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"scriptcon/internal/bus"
	"scriptcon/internal/console"
	"scriptcon/internal/controller"
	"scriptcon/internal/core"
	"scriptcon/internal/engine"
	ncerr "scriptcon/internal/errors"
	"scriptcon/internal/metrics"
	"scriptcon/internal/retry"
	"scriptcon/internal/store"
	"scriptcon/internal/transport"
	"scriptcon/util"
)

// device is a script console served on a loopback port.
type device struct {
	addr    string
	reboots chan struct{}
	metrics *metrics.Collector
	stopped chan error
	cancel  context.CancelFunc
}

type rebootSignal struct{ ch chan struct{} }

func (r rebootSignal) Reboot() error {
	r.ch <- struct{}{}
	return nil
}

func startDevice(t *testing.T) *device {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	logger := util.NewLogger(0)
	d := &device{
		addr:    ln.Addr().String(),
		reboots: make(chan struct{}, 1),
		metrics: metrics.New(),
		stopped: make(chan error, 1),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	d.cancel = cancel

	mode := &core.ServeMode{
		Listener:  ln,
		Store:     store.NewMemory(2048),
		Rebooter:  rebootSignal{d.reboots},
		NewEngine: engine.NewLuaFactory(logger),
		Logger:    logger,
		Metrics:   d.metrics,
		Local:     &bytes.Buffer{},
	}
	go func() { d.stopped <- mode.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-d.stopped:
		case <-time.After(3 * time.Second):
			t.Error("device did not stop")
		}
	})
	return d
}

func (d *device) dial(t *testing.T, name string, out controller.OutputFunc) (*controller.Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return controller.Dial(ctx, &transport.TCPDialer{Timeout: time.Second}, d.addr, nil,
		controller.Options{Name: name, CallTimeout: 3 * time.Second, Output: out}, util.NewLogger(0))
}

func (d *device) mustDial(t *testing.T, name string) *controller.Client {
	t.Helper()
	c, err := d.dial(t, name, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_EvalInstallCycle(t *testing.T) {
	d := startDevice(t)
	c := d.mustDial(t, "laptop")
	ctx := context.Background()

	reply, err := c.Eval(ctx, []byte("return 1 + 2"))
	if err != nil || reply.Status != console.StatusOK || reply.Text != "3" {
		t.Fatalf("eval: %+v %v", reply, err)
	}

	reply, err = c.Install(ctx, "demo", []byte("counter = 41"))
	if err != nil || reply.Status != console.StatusNeedReset {
		t.Fatalf("install without reset: %+v %v", reply, err)
	}
	if reply.Err() == nil {
		t.Error("NEED_RESET reply reported no error")
	}

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	reply, err = c.Install(ctx, "demo", []byte("counter = 41"))
	if err != nil || reply.Status != console.StatusOK || reply.Text != "Script installed" {
		t.Fatalf("install: %+v %v", reply, err)
	}

	// The engine restarted with the new script.
	reply, err = c.Eval(ctx, []byte("return counter + 1"))
	if err != nil || reply.Text != "42" {
		t.Fatalf("eval after install: %+v %v", reply, err)
	}
	if d.metrics.Snapshot().Installs != 1 {
		t.Errorf("metrics %+v", d.metrics.Snapshot())
	}
}

func TestClient_EvalErrors(t *testing.T) {
	d := startDevice(t)
	c := d.mustDial(t, "laptop")
	ctx := context.Background()

	tests := []struct {
		src  string
		want console.Status
	}{
		{"return (", console.StatusSyntaxError},
		{"error('boom')", console.StatusEvalError},
		{"return nil + 1", console.StatusEvalError},
		{strings.Repeat("x", 2000), console.StatusResourceError},
	}
	for _, tt := range tests {
		reply, err := c.Eval(ctx, []byte(tt.src))
		if err != nil {
			t.Fatalf("%.20q: %v", tt.src, err)
		}
		if reply.Status != tt.want {
			t.Errorf("%.20q: %s %q, want %s", tt.src, reply.Status, reply.Text, tt.want)
		}
	}
}

func TestClient_PrintAndAlertSignals(t *testing.T) {
	d := startDevice(t)

	var mu sync.Mutex
	var got []string
	c, err := d.dial(t, "laptop", func(alert bool, text string) {
		mu.Lock()
		defer mu.Unlock()
		if alert {
			text = "!" + text
		}
		got = append(got, text)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Eval(context.Background(), []byte("print('temp=', 21) alert('door')")); err != nil {
		t.Fatal(err)
	}
	// Signals precede the reply on the same stream.
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "temp=21" || got[1] != "!door" {
		t.Errorf("signals = %q", got)
	}
}

// TestClient_LargeOutputClipped verifies that output bigger than the
// controller's window arrives clipped and the session survives it.
func TestClient_LargeOutputClipped(t *testing.T) {
	d := startDevice(t)

	var mu sync.Mutex
	var printed []string
	c, err := d.dial(t, "laptop", func(_ bool, text string) {
		mu.Lock()
		defer mu.Unlock()
		printed = append(printed, text)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	reply, err := c.Eval(ctx, []byte("print(string.rep('b', 70000)) return string.rep('a', 70000)"))
	if err != nil {
		t.Fatalf("large eval: %v", err)
	}
	if reply.Status != console.StatusOK || len(reply.Text) != console.MaxReplyText ||
		!strings.HasPrefix(reply.Text, "aaa") || !strings.HasSuffix(reply.Text, "...") {
		t.Errorf("reply %s, %d bytes", reply.Status, len(reply.Text))
	}
	mu.Lock()
	if len(printed) != 1 || len(printed[0]) != console.MaxReplyText {
		t.Errorf("printed %d signals", len(printed))
	}
	mu.Unlock()

	reply, err = c.Eval(ctx, []byte("return 1"))
	if err != nil || reply.Text != "1" {
		t.Fatalf("eval after large output: %+v %v", reply, err)
	}
}

func TestClient_SecondControllerRejected(t *testing.T) {
	d := startDevice(t)
	first := d.mustDial(t, "first")

	if _, err := d.dial(t, "second", nil); !errors.Is(err, ncerr.ErrRejected) {
		t.Fatalf("second controller: %v", err)
	}
	if err := first.Ping(context.Background()); err != nil {
		t.Errorf("first controller lost: %v", err)
	}
}

func TestClient_ReattachAfterClose(t *testing.T) {
	d := startDevice(t)
	first := d.mustDial(t, "first")
	first.Close()

	// The device drops the session once it notices the link closed.
	deadline := time.Now().Add(3 * time.Second)
	for {
		c, err := d.dial(t, "second", nil)
		if err == nil {
			c.Close()
			return
		}
		if !errors.Is(err, ncerr.ErrRejected) || time.Now().After(deadline) {
			t.Fatalf("reattach: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestClient_Properties(t *testing.T) {
	d := startDevice(t)
	c := d.mustDial(t, "laptop")

	props, err := c.Properties(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if props[console.PropEngine] != "Lua" ||
		props[console.PropMaxEvalLen] != uint32(1024) ||
		props[console.PropMaxScriptLen] != uint32(2048) {
		t.Errorf("props = %v", props)
	}

	_, err = c.Property(context.Background(), "colour")
	var re *bus.ReplyError
	if !errors.As(err, &re) || re.Name != bus.ErrorNoSuchProp {
		t.Errorf("unknown property: %v", err)
	}
}

func TestClient_Reboot(t *testing.T) {
	d := startDevice(t)
	c := d.mustDial(t, "laptop")
	if err := c.Reboot(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-d.reboots:
	case <-time.After(3 * time.Second):
		t.Fatal("device did not reboot")
	}
	select {
	case err := <-d.stopped:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
		d.stopped <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("serve loop kept running after reboot")
	}
}

func TestAttach_NameTooLong(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := controller.Attach(context.Background(), a, controller.Options{Name: "a-very-long-controller-name"}, util.NewLogger(0))
	var ce *ncerr.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

// flakyDialer fails a fixed number of times before dialing for real.
type flakyDialer struct {
	fails int
	calls int
	inner transport.Dialer
}

func (f *flakyDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, ncerr.Wrap("dial", address, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED})
	}
	return f.inner.Dial(ctx, network, address)
}

func (f *flakyDialer) Close() error { return nil }

func TestDial_RetriesTransientFailures(t *testing.T) {
	d := startDevice(t)
	fd := &flakyDialer{fails: 2, inner: &transport.TCPDialer{Timeout: time.Second}}
	b := &retry.Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5}

	c, err := controller.Dial(context.Background(), fd, d.addr, b, controller.Options{Name: "laptop"}, util.NewLogger(0))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if fd.calls != 3 {
		t.Errorf("dial attempts = %d, want 3", fd.calls)
	}
	if c.SessionID() == 0 {
		t.Error("no session id")
	}
}

func TestDial_GivesUp(t *testing.T) {
	fd := &flakyDialer{fails: 100}
	b := &retry.Backoff{InitialDelay: time.Millisecond, MaxAttempts: 3}
	if _, err := controller.Dial(context.Background(), fd, "127.0.0.1:1", b, controller.Options{Name: "x"}, util.NewLogger(0)); err == nil {
		t.Fatal("expected failure")
	}
	if fd.calls != 3 {
		t.Errorf("dial attempts = %d", fd.calls)
	}
}

// authFailDialer fails the way an SSH gateway with bad credentials does.
type authFailDialer struct{ calls int }

func (f *authFailDialer) Dial(context.Context, string, string) (net.Conn, error) {
	f.calls++
	return nil, ncerr.WrapSSH("auth", "gw", 22, errors.New("no supported methods remain"))
}

func (f *authFailDialer) Close() error { return nil }

func TestDial_PermanentFailureNotRetried(t *testing.T) {
	fd := &authFailDialer{}
	b := &retry.Backoff{InitialDelay: time.Millisecond, MaxAttempts: 5}
	_, err := controller.Dial(context.Background(), fd, "127.0.0.1:1", b, controller.Options{Name: "x"}, util.NewLogger(0))
	var se *ncerr.SSHError
	if !errors.As(err, &se) {
		t.Fatalf("got %v", err)
	}
	if fd.calls != 1 {
		t.Errorf("dial attempts = %d, want 1", fd.calls)
	}
}

func TestClient_CallAfterDeviceGone(t *testing.T) {
	d := startDevice(t)
	c := d.mustDial(t, "laptop")
	d.cancel()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not notice the device going away")
	}
	if _, err := c.Eval(context.Background(), []byte("return 1")); err == nil {
		t.Error("eval succeeded on a dead connection")
	}
}
