package core

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"scriptcon/config"
	"scriptcon/internal/console"
	"scriptcon/internal/controller"
	ncerr "scriptcon/internal/errors"
	"scriptcon/internal/store"
	"scriptcon/internal/transport"
	"scriptcon/util"
)

func targetFor(addr string) Target {
	return Target{
		Dialer:  &transport.TCPDialer{Timeout: time.Second},
		Address: addr,
		Options: controller.Options{Name: "bench", CallTimeout: 3 * time.Second},
		Logger:  util.NewLogger(0),
	}
}

func runCommand(t *testing.T, addr string, cmd config.Mode, name, src string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	m := &CommandMode{
		Target:  targetFor(addr),
		Command: cmd,
		Name:    name,
		Source:  []byte(src),
		Stdout:  &out,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The previous command's session may not have been dropped yet.
	for {
		out.Reset()
		err := m.Run(ctx)
		if !errors.Is(err, ncerr.ErrRejected) || ctx.Err() != nil {
			return out.String(), err
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestCommandMode_Sequence drives the device through one-shot
// commands, each on its own connection.
func TestCommandMode_Sequence(t *testing.T) {
	s := startServe(t, store.NewMemory(4096))

	out, err := runCommand(t, s.addr, config.ModeEval, "", "print('hi') return 6 * 7")
	if err != nil {
		t.Fatal(err)
	}
	if out != "hi\n42\n" {
		t.Errorf("eval output %q", out)
	}

	// install resets first, so it succeeds from RUNNING.
	if _, err := runCommand(t, s.addr, config.ModeInstall, "demo.lua", "greeting = 'hello'"); err != nil {
		t.Fatalf("install: %v", err)
	}
	out, err = runCommand(t, s.addr, config.ModeEval, "", "return greeting")
	if err != nil || out != "hello\n" {
		t.Errorf("eval after install: %q %v", out, err)
	}

	if _, err := runCommand(t, s.addr, config.ModeReset, "", ""); err != nil {
		t.Errorf("reset: %v", err)
	}
	out, err = runCommand(t, s.addr, config.ModeProps, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "engine = Lua\n") || !strings.Contains(out, "maxEvalLen = 1024\n") {
		t.Errorf("props output %q", out)
	}
}

func TestCommandMode_StatusError(t *testing.T) {
	s := startServe(t, store.NewMemory(4096))

	_, err := runCommand(t, s.addr, config.ModeEval, "", "error('boom')")
	var se *controller.StatusError
	if !errors.As(err, &se) || se.Status != console.StatusEvalError {
		t.Fatalf("got %v", err)
	}
	if !strings.Contains(se.Text, "boom") {
		t.Errorf("text %q", se.Text)
	}
}

func TestCommandMode_Reboot(t *testing.T) {
	s := startServe(t, store.NewMemory(4096))
	if _, err := runCommand(t, s.addr, config.ModeReboot, "", ""); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.stopped:
		s.stopped <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("device did not go down")
	}
	if s.reboot.count() != 1 {
		t.Errorf("reboots = %d", s.reboot.count())
	}
}

func TestCommandMode_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	if _, err := runCommand(t, addr, config.ModeEval, "", "return 1"); err == nil {
		t.Fatal("expected a dial error")
	}
}

func TestAttachMode_REPL(t *testing.T) {
	s := startServe(t, store.NewMemory(4096))
	var out bytes.Buffer
	m := &AttachMode{
		Target: targetFor(s.addr),
		Stdin:  strings.NewReader("return 'a' .. 'b'\nalert('x')\n.quit\n"),
		Stdout: &out,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"attached to ", "ab\r\n", "ALERT: x\r\n"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q missing %q", out.String(), want)
		}
	}
}
