package controller

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/term"

	"scriptcon/internal/console"
	ncerr "scriptcon/internal/errors"
)

// Session is the part of a Client the REPL drives.
type Session interface {
	Eval(ctx context.Context, src []byte) (Reply, error)
	Install(ctx context.Context, name string, src []byte) (Reply, error)
	Reset(ctx context.Context) error
	Reboot() error
	Properties(ctx context.Context) (map[string]interface{}, error)
	SetOutput(fn OutputFunc)
	Done() <-chan struct{}
}

// REPL is the interactive console behind `scriptcon attach`.  Each
// input line is evaluated on the device; lines starting with a dot
// are console commands (see .help).
type REPL struct {
	Session Session
	In      io.Reader // a terminal gets line editing
	Out     io.Writer
	Prompt  string

	// ReadFile loads scripts for .install; os.ReadFile when nil.
	ReadFile func(name string) ([]byte, error)
}

type lineReader interface {
	ReadLine() (string, error)
}

const replHelp = `commands:
  .install [name] <file>   reset first, then install <file>
  .reset                   restart the engine without a script
  .reboot                  reboot the device and detach
  .props                   show console properties
  .quit                    detach
anything else is evaluated on the device
`

// Run reads lines until EOF, .quit, .reboot, or the connection drops.
func (r *REPL) Run(ctx context.Context) error {
	lines, out, restore, err := r.open()
	if err != nil {
		return err
	}
	defer restore()

	r.Session.SetOutput(func(alert bool, text string) {
		if alert {
			fmt.Fprintf(out, "ALERT: %s\r\n", text)
		} else {
			fmt.Fprintf(out, "%s\r\n", text)
		}
	})
	defer r.Session.SetOutput(nil)

	for {
		select {
		case <-r.Session.Done():
			return ncerr.ErrNotConnected
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := lines.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if done := r.exec(ctx, out, line); done {
			return nil
		}
	}
}

// exec runs one input line and reports whether the REPL should stop.
func (r *REPL) exec(ctx context.Context, out io.Writer, line string) bool {
	if !strings.HasPrefix(line, ".") {
		reply, err := r.Session.Eval(ctx, []byte(line))
		r.show(out, reply, err)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case ".quit", ".exit":
		return true

	case ".help":
		fmt.Fprint(out, strings.ReplaceAll(replHelp, "\n", "\r\n"))

	case ".reset":
		if err := r.Session.Reset(ctx); err != nil {
			fmt.Fprintf(out, "reset: %v\r\n", err)
		}

	case ".install":
		var name, file string
		switch len(fields) {
		case 2:
			file = fields[1]
			name = filepath.Base(file)
		case 3:
			name, file = fields[1], fields[2]
		default:
			fmt.Fprint(out, "usage: .install [name] <file>\r\n")
			return false
		}
		src, err := r.readFile(file)
		if err != nil {
			fmt.Fprintf(out, "install: %v\r\n", err)
			return false
		}
		if err := r.Session.Reset(ctx); err != nil {
			fmt.Fprintf(out, "install: reset: %v\r\n", err)
			return false
		}
		reply, err := r.Session.Install(ctx, name, src)
		r.show(out, reply, err)

	case ".reboot":
		if err := r.Session.Reboot(); err != nil {
			fmt.Fprintf(out, "reboot: %v\r\n", err)
			return false
		}
		return true

	case ".props":
		props, err := r.Session.Properties(ctx)
		if err != nil {
			fmt.Fprintf(out, "props: %v\r\n", err)
			return false
		}
		names := make([]string, 0, len(props))
		for k := range props {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Fprintf(out, "%s = %v\r\n", k, props[k])
		}

	default:
		fmt.Fprintf(out, "unknown command %s (try .help)\r\n", fields[0])
	}
	return false
}

func (r *REPL) show(out io.Writer, reply Reply, err error) {
	switch {
	case err != nil:
		fmt.Fprintf(out, "error: %v\r\n", err)
	case reply.Status != console.StatusOK:
		fmt.Fprintf(out, "%s: %s\r\n", reply.Status, reply.Text)
	case reply.Text != "" && reply.Text != "OK":
		fmt.Fprintf(out, "%s\r\n", reply.Text)
	}
}

func (r *REPL) readFile(name string) ([]byte, error) {
	if r.ReadFile != nil {
		return r.ReadFile(name)
	}
	return os.ReadFile(name)
}

// open sets up line input.  A terminal is switched to raw mode and
// driven by term.Terminal; anything else is read line by line.
func (r *REPL) open() (lineReader, io.Writer, func(), error) {
	prompt := r.Prompt
	if prompt == "" {
		prompt = "lua> "
	}

	if f, ok := r.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		old, err := term.MakeRaw(fd)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("raw terminal: %w", err)
		}
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{f, r.Out}, prompt)
		return t, t, func() { term.Restore(fd, old) }, nil //nolint:errcheck
	}

	return &scanLines{s: bufio.NewScanner(r.In)}, &lockedWriter{w: r.Out}, func() {}, nil
}

type scanLines struct{ s *bufio.Scanner }

func (l *scanLines) ReadLine() (string, error) {
	if l.s.Scan() {
		return l.s.Text(), nil
	}
	if err := l.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// lockedWriter serialises device output with REPL output.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
