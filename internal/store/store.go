// Package store persists the installed console script.
//
// Installation is streamed: the console opens a sink for a declared
// length, writes the script chunk by chunk as it arrives off the wire,
// and closes the sink.  A sink closed short of the declared length
// discards what it received and leaves the previously installed
// script in place.
package store

import (
	"io"
	"sync"

	ncerr "scriptcon/internal/errors"
)

// ScriptStore holds at most one installed script.
type ScriptStore interface {
	// MaxScriptLen is the largest script the store accepts.
	MaxScriptLen() uint32

	// OpenScript returns a sink for a script of exactly length bytes.
	// Close commits the script, or fails with ErrIncomplete if fewer
	// or more bytes were written.
	OpenScript(name string, length uint32) (io.WriteCloser, error)

	// Load returns the installed script, or ErrNotInstalled.
	Load() (*Script, error)
}

// Script is an installed script with its manifest.
type Script struct {
	Manifest Manifest
	Source   []byte
}

// ── In-memory store ──────────────────────────────────────────────────

// Memory is a ScriptStore that keeps the script in memory.  It loses
// the script on restart of the process.
type Memory struct {
	max uint32

	mu     sync.Mutex
	script *Script
}

// NewMemory returns an empty in-memory store.
func NewMemory(maxLen uint32) *Memory {
	return &Memory{max: maxLen}
}

// MaxScriptLen implements ScriptStore.
func (m *Memory) MaxScriptLen() uint32 { return m.max }

// OpenScript implements ScriptStore.
func (m *Memory) OpenScript(name string, length uint32) (io.WriteCloser, error) {
	if length > m.max {
		return nil, ncerr.ErrResources
	}
	return &memSink{
		m:    m,
		name: name,
		want: length,
		buf:  make([]byte, 0, length),
	}, nil
}

// Load implements ScriptStore.
func (m *Memory) Load() (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.script == nil {
		return nil, ncerr.ErrNotInstalled
	}
	cp := *m.script
	cp.Source = append([]byte(nil), m.script.Source...)
	return &cp, nil
}

type memSink struct {
	m      *Memory
	name   string
	want   uint32
	buf    []byte
	closed bool
}

func (s *memSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if uint64(len(s.buf))+uint64(len(p)) > uint64(s.want) {
		return 0, ncerr.ErrResources
	}
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *memSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if uint32(len(s.buf)) != s.want {
		return ncerr.ErrIncomplete
	}
	man := NewManifest(s.name, s.buf)
	s.m.mu.Lock()
	s.m.script = &Script{Manifest: man, Source: s.buf}
	s.m.mu.Unlock()
	return nil
}
