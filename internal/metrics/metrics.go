// Package metrics provides lightweight, lock-free counters for tracking
// runtime statistics of the script console.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks console metrics.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	sessionsAdmitted atomic.Int64
	sessionsRejected atomic.Int64
	sessionsLost     atomic.Int64

	evalsOK        atomic.Int64
	evalsFailed    atomic.Int64
	installs       atomic.Int64
	resets         atomic.Int64
	engineRestarts atomic.Int64

	chunkBytes   atomic.Int64
	signalsSent  atomic.Int64
	signalsLocal atomic.Int64
	errorsTotal  atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionAdmitted records a controller attaching.
func (c *Collector) SessionAdmitted() {
	if c == nil {
		return
	}
	c.sessionsAdmitted.Add(1)
}

// SessionRejected records a controller turned away because another
// was attached.
func (c *Collector) SessionRejected() {
	if c == nil {
		return
	}
	c.sessionsRejected.Add(1)
}

// SessionLost records the attached controller going away.
func (c *Collector) SessionLost() {
	if c == nil {
		return
	}
	c.sessionsLost.Add(1)
}

// ActiveSessions returns admitted minus lost sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsAdmitted.Load() - c.sessionsLost.Load()
}

// ── Engine metrics ───────────────────────────────────────────────────

// EvalFinished records an ad-hoc evaluation.
func (c *Collector) EvalFinished(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.evalsOK.Add(1)
	} else {
		c.evalsFailed.Add(1)
	}
}

// ScriptInstalled records a completed install.
func (c *Collector) ScriptInstalled() {
	if c == nil {
		return
	}
	c.installs.Add(1)
}

// EngineReset records a reset request.
func (c *Collector) EngineReset() {
	if c == nil {
		return
	}
	c.resets.Add(1)
}

// EngineRestarted records the script engine being rebuilt.
func (c *Collector) EngineRestarted() {
	if c == nil {
		return
	}
	c.engineRestarts.Add(1)
}

// ── Transfer and signal metrics ──────────────────────────────────────

// ChunkReceived records n payload bytes reassembled from the wire.
func (c *Collector) ChunkReceived(n int) {
	if c == nil {
		return
	}
	c.chunkBytes.Add(int64(n))
}

// SignalSent records print/alert output delivered to a controller
// (remote) or written locally.
func (c *Collector) SignalSent(remote bool) {
	if c == nil {
		return
	}
	if remote {
		c.signalsSent.Add(1)
	} else {
		c.signalsLocal.Add(1)
	}
}

// TotalChunkBytes returns the reassembled payload byte count.
func (c *Collector) TotalChunkBytes() int64 {
	if c == nil {
		return 0
	}
	return c.chunkBytes.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsAdmitted int64  `json:"sessions_admitted"`
	SessionsRejected int64  `json:"sessions_rejected"`
	SessionsLost     int64  `json:"sessions_lost"`
	EvalsOK          int64  `json:"evals_ok"`
	EvalsFailed      int64  `json:"evals_failed"`
	Installs         int64  `json:"installs"`
	Resets           int64  `json:"resets"`
	EngineRestarts   int64  `json:"engine_restarts"`
	ChunkBytes       int64  `json:"chunk_bytes"`
	SignalsSent      int64  `json:"signals_sent"`
	SignalsLocal     int64  `json:"signals_local"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:           time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsAdmitted: c.sessionsAdmitted.Load(),
		SessionsRejected: c.sessionsRejected.Load(),
		SessionsLost:     c.sessionsLost.Load(),
		EvalsOK:          c.evalsOK.Load(),
		EvalsFailed:      c.evalsFailed.Load(),
		Installs:         c.installs.Load(),
		Resets:           c.resets.Load(),
		EngineRestarts:   c.engineRestarts.Load(),
		ChunkBytes:       c.chunkBytes.Load(),
		SignalsSent:      c.signalsSent.Load(),
		SignalsLocal:     c.signalsLocal.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
