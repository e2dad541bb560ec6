package retry

import (
	"fmt"
	"sync"
	"time"

	ncerr "scriptcon/internal/errors"
)

// ── Breaker state ────────────────────────────────────────────────────

// State is a Breaker's position.
type State int

const (
	StateClosed   State = iota // attempts pass through
	StateOpen                  // attempts fail fast until the cool-down ends
	StateHalfOpen              // one probe attempt is allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ── Breaker ──────────────────────────────────────────────────────────

// Breaker fails fast after a run of consecutive failures.  After
// Cooldown one probe is let through; its success closes the breaker
// and its failure re-opens it for another Cooldown.
type Breaker struct {
	// Threshold is the number of consecutive failures that opens the
	// breaker; 3 when zero.
	Threshold int
	// Cooldown is how long the breaker stays open; 30s when zero.
	Cooldown time.Duration
	// OnChange, when set, is called on every transition.  It runs
	// under the breaker's lock.
	OnChange func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	now      func() time.Time
}

// Do runs fn unless the breaker is open, in which case it returns an
// error wrapping ncerr.ErrCircuitOpen without calling fn.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current run of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		left := b.cooldown() - b.clock().Sub(b.openedAt)
		if left > 0 {
			return fmt.Errorf("%w after %d failures, retry in %v",
				ncerr.ErrCircuitOpen, b.failures, left.Round(time.Second))
		}
		b.transition(StateHalfOpen)
	case StateHalfOpen:
		// A probe is already in flight.
		return fmt.Errorf("%w: probe in progress", ncerr.ErrCircuitOpen)
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.transition(StateClosed)
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold() {
		b.openedAt = b.clock()
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.OnChange != nil {
		b.OnChange(from, to)
	}
}

func (b *Breaker) threshold() int {
	if b.Threshold <= 0 {
		return 3
	}
	return b.Threshold
}

func (b *Breaker) cooldown() time.Duration {
	if b.Cooldown <= 0 {
		return 30 * time.Second
	}
	return b.Cooldown
}

func (b *Breaker) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}
