// Package retry paces repeated attempts to reach a device: exponential
// backoff for dialing, and a breaker that stops hammering an SSH
// gateway that keeps failing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError marks a failure that another attempt cannot fix, such
// as a device refusing the session or a bad controller name.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff retries an operation with exponentially growing pauses.
// Zero fields take the defaults noted below.
type Backoff struct {
	InitialDelay time.Duration // first pause; 1s
	MaxDelay     time.Duration // pause ceiling; 60s
	Multiplier   float64       // growth per attempt; 2
	// MaxAttempts counts every try including the first.  Zero retries
	// until the context ends.
	MaxAttempts int
	Jitter      bool // spread each pause by ±25%

	// OnRetry, when set, is told about each failure that will be
	// retried and the pause before the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoff returns the policy used for dialing devices.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// Do calls fn until it returns nil, returns a Permanent error, runs
// out of attempts, or ctx ends.  attempt is 1-based.  A permanent
// error is returned unwrapped.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	delay := b.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	multiplier := b.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			if b.MaxAttempts == 1 {
				return err
			}
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		wait := delay
		if b.Jitter {
			wait = addJitter(delay)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}

		delay = time.Duration(math.Min(float64(delay)*multiplier, float64(maxDelay)))
	}
}

// addJitter moves d by up to 25% either way, never below 1ms.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	return time.Duration(math.Max(float64(d)+delta, float64(time.Millisecond)))
}
