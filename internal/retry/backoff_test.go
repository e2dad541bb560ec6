package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func fastBackoff(attempts int) *Backoff {
	return &Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   1.5,
		MaxAttempts:  attempts,
	}
}

func TestBackoff_SuccessAfterRetries(t *testing.T) {
	calls := 0
	err := fastBackoff(10).Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestBackoff_PermanentError(t *testing.T) {
	inner := errors.New("session rejected")
	calls := 0
	err := DefaultBackoff().Do(context.Background(), func(int) error {
		calls++
		return Permanent(inner)
	})
	if err != inner {
		t.Errorf("expected the inner error unwrapped, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if !IsPermanent(fmt.Errorf("ctx: %w", Permanent(inner))) {
		t.Error("wrapped permanent error not recognised")
	}
}

func TestBackoff_GivesUp(t *testing.T) {
	calls := 0
	last := errors.New("refused")
	err := fastBackoff(3).Do(context.Background(), func(int) error {
		calls++
		return last
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !errors.Is(err, last) || !strings.Contains(err.Error(), "3 attempts") {
		t.Errorf("got %v", err)
	}
}

func TestBackoff_SingleAttemptReturnsErrorAsIs(t *testing.T) {
	last := errors.New("refused")
	if err := fastBackoff(1).Do(context.Background(), func(int) error { return last }); err != last {
		t.Errorf("got %v", err)
	}
}

func TestBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backoff{InitialDelay: time.Hour, MaxAttempts: 0}

	errc := make(chan error, 1)
	go func() {
		errc <- b.Do(ctx, func(int) error { return errors.New("down") })
	}()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) || !strings.Contains(err.Error(), "down") {
			t.Errorf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestBackoff_OnRetryAndGrowth(t *testing.T) {
	var waits []time.Duration
	b := &Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  5,
		OnRetry: func(_ int, _ error, wait time.Duration) {
			waits = append(waits, wait)
		},
	}
	b.Do(context.Background(), func(int) error { return errors.New("x") }) //nolint:errcheck

	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v", waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestAddJitter_Bounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 1000; i++ {
		j := addJitter(d)
		if j < 75*time.Millisecond || j > 125*time.Millisecond {
			t.Fatalf("jitter %v outside ±25%% of %v", j, d)
		}
	}
	if addJitter(0) < time.Millisecond {
		t.Error("jitter below floor")
	}
}
