package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")
var errTerminal = errors.New("terminal")

func testPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	p := testPolicy()
	calls := 0
	attempts, err := p.Do(context.Background(), func(int) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("expected 3 attempts, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestDoStopsOnTerminalError(t *testing.T) {
	p := testPolicy()
	calls := 0
	attempts, err := p.Do(context.Background(), func(int) error {
		calls++
		return errTerminal
	})
	if !errors.Is(err, errTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("terminal errors must not be retried, attempts=%d", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := testPolicy()
	attempts, err := p.Do(context.Background(), func(int) error { return errTransient })
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestBackoffSchedule(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 60 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{10, 60 * time.Second}, // capped
		{-1, time.Second},
		{40, 60 * time.Second}, // shift overflow guard
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Fatalf("Backoff(%d)=%v, expected %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy(func(error) bool { return true })
	if p.MaxAttempts != 3 {
		t.Errorf("MaxAttempts=%d, expected 3", p.MaxAttempts)
	}
	if p.BaseDelay != time.Second || p.MaxDelay != 60*time.Second {
		t.Errorf("delays=%v/%v, expected 1s/60s", p.BaseDelay, p.MaxDelay)
	}
	if !p.Retryable(nil) {
		t.Error("predicate not carried through")
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Hour, // would block without cancellation
		Retryable:   func(error) bool { return true },
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Do(ctx, func(int) error { return errTransient })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
