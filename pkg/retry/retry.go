// Package retry centralizes the retry policy shared by every venue adapter:
// bounded attempts, exponential backoff, and a retryable-error predicate.
package retry

import (
	"context"
	"time"
)

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable reports whether err is worth another attempt.
	// Nil means no error is retryable.
	Retryable func(error) bool
}

// DefaultPolicy matches the engine's venue submission contract:
// 3 attempts with 1s/2s backoff between them, capped at a minute.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Retryable:   retryable,
	}
}

// Backoff returns the delay before the given retry (0-based).
// Logic: BaseDelay * 2^attempt, capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		return p.BaseDelay
	}
	// 2^30 already exceeds any sane MaxDelay.
	if attempt > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping Backoff(i) between attempts.
// It stops early on success, on a non-retryable error, or when ctx is done.
// attempts reports how many times fn ran.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) (attempts int, err error) {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	for i := 0; i < max; i++ {
		attempts++
		err = fn(i)
		if err == nil {
			return attempts, nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return attempts, err
		}
		if i == max-1 {
			break
		}
		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-time.After(p.Backoff(i)):
		}
	}
	return attempts, err
}
