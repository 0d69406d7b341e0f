// Package retry runs an operation a bounded number of times with a fixed
// pause between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how often and how patiently to retry.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	// OnRetry, when set, is called after every failed attempt that will be retried.
	OnRetry func(attempt int, err error)
	// NewTimer supplies the timer used between attempts. Tests replace it to
	// avoid real delays; nil uses the library's wall clock timer.
	NewTimer func() backoff.Timer
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the context ends
// or MaxAttempts is reached.
func (p Policy) Do(ctx context.Context, op Operation) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Backoff), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	permanent := false
	operation := func() error {
		attempt++
		err := op(ctx, attempt)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
	}

	var timer backoff.Timer
	if p.NewTimer != nil {
		timer = p.NewTimer()
	}
	err := backoff.RetryNotifyWithTimer(operation, b, notify, timer)
	if err == nil {
		return nil
	}
	if permanent || ctx.Err() != nil {
		return err
	}
	return &ExhaustedError{Attempts: attempt, Last: err}
}
