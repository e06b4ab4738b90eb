// Package retry runs operations with a bounded number of attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
)

var (
	// ErrAttemptsExhausted wraps the last error once every attempt failed.
	ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

	// ErrTimeout is returned by Until when the condition never held.
	// It also matches context.DeadlineExceeded, so errdefs.IsDeadlineExceeded
	// holds for it.
	ErrTimeout = fmt.Errorf("retry: timed out: %w", context.DeadlineExceeded)
)

// Policy bounds a retried operation.
type Policy struct {
	// MaxAttempts includes the first call. Zero means one attempt.
	MaxAttempts int
	// Delay returns the pause after the given failed attempt (1-based).
	Delay func(attempt int) time.Duration
	// Retryable reports whether err is worth another attempt.
	// A nil Retryable retries every error.
	Retryable func(err error) bool
	// Name shows up in log entries.
	Name string
}

// Constant waits d between attempts.
func Constant(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Linear waits step multiplied by the attempt number.
func Linear(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration { return step * time.Duration(attempt) }
}

type exhaustedError struct {
	attempts int
	last     error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrAttemptsExhausted, e.attempts, e.last)
}

func (e *exhaustedError) Unwrap() []error {
	return []error{ErrAttemptsExhausted, e.last}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts. In the last case the returned error
// matches both ErrAttemptsExhausted and the last error from fn.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	maxAttempts := max(p.MaxAttempts, 1)
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt >= maxAttempts {
			if maxAttempts == 1 {
				return err
			}
			return &exhaustedError{attempts: attempt, last: err}
		}
		var delay time.Duration
		if p.Delay != nil {
			delay = p.Delay(attempt)
		}
		log.G(ctx).WithFields(log.Fields{
			"op":      p.Name,
			"attempt": attempt,
			"delay":   delay,
		}).WithError(err).Debug("retrying")
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Until polls cond every interval until it returns true, returns an
// error, or timeout elapses. Errors from cond stop the polling.
func Until(ctx context.Context, interval, timeout time.Duration, cond func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("condition not met within %s: %w", timeout, ErrTimeout)
		}
		if err := sleep(ctx, min(interval, remaining)); err != nil {
			return err
		}
	}
}

// Poll calls probe every interval until it returns nil. Probe errors
// are treated as transient; when timeout elapses they collapse into one
// error wrapping ErrTimeout and the last probe error.
func Poll(ctx context.Context, interval, timeout time.Duration, probe func(ctx context.Context) error) error {
	var last error
	err := Until(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		last = probe(ctx)
		return last == nil, nil
	})
	if errors.Is(err, ErrTimeout) && last != nil {
		return fmt.Errorf("%w: last error: %w", err, last)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
