// Package retry runs an operation a bounded number of times with a delay
// between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy describes how an operation is retried.
//
// Attempts counts the total number of tries, so Attempts=1 means no retry.
// Delay is applied between attempts; with Backoff > 1 each subsequent delay
// is multiplied and capped at MaxDelay.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
	MaxDelay time.Duration

	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep replaces the timer wait (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay}
}

// Permanent marks err as non-retryable. Do returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// After suggests an explicit delay before the next attempt, overriding the
// policy delay (still capped by MaxDelay when set).
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	if d < 0 {
		d = 0
	}
	return afterError{err: err, after: d}
}

type afterError struct {
	err   error
	after time.Duration
}

func (e afterError) Error() string { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e afterError) Unwrap() error { return e.err }

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return zero, err
		}
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		var pe permanentError
		if errors.As(err, &pe) {
			return zero, pe.err
		}
		if attempt >= attempts {
			break
		}
		delay := p.delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if delay > 0 {
			if serr := sleep(ctx, delay); serr != nil {
				return zero, err
			}
		}
	}
	return zero, err
}

func (p Policy) delay(attempt int, err error) time.Duration {
	var ae afterError
	if errors.As(err, &ae) {
		return p.cap(ae.after)
	}
	d := p.Delay
	if p.Backoff > 1 {
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * p.Backoff)
			if p.MaxDelay > 0 && d > p.MaxDelay {
				break
			}
		}
	}
	return p.cap(d)
}

func (p Policy) cap(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func timerSleep(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
