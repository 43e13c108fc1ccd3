package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// permanentError wraps an error that should not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error to signal that it should not be retried.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Backoff computes exponential delays: Base doubles on every attempt and is
// clamped to Cap. Jitter spreads each delay by up to ±Jitter (0.25 = ±25%)
// and the jittered value is clamped to Cap as well.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	// rand returns a value in [0, 1). Tests override it.
	rand func() float64
}

// DefaultBackoff doubles from one second up to thirty, with ±25% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 30 * time.Second, Jitter: 0.25}
}

// Raw returns the un-jittered delay for attempt (0-based). It is
// non-decreasing in attempt and never exceeds Cap.
func (b Backoff) Raw(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for range attempt {
		if b.Cap > 0 && d >= b.Cap {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}

// Delay returns the jittered delay for attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Raw(attempt)
	if b.Jitter <= 0 || d == 0 {
		return d
	}
	r := rand.Float64
	if b.rand != nil {
		r = b.rand
	}
	spread := (r()*2 - 1) * b.Jitter
	d = time.Duration(float64(d) * (1 + spread))
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}

type options struct {
	maxAttempts int
	backoff     Backoff
	retryable   func(error) bool
	onRetry     func(attempt int, err error, delay time.Duration)
}

// Option configures retry behavior.
type Option func(*options)

// WithMaxAttempts sets the maximum number of attempts (including first try).
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithBackoff sets the delay policy between attempts.
func WithBackoff(b Backoff) Option {
	return func(o *options) { o.backoff = b }
}

// WithRetryable restricts retries to errors for which fn returns true. Any
// other error is returned immediately.
func WithRetryable(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

// WithOnRetry registers a hook invoked before each sleep.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

func resolveOptions(opts []Option) options {
	o := options{
		maxAttempts: 3,
		backoff:     DefaultBackoff(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}
	return o
}

// Do executes fn, retrying on failure with exponential backoff.
// It stops retrying when fn returns nil, a permanent error, a non-retryable
// error, or the context is cancelled. Returns the last error on exhaustion.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	_, err := DoVal(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, opts...)
	return err
}

// DoVal is like Do but for functions that return a value and an error.
func DoVal[T any](ctx context.Context, fn func() (T, error), opts ...Option) (T, error) {
	o := resolveOptions(opts)

	var lastErr error
	var zero T
	for attempt := range o.maxAttempts {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		lastErr = err

		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return zero, pe.err
		}
		if o.retryable != nil && !o.retryable(lastErr) {
			return zero, lastErr
		}

		// Don't sleep after the last attempt.
		if attempt < o.maxAttempts-1 {
			delay := o.backoff.Delay(attempt)
			if o.onRetry != nil {
				o.onRetry(attempt+1, lastErr, delay)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, lastErr
			case <-timer.C:
			}
		}
	}
	return zero, lastErr
}
