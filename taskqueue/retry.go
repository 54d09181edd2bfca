package taskqueue

import (
	"context"
	"math"
	"time"
)

type (
	// RetryConfig models optional configuration, for NewRetrier.
	RetryConfig struct {
		// MaxRetries restricts the number of additional attempts after the
		// first failure, if positive. **Defaults to 3, if 0, or RetryConfig
		// is nil.** Setting this < 0 disables retries.
		MaxRetries int

		// RetryDelay specifies the delay before the first retry, if
		// positive. **Defaults to 100ms, if 0, or RetryConfig is nil.**
		// Setting this < 0 retries immediately.
		RetryDelay time.Duration

		// Backoff enables exponential backoff: the delay before retry i
		// (counting from zero) is RetryDelay * 2^i, rather than a constant
		// RetryDelay.
		//
		// No jitter is applied, in either mode.
		Backoff bool
	}

	// Retrier re-runs failing tasks with bounded attempts and optional
	// exponential backoff, see Do. A nil Retrier is valid, and performs a
	// single attempt.
	Retrier struct {
		maxRetries int
		retryDelay time.Duration
		backoff    bool
	}
)

// NewRetrier initializes a new Retrier, using the provided RetryConfig,
// which may be nil.
func NewRetrier(config *RetryConfig) *Retrier {
	retrier := Retrier{
		maxRetries: 3,
		retryDelay: time.Millisecond * 100,
	}

	if config != nil {
		if config.MaxRetries != 0 {
			retrier.maxRetries = max(config.MaxRetries, 0)
		}
		if config.RetryDelay != 0 {
			retrier.retryDelay = max(config.RetryDelay, 0)
		}
		retrier.backoff = config.Backoff
	}

	return &retrier
}

// Do runs task, retrying on failure up to the retrier's MaxRetries
// additional times, and returns the first successful value, or the error
// from the final failed attempt. Cancellation of ctx aborts between
// attempts (and during delays) with ctx.Err; a task already running is not
// interrupted, beyond observing ctx itself.
//
// Providing a nil task will cause a panic. A nil retrier performs a single
// attempt.
func Do[T any](ctx context.Context, retrier *Retrier, task Task[T]) (T, error) {
	if task == nil {
		panic(`taskqueue: nil task`)
	}

	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	attempts := 1
	if retrier != nil {
		attempts += retrier.maxRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(retrier.delay(i - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		value, err := task(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
	}

	return zero, lastErr
}

// delay returns the wait before retry i, counting from zero. Exponential
// backoff saturates at the maximum duration, rather than overflowing, leaving
// ctx as the way out of an absurdly long wait.
func (x *Retrier) delay(i int) time.Duration {
	if !x.backoff || x.retryDelay <= 0 {
		return x.retryDelay
	}
	if shift := uint(i); shift < 63 {
		if d := x.retryDelay << shift; d>>shift == x.retryDelay && d > 0 {
			return d
		}
	}
	return math.MaxInt64
}
