package taskqueue

import (
	"context"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

type (
	// RateLimitConfig models optional configuration, for NewRateLimited.
	RateLimitConfig struct {
		// RateLimit specifies the maximum number of task starts per second,
		// if positive. **Defaults to 1, if 0, or RateLimitConfig is nil.**
		RateLimit int

		// Interval specifies the minimum time between task starts, if
		// positive, taking precedence over RateLimit.
		Interval time.Duration

		// Logger specifies an optional structured logger, used to surface
		// recovered task panics. A nil logger disables logging.
		Logger *logiface.Logger[logiface.Event]
	}

	// RateLimited is a concurrency-1 task queue that additionally enforces a
	// minimum interval between consecutive task starts, a hard floor on
	// throughput regardless of task duration. Instances must be initialized
	// using the NewRateLimited factory.
	//
	// The Close method and/or Shutdown method should be called when the
	// RateLimited is no longer needed.
	RateLimited[T any] struct {
		core *queueCore[T]
	}
)

// NewRateLimited initializes a new RateLimited, using the provided
// RateLimitConfig, which may be nil.
func NewRateLimited[T any](config *RateLimitConfig) *RateLimited[T] {
	interval := time.Second
	var logger *logiface.Logger[logiface.Event]
	if config != nil {
		if config.RateLimit > 0 {
			interval = time.Second / time.Duration(config.RateLimit)
		}
		if config.Interval > 0 {
			interval = config.Interval
		}
		logger = config.Logger
	}

	// one start allowed per sliding window of the interval
	limiter := catrate.NewLimiter(map[time.Duration]int{interval: 1})

	return &RateLimited[T]{core: newQueueCore[T](1, &fifoBuffer[T]{}, limiter, logger)}
}

// Add schedules a task, returning an error if ctx is canceled, or the queue
// is closed or stopped. Tasks start in the order added, no closer together
// than the configured interval.
//
// The Result.Wait method should be used to wait for the task's outcome.
func (x *RateLimited[T]) Add(ctx context.Context, task Task[T]) (*Result[T], error) {
	return x.core.submit(ctx, task, 0)
}

// Pause stops new tasks from starting. The task already running, if any, is
// unaffected, and tasks may still be added.
func (x *RateLimited[T]) Pause() { x.core.setPaused(true) }

// Resume reverses Pause. The rate limit still applies to the next start.
func (x *RateLimited[T]) Resume() { x.core.setPaused(false) }

// Clear drops all queued-not-started tasks, failing their results with
// ErrTaskCleared, and returns how many were dropped.
func (x *RateLimited[T]) Clear() int { return x.core.clear() }

// Len returns the number of tasks queued but not yet started.
func (x *RateLimited[T]) Len() int { return int(x.core.queued.Load()) }

// Close immediately fails all queued tasks and cancels the queue context,
// then waits for the running task, if any, to return.
//
// This method is unsafe to call from within a task.
func (x *RateLimited[T]) Close() error { return x.core.close() }

// Shutdown will immediately prevent further tasks via Add, then wait for all
// already running or queued tasks to complete, still subject to the rate
// limit. An error will be returned if ctx is canceled prior to this, causing
// a forced Close.
//
// This method is unsafe to call from within a task.
func (x *RateLimited[T]) Shutdown(ctx context.Context) error { return x.core.shutdown(ctx) }
