package taskqueue

import (
	"context"

	"github.com/joeycumines/logiface"
)

type (
	// Config models optional configuration, for NewQueue and
	// NewPriorityQueue.
	Config struct {
		// Concurrency restricts the number of tasks running at once, if
		// positive. **Defaults to 1, if 0, or Config is nil.**
		Concurrency int

		// Logger specifies an optional structured logger, used to surface
		// recovered task panics. A nil logger disables logging.
		Logger *logiface.Logger[logiface.Event]
	}

	// Queue runs tasks with bounded concurrency, starting them in FIFO
	// arrival order. Instances must be initialized using the NewQueue
	// factory.
	//
	// The Close method and/or Shutdown method should be called when the
	// Queue is no longer needed.
	Queue[T any] struct {
		core *queueCore[T]
	}

	// fifoBuffer starts tasks strictly in arrival order.
	fifoBuffer[T any] struct {
		subs []*submission[T]
	}
)

// NewQueue initializes a new Queue, using the provided Config, which may be
// nil.
func NewQueue[T any](config *Config) *Queue[T] {
	concurrency := 1
	var logger *logiface.Logger[logiface.Event]
	if config != nil {
		if config.Concurrency > 0 {
			concurrency = config.Concurrency
		}
		logger = config.Logger
	}

	return &Queue[T]{core: newQueueCore[T](concurrency, &fifoBuffer[T]{}, nil, logger)}
}

// Add schedules a task, returning an error if ctx is canceled, or the queue
// is closed or stopped. Among tasks that are ready, starts occur in the
// order added, bounded by the configured concurrency.
//
// The Result.Wait method should be used to wait for the task's outcome.
func (x *Queue[T]) Add(ctx context.Context, task Task[T]) (*Result[T], error) {
	return x.core.submit(ctx, task, 0)
}

// Pause stops new tasks from starting. Tasks already running are unaffected,
// and tasks may still be added.
func (x *Queue[T]) Pause() { x.core.setPaused(true) }

// Resume reverses Pause, immediately starting queued tasks as concurrency
// allows.
func (x *Queue[T]) Resume() { x.core.setPaused(false) }

// Clear drops all queued-not-started tasks, failing their results with
// ErrTaskCleared, and returns how many were dropped. Running tasks are
// unaffected. Clearing an empty queue is a no-op.
func (x *Queue[T]) Clear() int { return x.core.clear() }

// Len returns the number of tasks queued but not yet started.
func (x *Queue[T]) Len() int { return int(x.core.queued.Load()) }

// Running returns the number of tasks currently running.
func (x *Queue[T]) Running() int { return int(x.core.running.Load()) }

// Close immediately fails all queued tasks and cancels the queue context,
// then waits for running tasks to return.
//
// This method is unsafe to call from within a task.
func (x *Queue[T]) Close() error { return x.core.close() }

// Shutdown will immediately prevent further tasks via Add, then wait for all
// already running or queued tasks to complete. An error will be returned if
// ctx is canceled prior to this, causing a forced Close. A paused queue does
// not drain until resumed.
//
// This method is unsafe to call from within a task.
func (x *Queue[T]) Shutdown(ctx context.Context) error { return x.core.shutdown(ctx) }

func (x *fifoBuffer[T]) push(sub *submission[T]) {
	x.subs = append(x.subs, sub)
}

func (x *fifoBuffer[T]) pop() *submission[T] {
	if len(x.subs) == 0 {
		return nil
	}
	sub := x.subs[0]
	x.subs[0] = nil
	x.subs = x.subs[1:]
	if len(x.subs) == 0 {
		x.subs = nil // release the backing array
	}
	return sub
}

func (x *fifoBuffer[T]) len() int {
	return len(x.subs)
}
