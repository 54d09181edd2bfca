package taskqueue

import (
	"context"

	"github.com/joeycumines/logiface"
	"golang.org/x/exp/slices"
)

type (
	// PriorityQueue behaves like Queue, except that task selection picks the
	// highest-priority non-empty bucket first, FIFO within each bucket.
	// Instances must be initialized using the NewPriorityQueue factory.
	//
	// The Close method and/or Shutdown method should be called when the
	// PriorityQueue is no longer needed.
	PriorityQueue[T any] struct {
		core *queueCore[T]
	}

	// priorityBuffer maintains FIFO buckets keyed by priority, with bucket
	// keys kept in ascending order, so the highest priority is always at
	// the end.
	priorityBuffer[T any] struct {
		buckets map[int][]*submission[T]
		order   []int
		size    int
	}
)

// NewPriorityQueue initializes a new PriorityQueue, using the provided
// Config, which may be nil.
func NewPriorityQueue[T any](config *Config) *PriorityQueue[T] {
	concurrency := 1
	var logger *logiface.Logger[logiface.Event]
	if config != nil {
		if config.Concurrency > 0 {
			concurrency = config.Concurrency
		}
		logger = config.Logger
	}

	return &PriorityQueue[T]{core: newQueueCore[T](concurrency, &priorityBuffer[T]{
		buckets: make(map[int][]*submission[T]),
	}, nil, logger)}
}

// Add schedules a task with the given priority, returning an error if ctx is
// canceled, or the queue is closed or stopped. Higher numeric priorities
// start first; tasks sharing a priority start in the order added.
//
// The Result.Wait method should be used to wait for the task's outcome.
func (x *PriorityQueue[T]) Add(ctx context.Context, task Task[T], priority int) (*Result[T], error) {
	return x.core.submit(ctx, task, priority)
}

// Pause stops new tasks from starting. Tasks already running are unaffected,
// and tasks may still be added.
func (x *PriorityQueue[T]) Pause() { x.core.setPaused(true) }

// Resume reverses Pause, immediately starting queued tasks as concurrency
// allows.
func (x *PriorityQueue[T]) Resume() { x.core.setPaused(false) }

// Clear drops all queued-not-started tasks, failing their results with
// ErrTaskCleared, and returns how many were dropped.
func (x *PriorityQueue[T]) Clear() int { return x.core.clear() }

// Len returns the number of tasks queued but not yet started.
func (x *PriorityQueue[T]) Len() int { return int(x.core.queued.Load()) }

// Running returns the number of tasks currently running.
func (x *PriorityQueue[T]) Running() int { return int(x.core.running.Load()) }

// Close immediately fails all queued tasks and cancels the queue context,
// then waits for running tasks to return.
//
// This method is unsafe to call from within a task.
func (x *PriorityQueue[T]) Close() error { return x.core.close() }

// Shutdown will immediately prevent further tasks via Add, then wait for all
// already running or queued tasks to complete. An error will be returned if
// ctx is canceled prior to this, causing a forced Close.
//
// This method is unsafe to call from within a task.
func (x *PriorityQueue[T]) Shutdown(ctx context.Context) error { return x.core.shutdown(ctx) }

func (x *priorityBuffer[T]) push(sub *submission[T]) {
	if _, ok := x.buckets[sub.priority]; !ok {
		i, _ := slices.BinarySearch(x.order, sub.priority)
		x.order = slices.Insert(x.order, i, sub.priority)
	}
	x.buckets[sub.priority] = append(x.buckets[sub.priority], sub)
	x.size++
}

func (x *priorityBuffer[T]) pop() *submission[T] {
	if x.size == 0 {
		return nil
	}

	priority := x.order[len(x.order)-1]
	bucket := x.buckets[priority]
	sub := bucket[0]
	bucket[0] = nil
	bucket = bucket[1:]

	if len(bucket) == 0 {
		delete(x.buckets, priority)
		x.order = x.order[:len(x.order)-1]
	} else {
		x.buckets[priority] = bucket
	}

	x.size--
	return sub
}

func (x *priorityBuffer[T]) len() int {
	return x.size
}
