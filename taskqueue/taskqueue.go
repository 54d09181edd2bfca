package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

type (
	// Task is a unit of async work. Tasks receive the queue's context, which
	// cancels on Close; a task that should be interruptible must observe it.
	Task[T any] func(ctx context.Context) (T, error)

	// Result models a scheduled task. The Wait method should be used to
	// access the task's outcome.
	Result[T any] struct {
		value T
		err   error
		done  chan struct{}
	}

	// submission pairs a task with its result, plus scheduling metadata.
	submission[T any] struct {
		task     Task[T]
		result   *Result[T]
		priority int
	}

	// taskBuffer abstracts the pending-task ordering policy, allowing the
	// FIFO and priority variants to share the same control loop. Only the
	// control loop goroutine touches it.
	taskBuffer[T any] interface {
		push(sub *submission[T])
		pop() *submission[T]
		len() int
	}

	// queueCore is the control loop shared by Queue, PriorityQueue, and
	// RateLimited. Tasks are handed to the loop via submitCh; the loop owns
	// the buffer, the pause flag, and all dispatch decisions.
	queueCore[T any] struct {
		concurrency int
		limiter     *catrate.Limiter // non-nil only for RateLimited
		logger      *logiface.Logger[logiface.Event]
		buf         taskBuffer[T]
		ctx         context.Context
		cancel      context.CancelFunc
		done        chan struct{}
		stopped     chan struct{}
		stopOnce    sync.Once
		submitCh    chan *submission[T]
		settleCh    chan struct{}
		pauseCh     chan bool
		clearCh     chan chan int
		queued      atomic.Int64
		running     atomic.Int64
	}

	// rateCategory is the single catrate category used by RateLimited.
	rateCategory struct{}
)

// Wait blocks until the task settles, returning its value or error. An error
// will be returned early if ctx is canceled; the task itself is unaffected.
func (x *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()

	case <-x.done:
		return x.value, x.err
	}
}

func newQueueCore[T any](concurrency int, buf taskBuffer[T], limiter *catrate.Limiter, logger *logiface.Logger[logiface.Event]) *queueCore[T] {
	core := queueCore[T]{
		concurrency: concurrency,
		limiter:     limiter,
		logger:      logger,
		buf:         buf,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		submitCh:    make(chan *submission[T]),
		settleCh:    make(chan struct{}, concurrency),
		pauseCh:     make(chan bool),
		clearCh:     make(chan chan int),
	}

	core.ctx, core.cancel = context.WithCancel(context.Background())

	go core.run()

	return &core
}

func (x *queueCore[T]) submit(ctx context.Context, task Task[T], priority int) (*Result[T], error) {
	if task == nil {
		panic(`taskqueue: nil task`)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if x.ctx.Err() != nil {
		return nil, ErrQueueClosed
	}

	sub := submission[T]{
		task:     task,
		result:   &Result[T]{done: make(chan struct{})},
		priority: priority,
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-x.ctx.Done():
		return nil, ErrQueueClosed

	case <-x.stopped:
		return nil, ErrQueueClosed

	case x.submitCh <- &sub:
		return sub.result, nil
	}
}

// run is the control loop. All buffer and pause state is confined to it.
func (x *queueCore[T]) run() {
	defer close(x.done)
	defer x.cancel()

	var (
		wg        sync.WaitGroup
		paused    bool
		draining  bool
		stoppedCh = x.stopped
		rateCh    <-chan time.Time
		rateTimer *time.Timer
	)
	defer func() {
		if rateTimer != nil {
			rateTimer.Stop()
		}
	}()

	dispatch := func() {
		for !paused && x.buf.len() != 0 && int(x.running.Load()) < x.concurrency {
			if x.limiter != nil {
				if rateCh != nil {
					return // already waiting out the rate limit
				}
				if next, ok := x.limiter.Allow(rateCategory{}); !ok {
					if rateTimer == nil {
						rateTimer = time.NewTimer(time.Until(next))
					} else {
						rateTimer.Reset(time.Until(next))
					}
					rateCh = rateTimer.C
					return
				}
			}

			sub := x.buf.pop()
			x.queued.Add(-1)
			x.running.Add(1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				x.execute(sub)
				// never blocks: running is only decremented when the loop
				// consumes this, so backlog <= concurrency == capacity
				x.settleCh <- struct{}{}
			}()
		}
	}

	for {
		if draining && x.buf.len() == 0 && x.running.Load() == 0 {
			return
		}

		select {
		case <-x.ctx.Done():
			x.failPending(ErrQueueClosed)
			wg.Wait()
			return

		case <-stoppedCh:
			// no more tasks coming, drain then exit
			stoppedCh = nil
			draining = true

		case sub := <-x.submitCh:
			x.buf.push(sub)
			x.queued.Add(1)
			dispatch()

		case <-x.settleCh:
			x.running.Add(-1)
			dispatch()

		case paused = <-x.pauseCh:
			if !paused {
				dispatch()
			}

		case replyCh := <-x.clearCh:
			replyCh <- x.failPending(ErrTaskCleared)

		case <-rateCh:
			rateCh = nil
			dispatch()
		}
	}
}

// execute runs the task, converting panics to errors, so waiters are never
// abandoned.
func (x *queueCore[T]) execute(sub *submission[T]) {
	defer close(sub.result.done)
	defer func() {
		if r := recover(); r != nil {
			sub.result.err = fmt.Errorf(`taskqueue: panic in task: %v`, r)
			x.logger.Warning().
				Str(`panic`, fmt.Sprint(r)).
				Log(`taskqueue: recovered panic in task`)
		}
	}()
	sub.result.value, sub.result.err = sub.task(x.ctx)
}

// failPending drops all queued-not-started tasks, failing their results
// with err, and returns how many were dropped.
func (x *queueCore[T]) failPending(err error) (count int) {
	for x.buf.len() != 0 {
		sub := x.buf.pop()
		sub.result.err = err
		close(sub.result.done)
		count++
	}
	x.queued.Add(int64(-count))
	return count
}

func (x *queueCore[T]) setPaused(paused bool) {
	select {
	case x.pauseCh <- paused:
	case <-x.done:
	}
}

func (x *queueCore[T]) clear() int {
	replyCh := make(chan int, 1)
	select {
	case x.clearCh <- replyCh:
		return <-replyCh
	case <-x.done:
		return 0
	}
}

func (x *queueCore[T]) stop() {
	x.stopOnce.Do(func() {
		close(x.stopped)
	})
}

func (x *queueCore[T]) close() error {
	x.cancel()
	<-x.done
	return nil
}

func (x *queueCore[T]) shutdown(ctx context.Context) (err error) {
	x.stop()

	select {
	case <-ctx.Done():
		if x.ctx.Err() == nil {
			err = ctx.Err() // indicating we forcibly closed
		}
		x.cancel()
		<-x.done
	case <-x.done:
	}

	return err
}
