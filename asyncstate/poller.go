package asyncstate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPollerStarted is returned by Start on a Poller that is already running.
var ErrPollerStarted = errors.New(`asyncstate: poller already started`)

type (
	// PollConfig models optional configuration, for NewPoller.
	PollConfig struct {
		// Interval is the time between polls. **Defaults to 1s, if 0, or
		// PollConfig is nil.**
		Interval time.Duration

		// RetryOnError continues polling after a failed poll. By default,
		// polling pauses while the machine reports StatusError, resuming
		// only if the state changes, e.g. via Reset or SetData.
		RetryOnError bool
	}

	// Poller repeatedly drives a Machine on an interval. A tick is skipped
	// while the previous execution is still loading, and after a failure
	// unless RetryOnError is enabled. Instances must be initialized using
	// the NewPoller factory.
	Poller[T any] struct {
		machine      *Machine[T]
		interval     time.Duration
		retryOnError bool
		cancel       context.CancelFunc
		done         chan struct{}
		mu           sync.Mutex
	}
)

// NewPoller initializes a new Poller, driving the provided Machine, using
// the provided PollConfig, which may be nil. A panic will occur if machine
// is nil.
func NewPoller[T any](machine *Machine[T], config *PollConfig) *Poller[T] {
	if machine == nil {
		panic(`asyncstate: nil machine`)
	}

	poller := Poller[T]{
		machine:  machine,
		interval: time.Second,
	}

	if config != nil {
		if config.Interval > 0 {
			poller.interval = config.Interval
		}
		poller.retryOnError = config.RetryOnError
	}

	return &poller
}

// Start begins polling fn, with an immediate first execution, then one per
// interval, subject to the skip rules. It returns without blocking, and
// fails with ErrPollerStarted if already running. Polling stops when ctx
// cancels, or on Stop.
//
// Providing a nil fn will cause a panic.
func (x *Poller[T]) Start(ctx context.Context, fn Task[T]) error {
	if fn == nil {
		panic(`asyncstate: nil function`)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.cancel != nil {
		return ErrPollerStarted
	}

	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	x.cancel = cancel
	x.done = done

	// done is captured here: Stop may nil the field before the goroutine runs
	go func() {
		defer close(done)
		x.run(pollCtx, fn)
	}()

	return nil
}

// Stop halts ticking, blocking until the polling loop exits. An execution
// already in flight is not aborted (cancellation is cooperative), but its
// outcome arrives through the machine as usual. Stop is a no-op if not
// running.
func (x *Poller[T]) Stop() {
	x.mu.Lock()
	cancel, done := x.cancel, x.done
	x.cancel = nil
	x.done = nil
	x.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (x *Poller[T]) run(ctx context.Context, fn Task[T]) {
	x.machine.ExecuteAsync(ctx, fn)

	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			switch state := x.machine.State(); {
			case state.IsLoading():
				// the previous poll is still running, skip this tick
			case state.IsError() && !x.retryOnError:
				// paused on error
			default:
				x.machine.ExecuteAsync(ctx, fn)
			}
		}
	}
}
