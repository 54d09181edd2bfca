package asyncstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/joeycumines/go-asyncflow/taskqueue"
	"github.com/joeycumines/logiface"
)

// Status represents the lifecycle state of a Machine.
//
// State Machine:
//
//	StatusIdle -> StatusLoading              [Execute]
//	StatusLoading -> StatusSuccess           [attempts succeeded, still current]
//	StatusLoading -> StatusError             [attempts exhausted, still current]
//	any -> StatusIdle                        [Reset]
//	any -> StatusSuccess / StatusError       [SetData / SetErr]
//
// A superseded execution commits nothing: its outcome is discarded at the
// generation check, leaving whatever state the newer execution produces.
type Status int32

const (
	// StatusIdle indicates no execution has committed since creation or the
	// last Reset.
	StatusIdle Status = iota
	// StatusLoading indicates the most recent execution is still in
	// progress.
	StatusLoading
	// StatusSuccess indicates the most recent execution committed a value.
	StatusSuccess
	// StatusError indicates the most recent execution committed an error.
	StatusError
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrSuperseded is returned by Execute when a newer execution started
	// before this one settled, discarding its outcome. It is never passed
	// to OnError.
	ErrSuperseded = errors.New(`asyncstate: execution superseded`)

	// ErrClosed is returned by Execute on a closed Machine.
	ErrClosed = errors.New(`asyncstate: machine closed`)
)

type (
	// Task is the unit of async work driven by a Machine.
	Task[T any] = taskqueue.Task[T]

	// State is a snapshot of a Machine. Outside StatusIdle and
	// StatusLoading, exactly one of Data and Err is meaningful. During
	// StatusLoading, Data retains its previous value, e.g. to keep
	// rendering the old data.
	State[T any] struct {
		Data   T
		Err    error
		Status Status
	}

	// Retry models retry behavior for Execute, mirroring
	// [taskqueue.RetryConfig], except disabled by default.
	Retry struct {
		// Count is the number of additional attempts after the first
		// failure. **Defaults to no retries, if <= 0.**
		Count int

		// Delay is the delay before the first retry.
		// **Defaults to 100ms, if 0, when Count is positive.**
		Delay time.Duration

		// Exponential doubles the delay for each subsequent retry. No
		// jitter is applied.
		Exponential bool
	}

	// Config models optional configuration, for NewMachine.
	Config[T any] struct {
		// InitialData seeds State.Data, and is restored by Reset.
		InitialData T

		// Retry configures retry-with-backoff for Execute.
		Retry Retry

		// AbortPrevious cancels the context of any outstanding execution
		// when a new one starts. Cancellation is cooperative; see the
		// package documentation.
		AbortPrevious bool

		// OnLoading is invoked after each transition to StatusLoading.
		OnLoading func()

		// OnSuccess is invoked after an execution commits StatusSuccess.
		// Superseded executions never invoke it.
		OnSuccess func(data T)

		// OnError is invoked after an execution commits StatusError.
		// Superseded executions and cancellation never invoke it.
		OnError func(err error)

		// OnReset is invoked after Reset.
		OnReset func()

		// Logger specifies an optional structured logger, used to surface
		// discarded (superseded) outcomes, at debug level. A nil logger
		// disables logging.
		Logger *logiface.Logger[logiface.Event]
	}

	// Machine tracks one logical async operation. Instances must be
	// initialized using the NewMachine factory, and are safe for concurrent
	// use.
	Machine[T any] struct {
		cfg     Config[T]
		retrier *taskqueue.Retrier
		state   State[T]
		gen     uint64
		cancel  context.CancelFunc // current execution, if any
		subs    []chan State[T]
		closed  bool
		mu      sync.Mutex
	}
)

// IsIdle returns true if the status is StatusIdle.
func (x State[T]) IsIdle() bool { return x.Status == StatusIdle }

// IsLoading returns true if the status is StatusLoading.
func (x State[T]) IsLoading() bool { return x.Status == StatusLoading }

// IsSuccess returns true if the status is StatusSuccess.
func (x State[T]) IsSuccess() bool { return x.Status == StatusSuccess }

// IsError returns true if the status is StatusError.
func (x State[T]) IsError() bool { return x.Status == StatusError }

// NewMachine initializes a new Machine, using the provided Config, which may
// be nil.
func NewMachine[T any](config *Config[T]) *Machine[T] {
	var machine Machine[T]

	if config != nil {
		machine.cfg = *config
	}

	machine.state = State[T]{Data: machine.cfg.InitialData, Status: StatusIdle}

	if machine.cfg.Retry.Count > 0 {
		machine.retrier = taskqueue.NewRetrier(&taskqueue.RetryConfig{
			MaxRetries: machine.cfg.Retry.Count,
			RetryDelay: machine.cfg.Retry.Delay,
			Backoff:    machine.cfg.Retry.Exponential,
		})
	}

	return &machine
}

// Execute drives one state-machine run: transition to StatusLoading, run fn
// (with retries, per Config.Retry), then commit StatusSuccess or StatusError
// along with the relevant callback, provided this run is still the most
// recent. A superseded run returns ErrSuperseded (or the cancellation error
// its fn observed), commits nothing, and invokes no terminal callback.
//
// With Config.AbortPrevious set, starting a run cancels the context of the
// previous outstanding run, if any.
//
// No timeout is imposed; layer one via ctx, if required.
//
// Providing a nil fn will cause a panic.
func (x *Machine[T]) Execute(ctx context.Context, fn Task[T]) (T, error) {
	if fn == nil {
		panic(`asyncstate: nil function`)
	}

	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return zero, ErrClosed
	}

	x.gen++
	gen := x.gen

	if x.cfg.AbortPrevious && x.cancel != nil {
		x.cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	x.cancel = cancel

	x.state = State[T]{Data: x.state.Data, Status: StatusLoading}
	x.notifyLocked()
	x.mu.Unlock()

	if x.cfg.OnLoading != nil {
		x.cfg.OnLoading()
	}

	value, err := taskqueue.Do(runCtx, x.retrier, fn)

	x.mu.Lock()
	if x.cancel != nil && gen == x.gen {
		x.cancel = nil
	}
	if x.closed || gen != x.gen {
		// superseded or owner gone: the outcome is discarded entirely
		x.mu.Unlock()
		x.cfg.Logger.Debug().
			Bool(`success`, err == nil).
			Log(`asyncstate: discarded superseded outcome`)
		if err != nil {
			return zero, err
		}
		return zero, ErrSuperseded
	}

	if err != nil {
		x.state = State[T]{Err: err, Status: StatusError}
		x.notifyLocked()
		x.mu.Unlock()
		if x.cfg.OnError != nil {
			x.cfg.OnError(err)
		}
		return zero, err
	}

	x.state = State[T]{Data: value, Status: StatusSuccess}
	x.notifyLocked()
	x.mu.Unlock()
	if x.cfg.OnSuccess != nil {
		x.cfg.OnSuccess(value)
	}
	return value, nil
}

// ExecuteAsync behaves like Execute, but returns immediately, with the
// outcome observable via State, Subscribe, and the configured callbacks.
func (x *Machine[T]) ExecuteAsync(ctx context.Context, fn Task[T]) {
	go func() {
		_, _ = x.Execute(ctx, fn)
	}()
}

// Reset cancels any outstanding execution (cooperatively), and returns to
// StatusIdle, with the originally-seeded data, invoking OnReset.
func (x *Machine[T]) Reset() {
	x.mu.Lock()
	x.gen++
	if x.cancel != nil {
		x.cancel()
		x.cancel = nil
	}
	x.state = State[T]{Data: x.cfg.InitialData, Status: StatusIdle}
	x.notifyLocked()
	x.mu.Unlock()

	if x.cfg.OnReset != nil {
		x.cfg.OnReset()
	}
}

// SetData injects data directly, committing StatusSuccess without an
// execution, e.g. for optimistic updates. Outstanding executions are
// superseded, so their outcomes cannot clobber the injected state.
func (x *Machine[T]) SetData(data T) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.gen++
	x.state = State[T]{Data: data, Status: StatusSuccess}
	x.notifyLocked()
}

// SetErr injects an error directly, committing StatusError without an
// execution. Outstanding executions are superseded. OnError is not invoked.
func (x *Machine[T]) SetErr(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.gen++
	x.state = State[T]{Err: err, Status: StatusError}
	x.notifyLocked()
}

// State returns a snapshot of the current state.
func (x *Machine[T]) State() State[T] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Subscribe registers a channel receiving state transitions. The channel has
// a single-slot buffer with latest-wins semantics: a slow receiver observes
// the newest state, not every intermediate one. The channel is closed by
// Close.
func (x *Machine[T]) Subscribe() <-chan State[T] {
	ch := make(chan State[T], 1)
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		close(ch)
		return ch
	}
	x.subs = append(x.subs, ch)
	return ch
}

// Close marks the machine's owner as gone: outstanding executions are
// cancelled (cooperatively), their outcomes discarded, subscriber channels
// closed, and subsequent Execute calls fail with ErrClosed.
func (x *Machine[T]) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.gen++
	if x.cancel != nil {
		x.cancel()
		x.cancel = nil
	}
	for _, ch := range x.subs {
		close(ch)
	}
	x.subs = nil
	return nil
}

// notifyLocked delivers the current state to subscribers, replacing any
// undelivered previous state.
func (x *Machine[T]) notifyLocked() {
	for _, ch := range x.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- x.state:
		default:
		}
	}
}
