package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// BatchConfig models optional configuration, for NewBatcher.
	BatchConfig struct {
		// MaxBatchSize restricts the maximum number of items per batch, if
		// positive. **Defaults to 16, if 0, or BatchConfig is nil.**
		//
		// WARNING: NewBatcher will panic if both MaxBatchSize and MaxWait
		// are disabled.
		MaxBatchSize int

		// MaxWait specifies the maximum duration between the first unflushed
		// item being added, and its batch being passed to the Processor, if
		// positive. **Defaults to 50ms, if 0, or BatchConfig is nil.**
		// If MaxBatchSize is specified, time-based flushing can be disabled,
		// by setting this < 0.
		//
		// WARNING: NewBatcher will panic if both MaxBatchSize and MaxWait
		// are disabled.
		MaxWait time.Duration

		// MaxConcurrency specifies the maximum number of concurrent
		// Processor calls, if positive. **Defaults to 1, if 0, or
		// BatchConfig is nil.**
		MaxConcurrency int
	}

	// Processor handles a flushed batch of items. Per-item results should be
	// communicated via the items themselves (e.g. item-held channels or
	// pointers); any returned error is propagated to every item's
	// BatchResult.Wait.
	Processor[T any] func(ctx context.Context, items []T) error

	// Batcher accumulates items, flushing them to a Processor when the batch
	// reaches MaxBatchSize, when MaxWait elapses since the first unflushed
	// item, or on an explicit Flush, whichever happens first. Instances must
	// be initialized using the NewBatcher factory.
	//
	// The Close method and/or Shutdown method should be called when the
	// Batcher is no longer needed.
	Batcher[T any] struct {
		processor      Processor[T]
		maxBatchSize   int
		maxWait        time.Duration
		maxConcurrency int
		ctx            context.Context
		cancel         context.CancelFunc
		done           chan struct{}
		stopped        chan struct{}
		stopOnce       sync.Once
		itemCh         chan T
		batchCh        chan *batchState[T]
		flushCh        chan struct{}
		state          *batchState[T]
	}

	// batchState models a pending batch / Processor invocation.
	batchState[T any] struct {
		err   error
		done  chan struct{}
		items []T
	}

	// BatchResult models a scheduled item. The Wait method should be called
	// prior to accessing any per-item output the Processor may have set.
	BatchResult[T any] struct {
		// Item is the pending item, for convenience.
		//
		// WARNING: It may be accessed concurrently by the Processor, until
		// Wait indicates completion.
		Item T

		batch *batchState[T]
	}
)

// NewBatcher initializes a new Batcher, using the provided BatchConfig and
// Processor. The provided config may be nil. A panic will occur if processor
// is nil, or invalid config is provided.
//
// The Close method and/or Shutdown method should be called when the Batcher
// is no longer needed.
func NewBatcher[T any](config *BatchConfig, processor Processor[T]) *Batcher[T] {
	if processor == nil {
		panic(`taskqueue: nil processor`)
	}

	batcher := Batcher[T]{
		processor:      processor,
		maxBatchSize:   16,
		maxWait:        time.Millisecond * 50,
		maxConcurrency: 1,
		state:          newBatchState[T](),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		itemCh:         make(chan T),
		batchCh:        make(chan *batchState[T]),
		flushCh:        make(chan struct{}),
	}

	if config != nil {
		if config.MaxBatchSize != 0 {
			batcher.maxBatchSize = config.MaxBatchSize
		}
		if config.MaxWait != 0 {
			batcher.maxWait = config.MaxWait
		}
		if config.MaxConcurrency != 0 {
			batcher.maxConcurrency = config.MaxConcurrency
		}
	}

	if batcher.maxBatchSize <= 0 && batcher.maxWait <= 0 {
		panic(`taskqueue: one of MaxBatchSize or MaxWait must be specified`)
	}

	batcher.ctx, batcher.cancel = context.WithCancel(context.Background())

	go batcher.run()

	return &batcher
}

// Add schedules an item for processing, returning an error if ctx is
// canceled, or the Batcher is stopped.
//
// The BatchResult.Wait method should be used to wait for the item's batch to
// complete, after which any per-item result(s) may be accessed.
func (x *Batcher[T]) Add(ctx context.Context, item T) (*BatchResult[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if x.ctx.Err() != nil {
		return nil, ErrQueueClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-x.ctx.Done():
		return nil, ErrQueueClosed

	case <-x.stopped:
		return nil, ErrQueueClosed

	case x.itemCh <- item: // ping
		batch := <-x.batchCh // pong
		return &BatchResult[T]{Item: item, batch: batch}, nil
	}
}

// Flush forces the pending batch, if any, to be passed to the Processor,
// without waiting for it to complete. Flushing an empty batch is a no-op,
// and never an error.
func (x *Batcher[T]) Flush() {
	select {
	case x.flushCh <- struct{}{}:
	case <-x.done:
	}
}

// Close immediately cancels all batches, and prevents further items via Add,
// blocking until the Batcher has finished closing.
//
// This method is unsafe to call from within the Processor.
func (x *Batcher[T]) Close() error {
	x.cancel()
	<-x.done
	return nil
}

// Shutdown will immediately prevent further items via Add, flush the pending
// batch, then wait for all batches to complete. An error will be returned if
// ctx is canceled prior to this, causing a forced Close.
//
// This method is unsafe to call from within the Processor.
func (x *Batcher[T]) Shutdown(ctx context.Context) (err error) {
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

func (x *Batcher[T]) stop() {
	x.stopOnce.Do(func() {
		close(x.stopped)
	})
}

func (x *Batcher[T]) run() {
	defer close(x.done)
	defer x.cancel()

	var wg sync.WaitGroup
	wg.Add(1) // decremented on exit

	runningBatchCh := make(chan struct{}, x.maxConcurrency)

	// runs the pending batch, blocking on max concurrency limiting
	runBatch := func() {
		if len(x.state.items) == 0 {
			return
		}

		batch := x.state
		x.state = newBatchState[T]()

		wg.Add(1)
		runningBatchCh <- struct{}{} // may block at max concurrency; ctx is the way out, via the processor
		go func() {
			defer func() {
				<-runningBatchCh
				wg.Done()
			}()
			batch.run(x.ctx, x.processor)
		}()
	}

	// finalizes the pending batch, and waits for all batches; nils itself
	// so the deferred abnormal-exit path knows it already ran
	var wait func()
	wait = func() {
		wait = nil
		runBatch()
		wg.Done()
		wg.Wait()
	}

	defer func() {
		x.cancel()
		if wait != nil {
			// abnormal exit, the stopped case didn't get to drain
			wait()
		}
	}()

	// receives batches whose max wait has elapsed
	expiredCh := make(chan *batchState[T])

	for {
		select {
		case <-x.ctx.Done():
			return

		case <-x.stopped:
			// intake is closed, finalize and drain
			wait()
			return

		case item := <-x.itemCh: // ping
			x.batchCh <- x.state // pong

			x.state.items = append(x.state.items, item)

			if x.maxBatchSize > 0 && len(x.state.items) >= x.maxBatchSize {
				runBatch()
			} else if x.maxWait > 0 && len(x.state.items) == 1 {
				// first item -> start the timer for the time-based flush
				batch := x.state
				timer := time.NewTimer(x.maxWait)
				go func() {
					defer timer.Stop()
					select {
					case <-x.ctx.Done():
					case <-x.stopped:
					case <-batch.done:
					case <-timer.C:
						select {
						case <-x.ctx.Done():
						case <-x.stopped:
						case <-batch.done:
						case expiredCh <- batch:
						}
					}
				}()
			}

		case batch := <-expiredCh:
			if batch == x.state {
				runBatch()
			}

		case <-x.flushCh:
			runBatch()
		}
	}
}

func newBatchState[T any]() *batchState[T] {
	return &batchState[T]{done: make(chan struct{})}
}

func (x *batchState[T]) run(ctx context.Context, processor Processor[T]) {
	// scope the context to this one processor call
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	x.err = errors.New(`taskqueue: panic in processor`)
	defer close(x.done)

	x.err = processor(ctx, x.items)
}

// Wait for the item's batch to be processed. If the Processor failed with an
// error, that error will be returned.
func (x *BatchResult[T]) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()

	case <-x.batch.done:
		return x.batch.err
	}
}
