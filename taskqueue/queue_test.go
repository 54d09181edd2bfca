package taskqueue

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/stumpy"
)

func TestQueue_Add_concurrencyBound(t *testing.T) {
	queue := NewQueue[int](&Config{Concurrency: 2})
	defer queue.Close()

	var running, peak, completed int32
	results := make([]*Result[int], 5)
	for i := 0; i < len(results); i++ {
		result, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond * 100)
			atomic.AddInt32(&running, -1)
			return int(atomic.AddInt32(&completed, 1)), nil
		})
		if err != nil {
			t.Fatal(err)
		}
		results[i] = result
	}

	for i, result := range results {
		if _, err := result.Wait(context.Background()); err != nil {
			t.Errorf(`task %d: %v`, i, err)
		}
	}

	if n := atomic.LoadInt32(&completed); n != 5 {
		t.Error(n)
	}
	if n := atomic.LoadInt32(&peak); n > 2 {
		t.Errorf(`running count exceeded concurrency: %d`, n)
	}
}

func TestQueue_Add_fifoStartOrder(t *testing.T) {
	queue := NewQueue[int](nil) // concurrency 1
	defer queue.Close()

	var (
		order   []int
		blockCh = make(chan struct{})
	)

	// first task holds the single slot while the rest queue up behind it
	gate, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
		<-blockCh
		return 0, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	results := make([]*Result[int], 4)
	for i := 0; i < len(results); i++ {
		result, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
			order = append(order, i) // concurrency 1, so no race
			return i, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		results[i] = result
	}

	close(blockCh)
	if _, err := gate.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, result := range results {
		if _, err := result.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	for i, v := range order {
		if v != i {
			t.Fatalf(`tasks started out of order: %v`, order)
		}
	}
}

func TestQueue_PauseResume(t *testing.T) {
	queue := NewQueue[int](nil)
	defer queue.Close()

	queue.Pause()

	var started int32
	result, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
		atomic.AddInt32(&started, 1)
		return 42, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(time.Millisecond * 50)
	if n := atomic.LoadInt32(&started); n != 0 {
		t.Fatal(`task started while paused`)
	}
	if queue.Len() != 1 {
		t.Fatal(queue.Len())
	}

	queue.Resume()
	if v, err := result.Wait(context.Background()); err != nil || v != 42 {
		t.Fatal(v, err)
	}
}

func TestQueue_Pause_runningTaskUnaffected(t *testing.T) {
	queue := NewQueue[int](nil)
	defer queue.Close()

	started := make(chan struct{})
	blockCh := make(chan struct{})
	result, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
		close(started)
		<-blockCh
		return 1, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	<-started
	queue.Pause()
	close(blockCh)

	// pause stops new starts, not tasks already running
	if v, err := result.Wait(context.Background()); err != nil || v != 1 {
		t.Fatal(v, err)
	}
}

func TestQueue_Clear(t *testing.T) {
	queue := NewQueue[int](nil)
	defer queue.Close()

	queue.Pause()

	results := make([]*Result[int], 3)
	for i := 0; i < len(results); i++ {
		result, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
			panic(`should not run`)
		})
		if err != nil {
			t.Fatal(err)
		}
		results[i] = result
	}

	if n := queue.Clear(); n != 3 {
		t.Fatal(n)
	}
	if queue.Len() != 0 {
		t.Fatal(queue.Len())
	}

	for i, result := range results {
		if _, err := result.Wait(context.Background()); !errors.Is(err, ErrTaskCleared) {
			t.Errorf(`task %d: %v`, i, err)
		}
	}

	// clearing an empty queue is a no-op
	if n := queue.Clear(); n != 0 {
		t.Error(n)
	}
}

func TestQueue_Add_queueClosedGuarded(t *testing.T) {
	queue := NewQueue[int](nil)
	if err := queue.Close(); err != nil {
		t.Fatal(err)
	}
	if result, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
		panic(`should not be called`)
	}); !errors.Is(err, ErrQueueClosed) || result != nil {
		t.Fatal(result, err)
	}
}

func TestQueue_Add_ctxCancelGuarded(t *testing.T) {
	queue := NewQueue[int](nil)
	defer queue.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if result, err := queue.Add(ctx, func(ctx context.Context) (int, error) {
		panic(`should not be called`)
	}); err != context.Canceled || result != nil {
		t.Fatal(result, err)
	}
}

func TestQueue_Add_taskErrorPropagates(t *testing.T) {
	queue := NewQueue[int](nil)
	defer queue.Close()

	wantErr := errors.New(`task failed`)
	result, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := result.Wait(context.Background()); !errors.Is(err, wantErr) {
		t.Fatal(err)
	}
}

func TestQueue_Add_taskPanicIsRecoveredAndLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
	).Logger()

	queue := NewQueue[int](&Config{Logger: logger})
	defer queue.Close()

	result, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
		panic(`boom`)
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := result.Wait(context.Background()); err == nil || !strings.Contains(err.Error(), `boom`) {
		t.Fatal(err)
	}
	if s := buf.String(); !strings.Contains(s, `recovered panic in task`) || !strings.Contains(s, `boom`) {
		t.Error(s)
	}

	// the queue survives, and runs subsequent tasks
	result, err = queue.Add(context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if v, err := result.Wait(context.Background()); err != nil || v != 42 {
		t.Fatal(v, err)
	}
}

func TestQueue_Shutdown_drains(t *testing.T) {
	queue := NewQueue[int](nil)

	var completed int32
	results := make([]*Result[int], 3)
	for i := 0; i < len(results); i++ {
		result, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
			time.Sleep(time.Millisecond * 20)
			return int(atomic.AddInt32(&completed, 1)), nil
		})
		if err != nil {
			t.Fatal(err)
		}
		results[i] = result
	}

	if err := queue.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&completed); n != 3 {
		t.Error(n)
	}
	if _, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
		return 0, nil
	}); !errors.Is(err, ErrQueueClosed) {
		t.Error(err)
	}
}

func TestQueue_Close_failsQueuedTasks(t *testing.T) {
	queue := NewQueue[int](nil)

	started := make(chan struct{})
	blockCh := make(chan struct{})
	running, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
		close(started)
		<-blockCh
		return 0, ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	queued, err := queue.Add(context.Background(), func(ctx context.Context) (int, error) {
		panic(`should not run`)
	})
	if err != nil {
		t.Fatal(err)
	}

	closeDone := make(chan struct{})
	go func() {
		defer close(closeDone)
		_ = queue.Close()
	}()

	// the queued task fails; the running task is waited for, not interrupted
	if _, err := queued.Wait(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Error(err)
	}
	select {
	case <-closeDone:
		t.Fatal(`Close returned before the running task finished`)
	case <-time.After(time.Millisecond * 50):
	}

	close(blockCh)
	<-closeDone
	if _, err := running.Wait(context.Background()); err != context.Canceled {
		t.Error(err)
	}
}
