package dedup

import (
	"context"
	"fmt"
	"sync"
)

type (
	// Group deduplicates in-flight calls by key. The zero value is ready for
	// use, and instances are safe for concurrent use.
	//
	// For any given key, at most one call is outstanding at a time, and all
	// concurrent callers for that key observe the same outcome, be it a value
	// or an error. On settle, the key is released, so the next call starts a
	// fresh attempt.
	Group[V any] struct {
		flights map[string]*flight[V]
		mu      sync.Mutex
	}

	// Outcome models the settled result of a deduplicated call.
	Outcome[V any] struct {
		Value V
		Err   error
	}

	// flight models one in-flight call, shared by all its waiters.
	// The value and err fields may only be accessed after done is closed.
	flight[V any] struct {
		done  chan struct{}
		value V
		err   error
	}
)

// Do executes fn under key, unless a call for key is already in flight, in
// which case it waits for that call instead, without invoking fn. The call
// runs detached, on its own goroutine: if ctx cancels, Do stops waiting and
// returns ctx.Err(), but the call continues for any other waiters.
//
// A panic in fn is recovered, and propagated to all waiters as an error.
//
// Providing a nil fn will cause a panic.
func (x *Group[V]) Do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (V, error) {
	if fn == nil {
		panic(`dedup: nil function`)
	}

	if err := ctx.Err(); err != nil {
		var zero V
		return zero, err
	}

	f := x.start(ctx, key, fn)

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()

	case <-f.done:
		return f.value, f.err
	}
}

// DoChan behaves like Do, but returns a channel that will receive the
// outcome once the call settles. The channel is buffered, and will receive
// exactly one value; it is not affected by ctx, which only scopes values
// carried by the call's context.
func (x *Group[V]) DoChan(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) <-chan Outcome[V] {
	if fn == nil {
		panic(`dedup: nil function`)
	}

	f := x.start(ctx, key, fn)

	ch := make(chan Outcome[V], 1)
	go func() {
		<-f.done
		ch <- Outcome[V]{Value: f.value, Err: f.err}
	}()

	return ch
}

// Forget drops the in-flight entry for key, if any, so the next call for key
// starts a fresh attempt. An already-running call is not interrupted, and
// still settles for its existing waiters.
func (x *Group[V]) Forget(key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.flights, key)
}

// Len returns the number of keys with an in-flight call.
func (x *Group[V]) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.flights)
}

// start joins the in-flight call for key, or begins a new one.
func (x *Group[V]) start(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) *flight[V] {
	x.mu.Lock()
	defer x.mu.Unlock()

	if f, ok := x.flights[key]; ok {
		return f
	}

	f := &flight[V]{done: make(chan struct{})}
	if x.flights == nil {
		x.flights = make(map[string]*flight[V])
	}
	x.flights[key] = f

	// detached from the initiating caller, retaining only its values
	callCtx := context.WithoutCancel(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf(`dedup: panic in deduplicated call: %v`, r)
			}

			// release the key prior to waking waiters, so re-issued calls
			// always start fresh
			x.mu.Lock()
			if x.flights[key] == f {
				delete(x.flights, key)
			}
			x.mu.Unlock()

			close(f.done)
		}()

		f.value, f.err = fn(callCtx)
	}()

	return f
}
