package swr

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/stumpy"
	"golang.org/x/sync/errgroup"
)

// fixes the cache's notion of now, returning a function to advance it
func mockTime(t *testing.T) func(d time.Duration) {
	t.Helper()
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	timeNow = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	t.Cleanup(func() { timeNow = time.Now })
	return func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
}

// syncBuffer guards concurrent writes from background goroutines.
type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second * 3)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(`condition not reached`)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew_invalidConfig(t *testing.T) {
	for _, tc := range [...]struct {
		name       string
		config     *Config
		nilFetcher bool
		wantPanic  bool
	}{
		{`nil config`, nil, false, false},
		{`valid config`, &Config{StaleTime: time.Second, CacheTime: time.Minute}, false, false},
		{`stale after cache`, &Config{StaleTime: time.Minute, CacheTime: time.Second}, false, true},
		{`stale equals cache`, &Config{StaleTime: time.Second, CacheTime: time.Second}, false, true},
		{`negative stale`, &Config{StaleTime: -1, CacheTime: time.Second}, false, true},
		{`nil fetcher`, nil, true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if r := recover(); (r != nil) != tc.wantPanic {
					t.Errorf(`panic = %v, wantPanic = %v`, r, tc.wantPanic)
				}
			}()
			fetcher := func(ctx context.Context, key string) (int, error) { return 0, nil }
			if tc.nilFetcher {
				fetcher = nil
			}
			New(tc.config, fetcher)
		})
	}
}

func TestCache_Get_freshnessWindow(t *testing.T) {
	advance := mockTime(t)

	var calls int32
	cache := New(&Config{
		StaleTime: time.Millisecond * 50,
		CacheTime: time.Millisecond * 200,
	}, func(ctx context.Context, key string) (int, error) {
		return int(atomic.AddInt32(&calls, 1)), nil
	})

	// t=0: miss, blocks on fetch #1
	if v, err := cache.Get(context.Background(), `k`); err != nil || v != 1 {
		t.Fatal(v, err)
	}

	// t=20: fresh, no fetch activity
	advance(time.Millisecond * 20)
	if v, err := cache.Get(context.Background(), `k`); err != nil || v != 1 {
		t.Fatal(v, err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatal(n)
	}

	// t=60: stale, served immediately, fetch #2 in the background
	advance(time.Millisecond * 40)
	if v, err := cache.Get(context.Background(), `k`); err != nil || v != 1 {
		t.Fatal(v, err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 2 })
	waitFor(t, func() bool {
		v, err := cache.Get(context.Background(), `k`)
		return err == nil && v == 2
	})

	// well past every expiry: blocks on fetch #3
	advance(time.Hour)
	if v, err := cache.Get(context.Background(), `k`); err != nil || v != 3 {
		t.Fatal(v, err)
	}
}

func TestCache_Get_staleTriggersSingleRevalidation(t *testing.T) {
	advance := mockTime(t)

	var (
		calls   int32
		blockCh = make(chan struct{})
	)
	cache := New(&Config{
		StaleTime: time.Millisecond * 50,
		CacheTime: time.Minute,
	}, func(ctx context.Context, key string) (int, error) {
		if n := atomic.AddInt32(&calls, 1); n > 1 {
			<-blockCh
			return int(n), nil
		}
		return 1, nil
	})

	if v, err := cache.Get(context.Background(), `k`); err != nil || v != 1 {
		t.Fatal(v, err)
	}

	advance(time.Millisecond * 100)

	// repeated stale reads serve the old value, and trigger at most one
	// background revalidation, which is still blocked
	for i := 0; i < 5; i++ {
		if v, err := cache.Get(context.Background(), `k`); err != nil || v != 1 {
			t.Fatal(v, err)
		}
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) >= 2 })
	time.Sleep(time.Millisecond * 50)
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf(`expected exactly one revalidation, calls = %d`, n)
	}

	close(blockCh)
	waitFor(t, func() bool {
		v, err := cache.Get(context.Background(), `k`)
		return err == nil && v == 2
	})
}

func TestCache_Get_missStormIsDeduplicated(t *testing.T) {
	var (
		calls   int32
		blockCh = make(chan struct{})
		ready   sync.WaitGroup
	)
	cache := New(&Config{
		StaleTime: time.Millisecond * 50,
		CacheTime: time.Minute,
	}, func(ctx context.Context, key string) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-blockCh
		return 42, nil
	})

	const numCallers = 8
	var eg errgroup.Group
	ready.Add(numCallers)
	for i := 0; i < numCallers; i++ {
		eg.Go(func() error {
			ready.Done()
			v, err := cache.Get(context.Background(), `k`)
			if err == nil && v != 42 {
				return errors.New(`unexpected value`)
			}
			return err
		})
	}

	ready.Wait()
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 })
	time.Sleep(time.Millisecond * 100)
	close(blockCh)

	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf(`expected exactly one fetch, got %d`, n)
	}
}

func TestCache_Get_fetchErrorPropagates(t *testing.T) {
	wantErr := errors.New(`fetch failed`)
	cache := New[int](nil, func(ctx context.Context, key string) (int, error) {
		return 0, wantErr
	})

	if _, err := cache.Get(context.Background(), `k`); !errors.Is(err, wantErr) {
		t.Fatal(err)
	}
	// errors are not cached
	if cache.Len() != 0 {
		t.Error(cache.Len())
	}
}

func TestCache_Get_backgroundFailureKeepsServingAndLogs(t *testing.T) {
	advance := mockTime(t)

	var (
		calls int32
		buf   syncBuffer
	)
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
	).Logger()

	cache := New(&Config{
		StaleTime: time.Millisecond * 50,
		CacheTime: time.Minute,
	}, func(ctx context.Context, key string) (int, error) {
		if atomic.AddInt32(&calls, 1) > 1 {
			return 0, errors.New(`upstream down`)
		}
		return 1, nil
	}, WithLogger[int](logger))

	if v, err := cache.Get(context.Background(), `k`); err != nil || v != 1 {
		t.Fatal(v, err)
	}

	advance(time.Millisecond * 100)
	if v, err := cache.Get(context.Background(), `k`); err != nil || v != 1 {
		t.Fatal(v, err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 2 })

	// the stale value continues to be served, and the failure was logged
	waitFor(t, func() bool {
		v, err := cache.Get(context.Background(), `k`)
		if err != nil || v != 1 {
			t.Fatal(v, err)
		}
		return strings.Contains(buf.String(), `background revalidation failed`)
	})
	if s := buf.String(); !strings.Contains(s, `upstream down`) || !strings.Contains(s, `"key":"k"`) {
		t.Error(s)
	}
}

func TestCache_Invalidate_inFlightRevalidationRepopulates(t *testing.T) {
	advance := mockTime(t)

	var (
		calls   int32
		blockCh = make(chan struct{})
	)
	cache := New(&Config{
		StaleTime: time.Millisecond * 50,
		CacheTime: time.Minute,
	}, func(ctx context.Context, key string) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		if n > 1 {
			<-blockCh
		}
		return int(n), nil
	})

	if v, err := cache.Get(context.Background(), `k`); err != nil || v != 1 {
		t.Fatal(v, err)
	}

	// trigger a background revalidation, then invalidate while it runs
	advance(time.Millisecond * 100)
	if v, err := cache.Get(context.Background(), `k`); err != nil || v != 1 {
		t.Fatal(v, err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 2 })
	cache.Invalidate(`k`)
	if cache.Len() != 0 {
		t.Fatal(cache.Len())
	}

	// the in-flight revalidation completes, and repopulates the cache
	close(blockCh)
	waitFor(t, func() bool { return cache.Len() == 1 })
	if v, err := cache.Get(context.Background(), `k`); err != nil || v != 2 {
		t.Fatal(v, err)
	}
}

func TestCache_Set_primesCache(t *testing.T) {
	var calls int32
	cache := New(&Config{
		StaleTime: time.Second,
		CacheTime: time.Minute,
	}, func(ctx context.Context, key string) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New(`should not be needed`)
	})

	cache.Set(`k`, 42)
	if v, err := cache.Get(context.Background(), `k`); err != nil || v != 42 {
		t.Fatal(v, err)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Error(n)
	}
}

func TestCache_InvalidateAll(t *testing.T) {
	cache := New[string](nil, func(ctx context.Context, key string) (string, error) {
		return key, nil
	})
	for _, key := range []string{`a`, `b`, `c`} {
		if _, err := cache.Get(context.Background(), key); err != nil {
			t.Fatal(err)
		}
	}
	if cache.Len() != 3 {
		t.Fatal(cache.Len())
	}
	cache.InvalidateAll()
	if cache.Len() != 0 {
		t.Error(cache.Len())
	}
}

func TestCache_Get_ctxCancelGuarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cache := New[int](nil, func(ctx context.Context, key string) (int, error) {
		panic(`should not be called`)
	})
	if v, err := cache.Get(ctx, `k`); err != context.Canceled || v != 0 {
		t.Fatal(v, err)
	}
}
