package swr

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-asyncflow/dedup"
	"github.com/joeycumines/logiface"
)

type (
	// Fetcher loads the value for a key, e.g. a contract read or an HTTP
	// call. The cache has no knowledge of its semantics.
	Fetcher[V any] func(ctx context.Context, key string) (V, error)

	// Config models configuration, for New.
	//
	// Each cached entry passes through three phases: fresh (served with no
	// fetch), stale (served immediately, refreshed in the background), and
	// expired (a fresh fetch is awaited).
	Config struct {
		// StaleTime specifies how long after a fetch the value is considered
		// fresh. **Defaults to 30s, if 0.**
		StaleTime time.Duration

		// CacheTime specifies how long after a fetch the value may be served
		// at all. **Defaults to 5m, if 0.**
		//
		// WARNING: New will panic unless StaleTime < CacheTime, with both
		// positive.
		CacheTime time.Duration
	}

	// Cache is a stale-while-revalidate cache over a caller-supplied Fetcher.
	// Instances must be initialized using the New factory, and are safe for
	// concurrent use.
	Cache[V any] struct {
		fetcher   Fetcher[V]
		staleTime time.Duration
		cacheTime time.Duration
		logger    *logiface.Logger[logiface.Event]
		group     dedup.Group[V]
		entries   map[string]*entry[V]
		refreshes map[string]struct{} // keys with an active background revalidation
		mu        sync.Mutex
	}

	// entry models a cached value and its freshness windows, staleAt being
	// strictly earlier than expiresAt.
	entry[V any] struct {
		value     V
		staleAt   time.Time
		expiresAt time.Time
	}

	// Option configures a Cache instance.
	Option[V any] interface {
		applyCache(x *Cache[V])
	}

	optionImpl[V any] struct {
		applyCacheFunc func(x *Cache[V])
	}
)

// for testing purposes
var timeNow = time.Now

// WithLogger configures structured logging, used to surface background
// revalidation failures, which have no caller to propagate to. A nil logger
// disables logging, and is the default.
func WithLogger[V any](logger *logiface.Logger[logiface.Event]) Option[V] {
	return &optionImpl[V]{func(x *Cache[V]) {
		x.logger = logger
	}}
}

func (x *optionImpl[V]) applyCache(cache *Cache[V]) {
	x.applyCacheFunc(cache)
}

// New initializes a new Cache, using the provided Config and Fetcher. The
// provided config may be nil. A panic will occur if fetcher is nil, or
// invalid config is provided.
func New[V any](config *Config, fetcher Fetcher[V], options ...Option[V]) *Cache[V] {
	if fetcher == nil {
		panic(`swr: nil fetcher`)
	}

	cache := Cache[V]{
		fetcher:   fetcher,
		staleTime: time.Second * 30,
		cacheTime: time.Minute * 5,
		entries:   make(map[string]*entry[V]),
		refreshes: make(map[string]struct{}),
	}

	if config != nil {
		if config.StaleTime != 0 {
			cache.staleTime = config.StaleTime
		}
		if config.CacheTime != 0 {
			cache.cacheTime = config.CacheTime
		}
	}

	if cache.staleTime <= 0 || cache.staleTime >= cache.cacheTime {
		panic(`swr: stale time must be positive and less than cache time`)
	}

	for _, option := range options {
		if option != nil {
			option.applyCache(&cache)
		}
	}

	return &cache
}

// Get returns the value for key, fetching it if necessary.
//
// A fresh entry is returned with no fetch activity. A stale (but unexpired)
// entry is returned immediately, additionally triggering at most one
// background revalidation for the key. With no usable entry, Get joins any
// in-flight fetch for the key, starting one if necessary, and blocks on it.
//
// Errors are those of the fetcher, or ctx. A background revalidation failure
// is never surfaced via Get; the previously cached value continues to be
// served until it fully expires.
func (x *Cache[V]) Get(ctx context.Context, key string) (V, error) {
	if err := ctx.Err(); err != nil {
		var zero V
		return zero, err
	}

	now := timeNow()

	x.mu.Lock()
	if ent, ok := x.entries[key]; ok {
		if now.Before(ent.expiresAt) {
			value := ent.value
			if !now.Before(ent.staleAt) {
				x.revalidateLocked(key)
			}
			x.mu.Unlock()
			return value, nil
		}
		delete(x.entries, key)
	}
	x.mu.Unlock()

	return x.fetch(ctx, key)
}

// Set primes the cache with value under key, with freshness windows as
// though it had just been fetched, e.g. for optimistic updates.
func (x *Cache[V]) Set(key string, value V) {
	x.store(key, value)
}

// Invalidate removes cached state for key. It does not cancel an in-flight
// fetch or revalidation for the key, which completes and repopulates the
// cache with fresh windows.
func (x *Cache[V]) Invalidate(key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.entries, key)
}

// InvalidateAll removes all cached state, with the same caveats as
// Invalidate.
func (x *Cache[V]) InvalidateAll() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = make(map[string]*entry[V])
}

// Len returns the number of cached entries, expired or not.
func (x *Cache[V]) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.entries)
}

// fetch runs the fetcher through the dedup group, storing on success.
func (x *Cache[V]) fetch(ctx context.Context, key string) (V, error) {
	return x.group.Do(ctx, key, func(ctx context.Context) (V, error) {
		value, err := x.fetcher(ctx, key)
		if err != nil {
			return value, err
		}
		x.store(key, value)
		return value, nil
	})
}

// revalidateLocked triggers a background refresh of key, unless one is
// already active. The refresh shares the dedup group with foreground
// fetches, so a cache-miss storm and a revalidation can never double up.
func (x *Cache[V]) revalidateLocked(key string) {
	if _, ok := x.refreshes[key]; ok {
		return
	}
	x.refreshes[key] = struct{}{}

	go func() {
		defer func() {
			x.mu.Lock()
			delete(x.refreshes, key)
			x.mu.Unlock()
		}()

		if _, err := x.fetch(context.Background(), key); err != nil {
			x.logger.Err().
				Err(err).
				Str(`key`, key).
				Log(`swr: background revalidation failed`)
		}
	}()
}

func (x *Cache[V]) store(key string, value V) {
	now := timeNow()
	ent := entry[V]{
		value:     value,
		staleAt:   now.Add(x.staleTime),
		expiresAt: now.Add(x.cacheTime),
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[key] = &ent
}
