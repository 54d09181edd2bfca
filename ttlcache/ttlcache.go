package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

type (
	// Config models optional configuration, for New.
	Config struct {
		// TTL specifies how long entries remain valid after being set, if
		// positive. **Defaults to no expiry, if <= 0.**
		//
		// Expired entries behave as misses, and are purged as they are
		// encountered. There is no background sweep.
		TTL time.Duration

		// MaxSize bounds the number of entries, if positive.
		// **Defaults to unbounded, if <= 0.**
		//
		// At capacity, setting a new key first evicts the entry that was
		// least recently touched (by Get or Set).
		MaxSize int
	}

	// Cache is a string-keyed in-memory store with expiry and capacity-based
	// eviction. Instances must be initialized using the New factory, and are
	// safe for concurrent use.
	//
	// Misses are represented by the second return value of Get, never by
	// errors, so stored zero values remain distinguishable from absent keys.
	Cache[V any] struct {
		ttl     time.Duration
		maxSize int
		items   map[string]*list.Element
		order   *list.List // front is the most recently touched
		mu      sync.Mutex
	}

	// entry is the value stored in the recency list elements. The key is kept
	// here because eviction starts from list nodes.
	entry[V any] struct {
		key       string
		value     V
		expiresAt time.Time // zero means no expiry
	}

	// Entry is a point-in-time copy of a cached entry, see Cache.Entries.
	Entry[V any] struct {
		Key       string
		Value     V
		ExpiresAt time.Time
	}
)

// for testing purposes
var timeNow = time.Now

// New initializes a new Cache, using the provided Config, which may be nil.
func New[V any](config *Config) *Cache[V] {
	cache := Cache[V]{
		items: make(map[string]*list.Element),
		order: list.New(),
	}

	if config != nil {
		cache.ttl = config.TTL
		cache.maxSize = config.MaxSize
	}

	return &cache
}

// Get returns the value stored under key, and true, if present and not
// expired. A successful Get counts as a recency touch. An expired entry is
// purged, and behaves as a miss.
func (x *Cache[V]) Get(key string) (V, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	element, ok := x.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	ent := element.Value.(*entry[V])
	if ent.expired(timeNow()) {
		x.removeLocked(element)
		var zero V
		return zero, false
	}

	x.order.MoveToFront(element)

	return ent.value, true
}

// Set stores value under key, using the configured TTL, inserting or
// overwriting as appropriate. The entry becomes the most recently touched.
func (x *Cache[V]) Set(key string, value V) {
	x.SetTTL(key, value, x.ttl)
}

// SetTTL behaves like Set, but with an explicit TTL, overriding the
// configured default. A ttl <= 0 stores the entry without expiry.
func (x *Cache[V]) SetTTL(key string, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = timeNow().Add(ttl)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if element, ok := x.items[key]; ok {
		ent := element.Value.(*entry[V])
		ent.value = value
		ent.expiresAt = expiresAt
		x.order.MoveToFront(element)
		return
	}

	if x.maxSize > 0 && len(x.items) >= x.maxSize {
		// evict exactly one entry, the least recently touched
		if element := x.order.Back(); element != nil {
			x.removeLocked(element)
		}
	}

	x.items[key] = x.order.PushFront(&entry[V]{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})
}

// Has returns true if key is present and not expired. Unlike Get, it does not
// count as a recency touch. An expired entry is purged.
func (x *Cache[V]) Has(key string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	element, ok := x.items[key]
	if !ok {
		return false
	}

	if element.Value.(*entry[V]).expired(timeNow()) {
		x.removeLocked(element)
		return false
	}

	return true
}

// Delete removes key, returning true if an entry was present (expired or
// not). Deleting an absent key is a no-op.
func (x *Cache[V]) Delete(key string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	element, ok := x.items[key]
	if ok {
		x.removeLocked(element)
	}

	return ok
}

// Clear removes all entries.
func (x *Cache[V]) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.items = make(map[string]*list.Element)
	x.order.Init()
}

// Size returns the number of valid entries, first purging any expired
// entries it encounters.
func (x *Cache[V]) Size() int {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.purgeExpiredLocked(timeNow())

	return len(x.items)
}

// Entries returns a copy of all valid entries, ordered from least to most
// recently touched, first purging any expired entries. The returned slice is
// owned by the caller.
func (x *Cache[V]) Entries() []Entry[V] {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.purgeExpiredLocked(timeNow())

	entries := make([]Entry[V], 0, len(x.items))
	for element := x.order.Back(); element != nil; element = element.Prev() {
		ent := element.Value.(*entry[V])
		entries = append(entries, Entry[V]{
			Key:       ent.key,
			Value:     ent.value,
			ExpiresAt: ent.expiresAt,
		})
	}

	return entries
}

func (x *Cache[V]) removeLocked(element *list.Element) {
	x.order.Remove(element)
	delete(x.items, element.Value.(*entry[V]).key)
}

func (x *Cache[V]) purgeExpiredLocked(now time.Time) {
	var next *list.Element
	for element := x.order.Front(); element != nil; element = next {
		next = element.Next()
		if element.Value.(*entry[V]).expired(now) {
			x.removeLocked(element)
		}
	}
}

func (x *entry[V]) expired(now time.Time) bool {
	return !x.expiresAt.IsZero() && now.After(x.expiresAt)
}
