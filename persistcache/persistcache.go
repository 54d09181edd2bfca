package persistcache

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/joeycumines/go-asyncflow/ttlcache"
	"github.com/joeycumines/logiface"
)

type (
	// Config models configuration, for New. Path is required, everything else
	// is optional.
	Config struct {
		// Path is the snapshot file. Missing or unreadable snapshots are
		// treated as an empty cache.
		Path string

		// TTL specifies how long entries remain valid after being set, if
		// positive. **Defaults to no expiry, if <= 0.**
		TTL time.Duration

		// MaxSize bounds the number of entries, if positive.
		// **Defaults to unbounded, if <= 0.**
		MaxSize int

		// SaveInterval enables periodic background snapshots, if positive.
		// **Defaults to no background saves, if <= 0.** Failed background
		// saves are logged, and do not affect the in-memory cache.
		SaveInterval time.Duration

		// Logger specifies an optional structured logger, used to surface
		// discarded snapshots and failed background saves. A nil logger
		// disables logging.
		Logger *logiface.Logger[logiface.Event]
	}

	// Cache is a ttlcache.Cache with JSON file persistence. Instances must be
	// initialized using the New factory, and are safe for concurrent use.
	//
	// Reads and writes are served entirely from memory. The file is only
	// touched by New (load), Save, the optional background loop, and Close.
	Cache[V any] struct {
		cache    *ttlcache.Cache[V]
		path     string
		logger   *logiface.Logger[logiface.Event]
		stop     chan struct{}
		done     chan struct{}
		stopOnce sync.Once
		saveMu   sync.Mutex
	}

	// snapshotEntry is the persisted form of one cache entry, ordered from
	// least to most recently touched within a snapshot.
	snapshotEntry[V any] struct {
		Key       string    `json:"key"`
		Value     V         `json:"value"`
		ExpiresAt time.Time `json:"expiresAt,omitzero"`
	}
)

// for testing purposes
var timeNow = time.Now

// New initializes a new Cache, loading any existing snapshot from
// Config.Path. A missing, unreadable, or corrupt snapshot starts the cache
// empty (logged, if a logger is configured); entries that expired while
// persisted are dropped. A panic will occur if config is nil, or Path is
// empty.
func New[V any](config *Config) *Cache[V] {
	if config == nil || config.Path == `` {
		panic(`persistcache: path required`)
	}

	cache := Cache[V]{
		cache: ttlcache.New[V](&ttlcache.Config{
			TTL:     config.TTL,
			MaxSize: config.MaxSize,
		}),
		path:   config.Path,
		logger: config.Logger,
	}

	cache.load()

	if config.SaveInterval > 0 {
		cache.stop = make(chan struct{})
		cache.done = make(chan struct{})
		go cache.saveLoop(config.SaveInterval)
	}

	return &cache
}

// Get returns the value stored under key, and true, if present and not
// expired.
func (x *Cache[V]) Get(key string) (V, bool) { return x.cache.Get(key) }

// Set stores value under key, using the configured TTL.
func (x *Cache[V]) Set(key string, value V) { x.cache.Set(key, value) }

// SetTTL behaves like Set, but with an explicit TTL, overriding the
// configured default. A ttl <= 0 stores the entry without expiry.
func (x *Cache[V]) SetTTL(key string, value V, ttl time.Duration) {
	x.cache.SetTTL(key, value, ttl)
}

// Has returns true if key is present and not expired, without counting as a
// recency touch.
func (x *Cache[V]) Has(key string) bool { return x.cache.Has(key) }

// Delete removes key, returning true if an entry was present.
func (x *Cache[V]) Delete(key string) bool { return x.cache.Delete(key) }

// Clear removes all entries. The snapshot file is untouched until the next
// save.
func (x *Cache[V]) Clear() { x.cache.Clear() }

// Size returns the number of valid entries.
func (x *Cache[V]) Size() int { return x.cache.Size() }

// Save writes a snapshot of the current entries to the configured path,
// atomically (written to a temp file, then renamed). Concurrent saves are
// serialized.
func (x *Cache[V]) Save() error {
	x.saveMu.Lock()
	defer x.saveMu.Unlock()

	entries := x.cache.Entries()
	snapshot := make([]snapshotEntry[V], 0, len(entries))
	for _, entry := range entries {
		snapshot = append(snapshot, snapshotEntry[V]{
			Key:       entry.Key,
			Value:     entry.Value,
			ExpiresAt: entry.ExpiresAt,
		})
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf(`persistcache: marshal snapshot: %w`, err)
	}

	if err := renameio.WriteFile(x.path, data, 0o644); err != nil {
		return fmt.Errorf(`persistcache: write snapshot: %w`, err)
	}

	return nil
}

// Close stops the background save loop, if any, then writes a final
// snapshot, returning its error. Close may be called more than once, though
// only the first call saves.
func (x *Cache[V]) Close() (err error) {
	x.stopOnce.Do(func() {
		if x.stop != nil {
			close(x.stop)
			<-x.done
		}
		err = x.Save()
	})
	return
}

// load replaces nothing on failure: storage problems degrade to an empty
// cache, surfaced only via the logger.
func (x *Cache[V]) load() {
	data, err := os.ReadFile(x.path)
	if err != nil {
		if !os.IsNotExist(err) {
			x.logger.Err().
				Err(err).
				Str(`path`, x.path).
				Log(`persistcache: snapshot unreadable, starting empty`)
		}
		return
	}

	var snapshot []snapshotEntry[V]
	if err := json.Unmarshal(data, &snapshot); err != nil {
		x.logger.Err().
			Err(err).
			Str(`path`, x.path).
			Log(`persistcache: snapshot corrupt, starting empty`)
		return
	}

	now := timeNow()
	for _, entry := range snapshot {
		if entry.ExpiresAt.IsZero() {
			x.cache.SetTTL(entry.Key, entry.Value, 0)
			continue
		}
		ttl := entry.ExpiresAt.Sub(now)
		if ttl <= 0 {
			// expired while persisted
			continue
		}
		x.cache.SetTTL(entry.Key, entry.Value, ttl)
	}
}

func (x *Cache[V]) saveLoop(interval time.Duration) {
	defer close(x.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-x.stop:
			return

		case <-ticker.C:
			if err := x.Save(); err != nil {
				x.logger.Err().
					Err(err).
					Str(`path`, x.path).
					Log(`persistcache: periodic save failed`)
			}
		}
	}
}
