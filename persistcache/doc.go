// Package persistcache layers file-backed persistence over a ttlcache.Cache,
// snapshotting entries as JSON, written atomically. Storage failures degrade
// to cache misses, never errors on the read path.
package persistcache
