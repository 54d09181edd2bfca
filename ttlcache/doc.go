// Package ttlcache implements a bounded in-memory key-value cache, with
// per-entry expiry, and least-recently-used eviction.
//
// See also [github.com/joeycumines/go-asyncflow/swr], for a higher-level
// implementation, with support for serving stale values while refreshing
// them in the background.
package ttlcache
