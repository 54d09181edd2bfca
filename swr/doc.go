// Package swr implements a stale-while-revalidate cache: cached values are
// served immediately, and, past a staleness threshold, refreshed in the
// background, via a single deduplicated fetch per key.
//
// See also [github.com/joeycumines/go-asyncflow/ttlcache], for the
// lower-level bounded cache, and [github.com/joeycumines/go-asyncflow/dedup],
// which provides the in-flight call deduplication used by this package.
package swr
