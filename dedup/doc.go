// Package dedup collapses concurrent calls for the same key into a single
// in-flight call, e.g. to avoid duplicate fetches of the same resource.
//
// Unlike typical singleflight implementations, in-flight calls are detached
// from any single caller's context, so a caller that stops waiting does not
// disturb the call, or the other callers.
package dedup
