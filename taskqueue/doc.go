// Package taskqueue runs caller-supplied async tasks with concurrency,
// ordering, and throughput control, via a family of queue variants: plain
// FIFO, priority-ordered, rate-limited, batching, and retrying.
//
// All variants operate over the same task shape, a zero-argument unit of
// work producing a value or an error, and share the Result.Wait completion
// pattern.
package taskqueue
