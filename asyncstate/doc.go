// Package asyncstate tracks the lifecycle of async operations, through an
// idle/loading/success/error state machine, with supersession of stale
// executions, optional retry with backoff, and interval-based polling.
//
// Cancellation is cooperative: superseding an execution stops its outcome
// from being committed, not the execution itself, which runs to completion
// unless the wrapped function observes its context.
package asyncstate
