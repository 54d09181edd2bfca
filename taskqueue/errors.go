package taskqueue

import "errors"

var (
	// ErrQueueClosed is returned by Add when the queue has been closed, or
	// has stopped accepting tasks due to Shutdown.
	ErrQueueClosed = errors.New(`taskqueue: queue closed`)

	// ErrTaskCleared is the failure reported by Result.Wait for tasks that
	// were dropped by Clear before starting.
	ErrTaskCleared = errors.New(`taskqueue: task cleared`)
)
