package pool

import "errors"

const namespace = "pool"

var (
	// ErrNoThreads is returned by Start (and Run) when the pool has zero
	// workers (spec <NoThreads>). TryStart reports false instead.
	ErrNoThreads = errors.New(namespace + ": pool has no worker threads; call Reserve first")

	// ErrTaskFailed wraps an error or recovered panic raised by a task's own
	// body (spec <TaskFailed>). A skipped, cancelled task never produces
	// this error.
	ErrTaskFailed = errors.New(namespace + ": task execution failed")
)
