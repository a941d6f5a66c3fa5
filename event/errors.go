package event

import "errors"

const namespace = "event"

var (
	// ErrEventHandlerNotFound is returned by Unsubscribe when the handle's
	// cookie no longer names a live handler (spec <EventHandlerNotFound>).
	ErrEventHandlerNotFound = errors.New(namespace + ": handler not found for cookie")

	// ErrEventQueueDestroyed is returned by a cross-thread delivery attempt
	// against a terminated Queue (spec <EventQueueDestroyed>). Suppressed at
	// the call site when the triggering event has IgnoreErrors set.
	ErrEventQueueDestroyed = errors.New(namespace + ": target queue has been terminated")

	// ErrNoControl is returned by Event.Unsubscribe when the handle's control
	// block no longer points at that event (spec <NoControl>). Handle methods
	// do not return it: Close on such a handle is a no-op.
	ErrNoControl = errors.New(namespace + ": handle has no live control block")

	// ErrTooDeep is returned when a sync trigger would nest past
	// maxNestingDepth levels on the same event (spec <TooDeep>).
	ErrTooDeep = errors.New(namespace + ": recursion limit exceeded")
)
