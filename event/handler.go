package event

import (
	"context"

	"github.com/madebr/corerun"
)

// handler is the record bound to one subscription (spec §3 "Handler").
type handler[T any] struct {
	cookie corerun.Cookie
	queue  *Queue

	fn       func(context.Context, T) error
	clientID any

	sameThread bool
	stateless  bool

	lastTriggerID uint64
}

type subscribeConfig struct {
	sameThread bool
	stateless  bool
	clientID   any
}

// SubscribeOption tags a subscription at Subscribe time.
type SubscribeOption func(*subscribeConfig)

// SameThread forces inline delivery on the emitter's goroutine even when the
// handler's queue differs (spec §4.4 "~handle").
func SameThread() SubscribeOption {
	return func(c *subscribeConfig) { c.sameThread = true }
}

// Stateless marks the handler eligible for latest-wins deduplication while
// queued for asynchronous delivery (spec §4.4 "!handle").
func Stateless() SubscribeOption {
	return func(c *subscribeConfig) { c.stateless = true }
}

// WithClientID attaches an opaque bulk-unsubscribe token to the handler
// (spec §4.4 "client_id").
func WithClientID(id any) SubscribeOption {
	return func(c *subscribeConfig) { c.clientID = id }
}
