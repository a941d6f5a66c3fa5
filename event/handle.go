package event

import (
	"sync"

	"github.com/madebr/corerun"
)

// controlBlock is the indirection shared by every Handle issued for one
// Event[T] (spec §3 "Event Control Block"). The event clears its event
// pointer under lock on destruction; outstanding handles then observe
// Valid() == false. It carries no reference count of its own; per-cookie
// handle counts live in the event's CookieJar.
type controlBlock[T any] struct {
	mu    sync.Mutex
	event *Event[T]
}

func (cb *controlBlock[T]) get() *Event[T] {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.event
}

func (cb *controlBlock[T]) clear() {
	cb.mu.Lock()
	cb.event = nil
	cb.mu.Unlock()
}

// Releasable is satisfied by any handle a Sink can aggregate.
type Releasable interface {
	Close() error
}

// Handle shares ownership of an event's control block (spec §3/§4.6
// "EventHandle"). The handle returned directly by Subscribe is primary: only
// it unsubscribes the underlying cookie on Close. Copies made with Clone are
// non-primary and merely release their share of the cookie's refcount.
type Handle[T any] struct {
	cb      *controlBlock[T]
	cookie  corerun.Cookie
	primary bool
}

// Valid reports whether the underlying event is still alive.
func (h *Handle[T]) Valid() bool {
	return h.cb.get() != nil
}

// Clone returns a non-primary handle sharing this subscription. The event's
// cookie jar gains one more reference; closing the clone later releases it
// without necessarily removing the handler (see Close).
func (h *Handle[T]) Clone() *Handle[T] {
	if ev := h.cb.get(); ev != nil {
		ev.addHandleRef(h.cookie)
	}
	return &Handle[T]{cb: h.cb, cookie: h.cookie, primary: false}
}

// Close releases this handle. The primary handle unconditionally
// unsubscribes its handler; a non-primary handle only triggers removal once
// the cookie's reference count reaches zero (spec §4.6).
func (h *Handle[T]) Close() error {
	ev := h.cb.get()
	if ev == nil {
		return nil
	}
	if h.primary {
		return ev.unsubscribeCookie(h.cookie)
	}
	if ev.releaseHandleRef(h.cookie) {
		return ev.removeHandler(h.cookie)
	}
	return nil
}

// Sink aggregates handles and releases them together (spec §4.6). It is the
// idiomatic way to tie a batch of subscriptions to a subscriber's own
// lifetime, mirroring the teacher's ordered-shutdown-of-a-resource-bundle
// idiom used for pool lifecycle (see pool/lifecycle.go).
type Sink struct {
	mu      sync.Mutex
	handles []Releasable
}

// NewSink returns an empty Sink.
func NewSink() *Sink { return &Sink{} }

// Add appends h to the sink's owned set.
func (s *Sink) Add(h Releasable) {
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
}

// Close releases every owned handle, in insertion order, and clears the
// sink. Safe to call more than once; subsequent calls are no-ops.
func (s *Sink) Close() error {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
