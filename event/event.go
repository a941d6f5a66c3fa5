// Package event implements the typed, multicast event system of the
// runtime: synchronous and asynchronous trigger modes, per-target delivery
// queues, filters, acceptance contexts, and lifetime-safe subscription
// handles.
//
// Go has no variadic generics, so the C++ Event<Args...> is modelled as
// Event[T any] — a single payload type per event, with T typically a small
// struct for multi-argument events. See DESIGN.md for the full rationale.
package event

import (
	"context"
	"reflect"
	"sync/atomic"

	"github.com/madebr/corerun"
	"github.com/madebr/corerun/metrics"
)

// TriggerType selects how Trigger dispatches (spec §4.4 table).
type TriggerType int

const (
	// Default walks handlers, dispatching inline where legal and enqueuing
	// the rest. Synchronous is an alias for the same behavior.
	Default TriggerType = iota
	// SynchronousDontQueue first drops any prior queued callbacks for this
	// event, then dispatches as Default.
	SynchronousDontQueue
	// Asynchronous never dispatches inline; every handler is enqueued.
	Asynchronous
	// AsynchronousDontQueue drops prior queued callbacks, then dispatches
	// as Asynchronous.
	AsynchronousDontQueue
)

// Synchronous is an alias for Default (spec §4.4 "Default / Synchronous").
const Synchronous = Default

// maxNestingDepth bounds recursive sync triggers on the same event (spec §7
// <TooDeep>).
const maxNestingDepth = 64

// acceptContext is one stack frame of a sync trigger's acceptance state
// (spec §3 Event Instance invariant ii, GLOSSARY "Acceptance context").
type acceptContext struct {
	accepted atomic.Bool
	changed  atomic.Bool
}

type eventConfig struct {
	provider    metrics.Provider
	triggerType TriggerType
}

// Option configures an Event[T] at construction time.
type Option func(*eventConfig)

// WithMetrics attaches a metrics.Provider the event records
// subscription/dispatch counters through. Defaults to a no-op provider.
func WithMetrics(p metrics.Provider) Option {
	return func(c *eventConfig) {
		if p != nil {
			c.provider = p
		}
	}
}

// WithTriggerType sets the event's initial trigger mode (default Default).
func WithTriggerType(t TriggerType) Option {
	return func(c *eventConfig) { c.triggerType = t }
}

// Event is a typed multicast channel: any number of handlers may subscribe,
// and any caller may Trigger it, in either of the synchronous or
// asynchronous modes described in spec §4.4.
type Event[T any] struct {
	jar      *corerun.CookieJar
	lifetime *corerun.Lifetime
	cb       *controlBlock[T]

	handlers     []*handler[T]
	queues       map[*Queue]struct{}
	triggerType  TriggerType
	acceptStack  []*acceptContext
	triggerID      uint64
	preFilterCount int
	filterCount    int
	ignoreErrors   bool
	destroyed    bool

	metrics metrics.Provider
}

// New constructs a ready-to-use Event[T].
func New[T any](opts ...Option) *Event[T] {
	cfg := eventConfig{provider: metrics.NewNoopProvider()}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}

	e := &Event[T]{
		jar:         corerun.NewCookieJar(),
		lifetime:    corerun.NewLifetime(),
		queues:      make(map[*Queue]struct{}),
		triggerType: cfg.triggerType,
		metrics:     cfg.provider,
	}
	e.cb = &controlBlock[T]{event: e}
	return e
}

// Subscribe registers fn against the event and returns its primary Handle.
// The handler is bound to ctx's current Queue (CurrentQueue), falling back
// to the process-wide DefaultQueue when ctx carries none (spec §4.4
// "subscribe", adapted per the Go-generics/TLS notes).
func (e *Event[T]) Subscribe(ctx context.Context, fn func(context.Context, T) error, opts ...SubscribeOption) *Handle[T] {
	cfg := subscribeConfig{}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}

	q := CurrentQueue(ctx)
	if q == nil {
		q = DefaultQueue()
	}

	h := &handler[T]{
		queue:      q,
		fn:         fn,
		clientID:   cfg.clientID,
		sameThread: cfg.sameThread,
		stateless:  cfg.stateless,
	}

	globalMu.Lock()
	h.cookie = e.jar.Allocate() // starts with refcount 1, for the primary handle
	e.handlers = append(e.handlers, h)
	e.queues[q] = struct{}{}
	e.markChangedLocked()
	globalMu.Unlock()

	e.metrics.Counter(metrics.EventSubscriptionsTotal).Add(1)

	return &Handle[T]{cb: e.cb, cookie: h.cookie, primary: true}
}

// Unsubscribe removes the handler named by h's cookie (spec §4.4
// "unsubscribe(handle)"). ErrNoControl if the event is already gone;
// ErrEventHandlerNotFound if the cookie names no live handler.
func (e *Event[T]) Unsubscribe(h *Handle[T]) error {
	if h.cb.get() != e {
		return ErrNoControl
	}
	return e.unsubscribeCookie(h.cookie)
}

// removeHandler drops the handler named by c from e.handlers, independent of
// cookie refcount bookkeeping. ErrEventHandlerNotFound if c names no live
// handler.
func (e *Event[T]) removeHandler(c corerun.Cookie) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	idx := -1
	for i, h := range e.handlers {
		if h.cookie == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrEventHandlerNotFound
	}
	e.handlers = append(e.handlers[:idx], e.handlers[idx+1:]...)
	e.markChangedLocked()
	return nil
}

// unsubscribeCookie is the primary-handle unsubscribe path (spec §3 "the
// primary handle additionally unsubscribes the cookie on drop") and also
// backs the public Unsubscribe(handle) API: it releases the caller's own
// reference for jar bookkeeping, then removes the handler unconditionally,
// regardless of whether clones still hold references to the same cookie.
func (e *Event[T]) unsubscribeCookie(c corerun.Cookie) error {
	e.jar.Release(c)
	return e.removeHandler(c)
}

// UnsubscribeClient removes every handler whose client-identity token equals
// id (spec §4.4 "unsubscribe(client_id)"), returning the count removed.
func (e *Event[T]) UnsubscribeClient(id any) int {
	globalMu.Lock()
	defer globalMu.Unlock()

	kept := e.handlers[:0]
	removed := 0
	for _, h := range e.handlers {
		if h.clientID == id {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	e.handlers = kept
	if removed > 0 {
		e.markChangedLocked()
	}
	return removed
}

func (e *Event[T]) addHandleRef(c corerun.Cookie) {
	e.jar.AddRef(c)
}

func (e *Event[T]) releaseHandleRef(c corerun.Cookie) bool {
	return e.jar.Release(c)
}

// markChangedLocked propagates a handler-list mutation to every live
// acceptance context so in-flight dispatch loops (at any nesting depth for
// this event) restart from index 0. Caller holds globalMu.
func (e *Event[T]) markChangedLocked() {
	for _, ac := range e.acceptStack {
		ac.changed.Store(true)
	}
}

// SetTriggerType changes the trigger mode used by future Trigger calls.
func (e *Event[T]) SetTriggerType(t TriggerType) {
	globalMu.Lock()
	e.triggerType = t
	globalMu.Unlock()
}

// IgnoreErrors toggles whether cross-thread delivery failures (a terminated
// target queue) are surfaced or silently dropped (spec §7 policy). While set,
// errors returned by handlers dispatched inline during a sync trigger are
// dropped as well; errors from handlers run later by Queue.Exec are not
// affected.
func (e *Event[T]) IgnoreErrors(v bool) {
	globalMu.Lock()
	e.ignoreErrors = v
	globalMu.Unlock()
}

// RegisterPreFilter adds fn to q's pre-filter chain for this event, run
// ahead of the ordinary filter chain during sync dispatch's step 3 (spec
// §4.5 "pre_filter_event(event) and filter_event(event) are invoked by the
// event during sync dispatch"); a pre-filter may call Accept(ctx).
func (e *Event[T]) RegisterPreFilter(q *Queue, fn FilterFunc) {
	q.RegisterPreFilter(e, fn)
	globalMu.Lock()
	e.preFilterCount++
	globalMu.Unlock()
}

// RegisterFilter adds fn to q's filter chain for this event (spec §4.4 step
// 3 / §4.5 "Filters"); a filter may call Accept(ctx) to accept the trigger.
func (e *Event[T]) RegisterFilter(q *Queue, fn FilterFunc) {
	q.RegisterFilter(e, fn)
	globalMu.Lock()
	e.filterCount++
	globalMu.Unlock()
}

// Close destroys the event: its control block is cleared (outstanding
// Handles observe Valid() == false) and any callbacks already queued on
// behalf of its handlers are dropped (spec §3 "Event Control Block", "On
// event destruction the pointer is cleared").
func (e *Event[T]) Close() error {
	globalMu.Lock()
	e.destroyed = true
	qs := e.queues
	e.queues = nil
	globalMu.Unlock()

	e.cb.clear()
	e.lifetime.Destroy()

	for q := range qs {
		q.Unqueue(e)
	}
	return nil
}

// Trigger dispatches according to the event's current TriggerType (spec
// §4.4 table).
func (e *Event[T]) Trigger(ctx context.Context, v T) error {
	globalMu.Lock()
	tt := e.triggerType
	globalMu.Unlock()

	switch tt {
	case SynchronousDontQueue:
		_, err := e.syncTrigger(ctx, v, true)
		return err
	case Asynchronous:
		return e.AsyncTrigger(ctx, v)
	case AsynchronousDontQueue:
		e.dropQueued()
		return e.AsyncTrigger(ctx, v)
	default:
		_, err := e.syncTrigger(ctx, v, false)
		return err
	}
}

// SyncTrigger dispatches synchronously regardless of the event's configured
// TriggerType, returning false if some handler (or a filter) accepted the
// trigger (spec §6 "sync_trigger").
func (e *Event[T]) SyncTrigger(ctx context.Context, v T) (bool, error) {
	return e.syncTrigger(ctx, v, false)
}

// AsyncTrigger enqueues a callback for every current handler, never
// dispatching inline (spec §6 "async_trigger").
func (e *Event[T]) AsyncTrigger(ctx context.Context, v T) error {
	globalMu.Lock()
	e.triggerID++
	handlers := append([]*handler[T](nil), e.handlers...)
	globalMu.Unlock()

	txnByQueue := map[*Queue]uint64{}
	var firstErr error
	for _, h := range handlers {
		cb := &eventCallback[T]{event: e, h: h, v: v}
		identity := entryIdentity{event: e, fn: reflect.ValueOf(h.fn).Pointer()}
		prior := txnByQueue[h.queue]
		txn, err := h.queue.enqueue(cb, h.stateless, identity, prior)
		if err != nil {
			if e.ignoreErrors {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		txnByQueue[h.queue] = txn
	}

	e.metrics.Counter(metrics.EventAsyncDispatchedTotal).Add(int64(len(handlers)))
	return firstErr
}

func (e *Event[T]) dropQueued() {
	globalMu.Lock()
	qs := make([]*Queue, 0, len(e.queues))
	for q := range e.queues {
		qs = append(qs, q)
	}
	globalMu.Unlock()

	for _, q := range qs {
		q.Unqueue(e)
	}
}

// syncTrigger implements the six-step algorithm of spec §4.4.
func (e *Event[T]) syncTrigger(ctx context.Context, v T, dontQueue bool) (bool, error) {
	if dontQueue {
		e.dropQueued()
	}

	globalMu.Lock()
	if len(e.acceptStack) >= maxNestingDepth {
		globalMu.Unlock()
		return false, ErrTooDeep
	}
	if len(e.handlers) == 0 && e.preFilterCount == 0 && e.filterCount == 0 {
		globalMu.Unlock()
		return true, nil
	}

	ac := &acceptContext{}
	e.acceptStack = append(e.acceptStack, ac)

	if e.preFilterCount > 0 || e.filterCount > 0 {
		q := CurrentQueue(ctx)
		if q == nil {
			q = DefaultQueue()
		}
		preFilterCount, filterCount := e.preFilterCount, e.filterCount
		globalMu.Unlock()

		fctx := withAcceptContext(ctx, ac)
		accepted := false
		if preFilterCount > 0 {
			accepted = q.preFilterEvent(fctx, e) || ac.accepted.Load()
		}
		if !accepted && filterCount > 0 {
			accepted = q.filterEvent(fctx, e) || ac.accepted.Load()
		}

		globalMu.Lock()
		if accepted {
			e.popAcceptContextLocked()
			globalMu.Unlock()
			return false, nil
		}
	}

	e.triggerID++
	triggerID := e.triggerID
	globalMu.Unlock()

	txnByQueue := map[*Queue]uint64{}
	var firstErr error
	i := 0
	for {
		globalMu.Lock()
		if i >= len(e.handlers) {
			globalMu.Unlock()
			break
		}
		h := e.handlers[i]
		if h.lastTriggerID == triggerID {
			globalMu.Unlock()
			i++
			continue
		}
		h.lastTriggerID = triggerID
		cur := CurrentQueue(ctx)
		if cur == nil {
			cur = DefaultQueue()
		}
		inline := h.sameThread || h.queue == cur
		globalMu.Unlock()

		var err error
		if inline {
			hctx := withAcceptContext(ctx, ac)
			err = h.fn(hctx, v)
		} else {
			cb := &eventCallback[T]{event: e, h: h, v: v}
			identity := entryIdentity{event: e, fn: reflect.ValueOf(h.fn).Pointer()}
			prior := txnByQueue[h.queue]
			var txn uint64
			txn, err = h.queue.enqueue(cb, h.stateless, identity, prior)
			if err == nil {
				txnByQueue[h.queue] = txn
			}
		}

		if err != nil {
			if e.ignoreErrors {
				err = nil
			} else if firstErr == nil {
				firstErr = err
			}
		}

		globalMu.Lock()
		if e.destroyed {
			e.popAcceptContextLocked()
			globalMu.Unlock()
			return false, firstErr
		}
		if ac.accepted.Load() {
			e.popAcceptContextLocked()
			globalMu.Unlock()
			return false, firstErr
		}
		if ac.changed.CompareAndSwap(true, false) {
			i = 0
			globalMu.Unlock()
			continue
		}
		i++
		globalMu.Unlock()
	}

	globalMu.Lock()
	e.popAcceptContextLocked()
	globalMu.Unlock()

	e.metrics.Counter(metrics.EventSyncDispatchedTotal).Add(1)
	return true, firstErr
}

// popAcceptContextLocked pops the top of the acceptance-context stack.
// Caller holds globalMu.
func (e *Event[T]) popAcceptContextLocked() {
	if n := len(e.acceptStack); n > 0 {
		e.acceptStack = e.acceptStack[:n-1]
	}
}

// eventCallback adapts a handler dispatch into the queue-private callback
// interface (spec §4.4 "EventCallback(event, callable, args…)").
type eventCallback[T any] struct {
	event *Event[T]
	h     *handler[T]
	v     T
}

func (c *eventCallback[T]) invoke(ctx context.Context) error {
	return c.h.fn(ctx, c.v)
}

func (c *eventCallback[T]) destroyed() bool {
	return c.event.lifetime.Destroyed()
}

type ctxAcceptKey struct{}

func withAcceptContext(ctx context.Context, ac *acceptContext) context.Context {
	return context.WithValue(ctx, ctxAcceptKey{}, ac)
}

// Accept marks the acceptance context the calling handler was dispatched
// under as accepted: dispatch stops after the current handler returns, and
// the enclosing SyncTrigger/Trigger call returns false (spec §4.4 "accept").
// A no-op if ctx was not produced by an inline handler dispatch.
func Accept(ctx context.Context) {
	if ac, ok := ctx.Value(ctxAcceptKey{}).(*acceptContext); ok {
		ac.accepted.Store(true)
	}
}

// Ignore resets the acceptance state Accept would have set, for the same
// dispatch (spec §4.4 "ignore").
func Ignore(ctx context.Context) {
	if ac, ok := ctx.Value(ctxAcceptKey{}).(*acceptContext); ok {
		ac.accepted.Store(false)
	}
}
