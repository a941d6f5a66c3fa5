package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/madebr/corerun/metrics"
)

// callback is the package-private shape a queued delivery must satisfy;
// Event[T] supplies eventCallback[T] values.
type callback interface {
	invoke(ctx context.Context) error
	destroyed() bool
}

// entryIdentity names the (event, callable) pair used for stateless dedup
// (spec §4.5: "previous entry in the queue shares (event, callable-identity)").
type entryIdentity struct {
	event any
	fn    uintptr
}

type queueEntry struct {
	txn       uint64
	cb        callback
	stateless bool
	identity  entryIdentity
}

// FilterFunc is invoked during a sync trigger's filter step (spec §4.4 step
// 3 / §4.5 "Filters"); returning true accepts the trigger (no handlers run).
type FilterFunc func(ctx context.Context) bool

type queueConfig struct {
	provider metrics.Provider
}

// QueueOption configures a Queue at construction time.
type QueueOption func(*queueConfig)

// WithQueueMetrics attaches a metrics.Provider the queue records
// enqueue/dedup/depth counters through. Defaults to a no-op provider.
func WithQueueMetrics(p metrics.Provider) QueueOption {
	return func(c *queueConfig) {
		if p != nil {
			c.provider = p
		}
	}
}

// Queue is the Go analogue of the spec's per-thread Async Event Queue
// (§3/§4.5), re-expressed per the module's Go-generics note as an explicit
// handle a goroutine creates or is handed, rather than an implicit
// thread-local singleton — see WithQueue/CurrentQueue.
type Queue struct {
	entries      []queueEntry
	nextTxnID    uint64
	terminated   atomic.Bool
	terminateOnce sync.Once
	publishCache [][]queueEntry
	preFilters   map[any][]FilterFunc
	filters      map[any][]FilterFunc

	metrics metrics.Provider
}

// NewQueue returns an empty, ready-to-use Queue.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{provider: metrics.NewNoopProvider()}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	return &Queue{
		preFilters: make(map[any][]FilterFunc),
		filters:    make(map[any][]FilterFunc),
		metrics:    cfg.provider,
	}
}

type ctxQueueKey struct{}

// WithQueue attaches q as the current goroutine's async delivery queue,
// the explicit substitute for the spec's TLS-keyed
// AsyncEventQueue::instance() (§6 async_task).
func WithQueue(ctx context.Context, q *Queue) context.Context {
	return context.WithValue(ctx, ctxQueueKey{}, q)
}

// CurrentQueue returns the queue attached to ctx via WithQueue, or nil if
// none was attached.
func CurrentQueue(ctx context.Context) *Queue {
	if ctx == nil {
		return nil
	}
	if q, ok := ctx.Value(ctxQueueKey{}).(*Queue); ok {
		return q
	}
	return nil
}

var defaultQueue = sync.OnceValue(func() *Queue { return NewQueue() })

// DefaultQueue returns the process-wide queue used by goroutines that never
// call WithQueue.
func DefaultQueue() *Queue {
	return defaultQueue()
}

// enqueue appends cb, coalescing with the queue's tail entry when stateless
// and (event, callable-identity) match (spec §4.5 latest-wins dedup). prior,
// when non-zero and already carried by the tail entry, threads consecutive
// deliveries from one trigger into the same transaction id; otherwise a
// fresh id is allocated.
func (q *Queue) enqueue(cb callback, stateless bool, identity entryIdentity, prior uint64) (uint64, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if q.terminated.Load() {
		return 0, ErrEventQueueDestroyed
	}

	txn := prior
	if txn == 0 || len(q.entries) == 0 || q.entries[len(q.entries)-1].txn != prior {
		q.nextTxnID++
		txn = q.nextTxnID
	}

	if stateless && len(q.entries) > 0 {
		last := &q.entries[len(q.entries)-1]
		if last.identity == identity {
			last.cb = cb
			last.txn = txn
			q.metrics.Counter(metrics.EventDedupTotal).Add(1)
			return txn, nil
		}
	}

	q.entries = append(q.entries, queueEntry{txn: txn, cb: cb, stateless: stateless, identity: identity})
	q.metrics.Histogram(metrics.EventQueueDepth).Record(float64(len(q.entries)))
	return txn, nil
}

// Unqueue drops every pending entry referencing eventIdentity, from both the
// live queue and any publish caches currently being drained (spec §4.5; used
// by the DontQueue trigger variants and on event destruction).
func (q *Queue) Unqueue(eventIdentity any) {
	globalMu.Lock()
	defer globalMu.Unlock()
	q.unqueueLocked(eventIdentity)
}

func (q *Queue) unqueueLocked(eventIdentity any) {
	q.entries = filterEntries(q.entries, eventIdentity)
	for i := range q.publishCache {
		q.publishCache[i] = filterEntries(q.publishCache[i], eventIdentity)
	}
}

func filterEntries(es []queueEntry, eventIdentity any) []queueEntry {
	out := es[:0]
	for _, e := range es {
		if e.identity.event != eventIdentity {
			out = append(out, e)
		}
	}
	return out
}

// Exec drains the queue in FIFO order, returning whether any work was done.
// Entries whose destroyedFlag has fired are dropped without invocation. Exec
// supports re-entrant calls from within a dispatched callback: the outer
// call snapshots the live queue onto a publish-cache stack and drains from
// the top of that stack, so an inner Exec call (or enqueue) only ever sees
// the portion not yet claimed by an outer call (spec §4.5 "Publish nesting").
func (q *Queue) Exec(ctx context.Context) (bool, error) {
	globalMu.Lock()
	if q.terminated.Load() {
		globalMu.Unlock()
		return false, nil
	}
	batch := q.entries
	q.entries = nil
	q.publishCache = append(q.publishCache, batch)
	globalMu.Unlock()

	defer func() {
		globalMu.Lock()
		if n := len(q.publishCache); n > 0 {
			q.publishCache = q.publishCache[:n-1]
		}
		globalMu.Unlock()
	}()

	didWork := false
	var firstErr error
	for {
		globalMu.Lock()
		if q.terminated.Load() {
			globalMu.Unlock()
			break
		}
		top := len(q.publishCache) - 1
		if top < 0 || len(q.publishCache[top]) == 0 {
			globalMu.Unlock()
			break
		}
		entry := q.publishCache[top][0]
		q.publishCache[top] = q.publishCache[top][1:]
		globalMu.Unlock()

		if entry.cb.destroyed() {
			continue
		}
		didWork = true
		if err := entry.cb.invoke(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return didWork, firstErr
}

// Terminate marks the queue dead. Idempotent. Subsequent enqueue calls fail
// with ErrEventQueueDestroyed; Exec returns immediately thereafter.
func (q *Queue) Terminate() {
	q.terminateOnce.Do(func() {
		globalMu.Lock()
		q.terminated.Store(true)
		q.entries = nil
		q.publishCache = nil
		globalMu.Unlock()
	})
}

// RegisterPreFilter adds fn to the ordered pre-filter chain for eventIdentity
// (spec §4.5 "pre_filter_event(event) and filter_event(event) are invoked by
// the event during sync dispatch"). Pre-filters run before the ordinary
// filter chain, ahead of any trigger_id bump. Prefer Event[T].RegisterPreFilter,
// which also keeps the event's own pre-filter count in sync.
func (q *Queue) RegisterPreFilter(eventIdentity any, fn FilterFunc) {
	globalMu.Lock()
	defer globalMu.Unlock()
	q.preFilters[eventIdentity] = append(q.preFilters[eventIdentity], fn)
}

// RegisterFilter adds fn to the ordered filter chain for eventIdentity (spec
// §4.5 "Filters"). Prefer Event[T].RegisterFilter, which also keeps the
// event's own filter count in sync.
func (q *Queue) RegisterFilter(eventIdentity any, fn FilterFunc) {
	globalMu.Lock()
	defer globalMu.Unlock()
	q.filters[eventIdentity] = append(q.filters[eventIdentity], fn)
}

// preFilterEvent runs eventIdentity's registered pre-filters in registration
// order, reporting whether any accepted (spec §4.4 step 3).
func (q *Queue) preFilterEvent(ctx context.Context, eventIdentity any) bool {
	globalMu.Lock()
	fns := append([]FilterFunc(nil), q.preFilters[eventIdentity]...)
	globalMu.Unlock()

	for _, fn := range fns {
		if fn(ctx) {
			return true
		}
	}
	return false
}

// filterEvent runs eventIdentity's registered filters in registration order,
// reporting whether any accepted (spec §4.4 step 3).
func (q *Queue) filterEvent(ctx context.Context, eventIdentity any) bool {
	globalMu.Lock()
	fns := append([]FilterFunc(nil), q.filters[eventIdentity]...)
	globalMu.Unlock()

	for _, fn := range fns {
		if fn(ctx) {
			return true
		}
	}
	return false
}
