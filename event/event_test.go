package event

import (
	"context"
	"errors"
	"testing"

	"github.com/madebr/corerun/metrics"
)

func TestEvent_SubscribeUnsubscribeRoundTrip(t *testing.T) {
	e := New[int]()
	h := e.Subscribe(context.Background(), func(ctx context.Context, v int) error { return nil })

	if len(e.handlers) != 1 {
		t.Fatalf("handlers after Subscribe = %d; want 1", len(e.handlers))
	}

	if err := e.Unsubscribe(h); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if len(e.handlers) != 0 {
		t.Fatalf("handlers after Unsubscribe = %d; want 0", len(e.handlers))
	}
	if e.jar.Count(h.cookie) != 0 {
		t.Fatalf("cookie refcount after Unsubscribe = %d; want 0", e.jar.Count(h.cookie))
	}
}

// TestEvent_MetricsRecordSubscriptionsAndDispatch wires a BasicProvider
// through WithMetrics and checks subscribe/trigger bump real counters.
func TestEvent_MetricsRecordSubscriptionsAndDispatch(t *testing.T) {
	provider := metrics.NewBasicProvider()
	e := New[int](WithMetrics(provider))

	e.Subscribe(context.Background(), func(ctx context.Context, v int) error { return nil })
	if _, err := e.SyncTrigger(context.Background(), 1); err != nil {
		t.Fatalf("SyncTrigger: %v", err)
	}

	subs := provider.Counter(metrics.EventSubscriptionsTotal).(*metrics.BasicCounter)
	if subs.Snapshot() != 1 {
		t.Fatalf("subscriptions_total = %d; want 1", subs.Snapshot())
	}
	dispatched := provider.Counter(metrics.EventSyncDispatchedTotal).(*metrics.BasicCounter)
	if dispatched.Snapshot() != 1 {
		t.Fatalf("sync_dispatched_total = %d; want 1", dispatched.Snapshot())
	}
}

func TestEvent_TriggerNoHandlersReturnsTrue(t *testing.T) {
	e := New[int]()
	ok, err := e.SyncTrigger(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("SyncTrigger() = (%v, %v); want (true, nil)", ok, err)
	}
}

// TestEvent_Acceptance covers spec §8 scenario 4: H2 accepts, H3 must not run.
func TestEvent_Acceptance(t *testing.T) {
	e := New[int]()

	var calledH1, calledH2, calledH3 bool

	e.Subscribe(context.Background(), func(ctx context.Context, v int) error {
		calledH1 = true
		return nil
	})
	e.Subscribe(context.Background(), func(ctx context.Context, v int) error {
		calledH2 = true
		Accept(ctx)
		return nil
	})
	e.Subscribe(context.Background(), func(ctx context.Context, v int) error {
		calledH3 = true
		return nil
	})

	ok, err := e.SyncTrigger(context.Background(), 42)
	if err != nil {
		t.Fatalf("SyncTrigger: %v", err)
	}
	if ok {
		t.Fatalf("SyncTrigger() = true; want false once a handler accepted")
	}
	if !calledH1 || !calledH2 {
		t.Fatalf("H1/H2 not both invoked: H1=%v H2=%v", calledH1, calledH2)
	}
	if calledH3 {
		t.Fatalf("H3 invoked after acceptance; should have been skipped")
	}
}

// TestEvent_CrossThreadDispatch covers spec §8 scenario 5: a handler
// subscribed from one queue only runs when that queue's owner drains it.
func TestEvent_CrossThreadDispatch(t *testing.T) {
	e := New[string]()
	qa := NewQueue()
	ctxA := WithQueue(context.Background(), qa)

	received := make(chan string, 1)
	e.Subscribe(ctxA, func(ctx context.Context, v string) error {
		received <- v
		return nil
	})

	qb := NewQueue()
	ctxB := WithQueue(context.Background(), qb)

	ok, err := e.SyncTrigger(ctxB, "hello")
	if err != nil {
		t.Fatalf("SyncTrigger from B: %v", err)
	}
	if !ok {
		t.Fatalf("SyncTrigger() = false; want true (no acceptance)")
	}

	select {
	case v := <-received:
		t.Fatalf("handler ran inline on B's trigger with value %q; want deferred to A's queue", v)
	default:
	}

	didWork, err := qa.Exec(context.Background())
	if err != nil {
		t.Fatalf("qa.Exec: %v", err)
	}
	if !didWork {
		t.Fatalf("qa.Exec() reported no work; expected the deferred callback")
	}

	select {
	case v := <-received:
		if v != "hello" {
			t.Fatalf("received %q; want %q", v, "hello")
		}
	default:
		t.Fatalf("handler was not invoked by qa.Exec")
	}
}

// TestEvent_StatelessDedup covers spec §8 scenario 6: 1000 async triggers on
// a stateless handler collapse into a single delivery of the latest value.
func TestEvent_StatelessDedup(t *testing.T) {
	e := New[int]()
	q := NewQueue()
	ctx := WithQueue(context.Background(), q)

	calls := 0
	var lastSeen int
	e.Subscribe(ctx, func(ctx context.Context, v int) error {
		calls++
		lastSeen = v
		return nil
	}, Stateless())

	// The subscriber's own queue is also the emitter's current queue, so a
	// sync trigger would dispatch inline; force async delivery instead.
	for i := 1; i <= 1000; i++ {
		if err := e.AsyncTrigger(context.Background(), i); err != nil {
			t.Fatalf("AsyncTrigger(%d): %v", i, err)
		}
	}

	didWork, err := q.Exec(context.Background())
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !didWork {
		t.Fatalf("Exec reported no work")
	}
	if calls != 1 {
		t.Fatalf("calls = %d; want exactly 1 after dedup", calls)
	}
	if lastSeen != 1000 {
		t.Fatalf("lastSeen = %d; want 1000 (latest-wins)", lastSeen)
	}
}

// TestEvent_PreFilterAcceptsBeforeHandlersRun covers spec §4.5
// "pre_filter_event(event) and filter_event(event) are invoked by the event
// during sync dispatch": a pre-filter accepting the trigger must stop
// dispatch before any handler, and before the ordinary filter chain, runs.
func TestEvent_PreFilterAcceptsBeforeHandlersRun(t *testing.T) {
	e := New[int]()
	q := DefaultQueue()

	var calledHandler, calledFilter bool
	e.Subscribe(context.Background(), func(ctx context.Context, v int) error {
		calledHandler = true
		return nil
	})
	e.RegisterFilter(q, func(ctx context.Context) bool {
		calledFilter = true
		return false
	})
	e.RegisterPreFilter(q, func(ctx context.Context) bool {
		return true
	})

	ok, err := e.SyncTrigger(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncTrigger: %v", err)
	}
	if ok {
		t.Fatalf("SyncTrigger() = true; want false once a pre-filter accepted")
	}
	if calledHandler {
		t.Fatalf("handler ran after a pre-filter accepted the trigger")
	}
	if calledFilter {
		t.Fatalf("ordinary filter ran after a pre-filter already accepted")
	}
}

// TestEvent_FilterRunsWhenPreFilterDoesNotAccept covers the fallthrough case:
// the ordinary filter chain still runs, and may itself accept, when no
// pre-filter does.
func TestEvent_FilterRunsWhenPreFilterDoesNotAccept(t *testing.T) {
	e := New[int]()
	q := DefaultQueue()

	var calledHandler bool
	e.Subscribe(context.Background(), func(ctx context.Context, v int) error {
		calledHandler = true
		return nil
	})
	e.RegisterPreFilter(q, func(ctx context.Context) bool { return false })
	e.RegisterFilter(q, func(ctx context.Context) bool { return true })

	ok, err := e.SyncTrigger(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncTrigger: %v", err)
	}
	if ok {
		t.Fatalf("SyncTrigger() = true; want false once the filter accepted")
	}
	if calledHandler {
		t.Fatalf("handler ran after the filter accepted the trigger")
	}
}

func TestEvent_IgnoreErrorsSuppressesHandlerError(t *testing.T) {
	e := New[int]()
	e.IgnoreErrors(true)
	sentinel := errors.New("boom")

	e.Subscribe(context.Background(), func(ctx context.Context, v int) error {
		return sentinel
	}, SameThread())

	ok, err := e.SyncTrigger(context.Background(), 1)
	if !ok {
		t.Fatalf("SyncTrigger() ok = false; want true")
	}
	if err != nil {
		t.Fatalf("SyncTrigger() err = %v; want nil with IgnoreErrors(true)", err)
	}
}

func TestEvent_SyncTriggerPropagatesHandlerError(t *testing.T) {
	e := New[int]()
	sentinel := errors.New("boom")

	e.Subscribe(context.Background(), func(ctx context.Context, v int) error {
		return sentinel
	}, SameThread())

	_, err := e.SyncTrigger(context.Background(), 1)
	if !errors.Is(err, sentinel) {
		t.Fatalf("SyncTrigger() err = %v; want %v", err, sentinel)
	}
}

func TestEvent_UnsubscribeUnknownCookieFails(t *testing.T) {
	e := New[int]()
	h := e.Subscribe(context.Background(), func(ctx context.Context, v int) error { return nil })
	if err := e.Unsubscribe(h); err != nil {
		t.Fatalf("first Unsubscribe: %v", err)
	}
	if err := e.Unsubscribe(h); !errors.Is(err, ErrEventHandlerNotFound) {
		t.Fatalf("second Unsubscribe() = %v; want ErrEventHandlerNotFound", err)
	}
}

func TestEvent_CloseInvalidatesHandles(t *testing.T) {
	e := New[int]()
	h := e.Subscribe(context.Background(), func(ctx context.Context, v int) error { return nil })

	if !h.Valid() {
		t.Fatalf("handle invalid before Close")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.Valid() {
		t.Fatalf("handle still valid after event Close")
	}
}

func TestEvent_UnsubscribeClientRemovesAll(t *testing.T) {
	e := New[int]()
	client := "subscriber-A"

	e.Subscribe(context.Background(), func(ctx context.Context, v int) error { return nil }, WithClientID(client))
	e.Subscribe(context.Background(), func(ctx context.Context, v int) error { return nil }, WithClientID(client))
	e.Subscribe(context.Background(), func(ctx context.Context, v int) error { return nil }, WithClientID("other"))

	removed := e.UnsubscribeClient(client)
	if removed != 2 {
		t.Fatalf("UnsubscribeClient removed %d; want 2", removed)
	}
	if len(e.handlers) != 1 {
		t.Fatalf("handlers remaining = %d; want 1", len(e.handlers))
	}
}

// TestEvent_ReentrantSubscribeRestartsDispatch covers spec §4.4
// "Re-entrancy and mutation": a handler that subscribes a new handler
// mid-dispatch triggers a restart-from-0, and the newly eligible handler
// fires within the same trigger, but the original handler is not re-invoked
// (its cached trigger_id already matches).
func TestEvent_ReentrantSubscribeRestartsDispatch(t *testing.T) {
	e := New[int]()

	var calledNew bool
	var seen int

	e.Subscribe(context.Background(), func(ctx context.Context, v int) error {
		seen++
		e.Subscribe(context.Background(), func(ctx context.Context, v int) error {
			calledNew = true
			return nil
		}, SameThread())
		return nil
	}, SameThread())

	ok, err := e.SyncTrigger(context.Background(), 7)
	if err != nil {
		t.Fatalf("SyncTrigger: %v", err)
	}
	if !ok {
		t.Fatalf("SyncTrigger() = false; want true")
	}
	if seen != 1 {
		t.Fatalf("original handler invoked %d times; want exactly 1 even after restart", seen)
	}
	if !calledNew {
		t.Fatalf("handler subscribed mid-dispatch never ran; restart-from-0 should have reached it in the same trigger")
	}
}
