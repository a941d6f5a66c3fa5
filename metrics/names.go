package metrics

// Instrument names shared by the pool and event packages. Centralizing them
// here keeps the two subsystems' dashboards consistent and catches typos at
// compile time rather than at a metrics backend.
const (
	PoolStealsTotal   = "pool.steals_total"
	PoolActiveWorkers = "pool.active_workers"
	PoolIdleWorkers   = "pool.idle_workers"
	PoolQueueDepth    = "pool.queue_depth"

	EventSubscriptionsTotal   = "event.subscriptions_total"
	EventSyncDispatchedTotal  = "event.sync_dispatched_total"
	EventAsyncDispatchedTotal = "event.async_dispatched_total"
	EventDedupTotal           = "event.dedup_total"
	EventQueueDepth           = "event.queue_depth"
)
