package pool

import "sync"

// stopCoordinator runs the pool's shutdown sequence exactly once, mirroring
// the teacher's lifecycleCoordinator (lifecycle.go): a sync.Once-guarded,
// ordered sequence of steps, safe for concurrent callers.
//
// Sequence for a Pool: signal every worker to stop, cancel the pool's base
// context, then wake anyone blocked in Wait. Worker goroutines are not
// joined; each exits on its own once it has no active task.
type stopCoordinator struct {
	once sync.Once

	stopWorkers func()
	wakeWaiters func()
}

func newStopCoordinator(stopWorkers, wakeWaiters func()) *stopCoordinator {
	return &stopCoordinator{stopWorkers: stopWorkers, wakeWaiters: wakeWaiters}
}

func (c *stopCoordinator) run() {
	c.once.Do(func() {
		if c.stopWorkers != nil {
			c.stopWorkers()
		}
		if c.wakeWaiters != nil {
			c.wakeWaiters()
		}
	})
}
