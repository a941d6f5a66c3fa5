// Package pool implements the priority-based, work-stealing thread pool of
// the runtime: a fixed-width (monotonically growable) set of worker
// goroutines, each with a priority-ordered local queue. A worker that
// finishes a task with an empty local queue steals from a peer; a worker
// already blocked idle does not look at its peers' queues.
//
// It generalizes the teacher package's (github.com/ygrebnov/workers) pool
// indirection (workers.go's dispatch-through-pool.Get/Put) and options
// builder (options.go) from an object pool of stateless worker structs into
// a true priority scheduler; see DESIGN.md for the full grounding.
package pool

import (
	"context"
	"runtime"
	"sync"

	"github.com/madebr/corerun/metrics"
)

// Pool is a fixed-size, monotonically growable set of worker goroutines
// that execute prioritized, cancellable Tasks (spec §3/§4.3). Work stealing
// happens when a worker finishes a task and finds its own queue empty: it
// takes the front entry of the first peer with pending work. A worker that
// is already blocked idle is not woken to steal.
//
// The pool's topology lock (mu) plays the role of the spec's single,
// recursive pool-wide mutex. Go discourages recursive mutexes; rather than
// hand-roll one, every method that must call back into pool state while
// already holding mu does so through a "Locked"-suffixed helper that never
// re-acquires mu itself, preserving the spec's ordering guarantees without
// recursion (see DESIGN.md).
type Pool struct {
	mu      sync.Mutex
	workers []*worker
	stopped bool
	idle    bool

	waitMu   sync.Mutex
	waitCond *sync.Cond

	ctx    context.Context
	cancel context.CancelFunc

	metrics metrics.Provider

	stop *stopCoordinator
}

// New constructs a Pool with zero workers; call Reserve (or pass
// WithWorkers) before submitting work.
func New(opts ...Option) *Pool {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		ctx:     ctx,
		cancel:  cancel,
		metrics: cfg.provider,
		idle:    true,
	}
	p.waitCond = sync.NewCond(&p.waitMu)
	p.stop = newStopCoordinator(p.stopAllWorkers, p.wakeWaiters)

	if cfg.workers > 0 {
		p.Reserve(cfg.workers)
	}

	return p
}

var defaultPool = sync.OnceValue(func() *Pool {
	return New(WithWorkers(uint(runtime.NumCPU())))
})

// DefaultPool returns the process-wide default pool, lazily sized to
// runtime.NumCPU() workers on first use (spec §9 "Global default pool").
func DefaultPool() *Pool {
	return defaultPool()
}

// Reserve grows the worker count to n. It never shrinks the pool (spec §3
// invariant ii); calling it with n less than or equal to the current count
// is a no-op.
func (p *Pool) Reserve(n uint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for uint(len(p.workers)) < n {
		w := newWorker(p, p.ctx)
		p.workers = append(p.workers, w)
		go w.run()
	}
}

// workerCount reports the current number of workers.
func (p *Pool) workerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Start dispatches t at priority to the first idle worker, or to worker 0 if
// none are idle (spec §4.3: this guarantees forward progress when every
// worker is busy; load balancing is then delegated to work stealing on the
// consumer side). It returns ErrNoThreads if the pool has zero workers, and
// is a no-op once the pool has been stopped.
func (p *Pool) Start(t Task, priority int) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return ErrNoThreads
	}

	target := p.workers[0]
	for _, w := range p.workers {
		if !w.active() {
			target = w
			break
		}
	}
	p.mu.Unlock()

	target.add(t, priority)
	p.recordCounters()
	return nil
}

// TryStart is identical to Start but returns false, without enqueuing,
// if no idle worker is currently available (spec §4.3).
func (p *Pool) TryStart(t Task, priority int) bool {
	p.mu.Lock()
	if p.stopped || len(p.workers) == 0 {
		p.mu.Unlock()
		return false
	}

	var target *worker
	for _, w := range p.workers {
		if !w.active() {
			target = w
			break
		}
	}
	p.mu.Unlock()

	if target == nil {
		return false
	}

	target.add(t, priority)
	p.recordCounters()
	return true
}

// Run wraps fn as a Task and calls Start, returning the task's Future and
// the Task handle (for Cancel), mirroring the teacher's
// dispatch/RunAll convenience constructors.
func (p *Pool) Run(fn func(context.Context) error, priority int) (*Future, Task, error) {
	t := FunctionTask(fn)
	if err := p.Start(t, priority); err != nil {
		return nil, nil, err
	}
	return t.Future(), t, nil
}

// Wait blocks the calling goroutine until the pool is stopped or every
// worker is simultaneously idle. It must not be called from within a
// worker's own task body: all workers busy-waiting inside Wait would
// deadlock the pool, since no worker would ever finish a task to make the
// others idle (spec §4.3).
func (p *Pool) Wait() {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()

	for !p.stoppedState() && !p.allIdle() {
		p.waitCond.Wait()
	}
}

func (p *Pool) stoppedState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Pool) allIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// Stop signals every worker to stop and wakes anyone blocked in Wait.
// Idempotent.
func (p *Pool) Stop() {
	p.stop.run()
}

func (p *Pool) stopAllWorkers() {
	p.mu.Lock()
	p.stopped = true
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	p.cancel()
}

func (p *Pool) wakeWaiters() {
	p.waitMu.Lock()
	p.waitCond.Broadcast()
	p.waitMu.Unlock()
}

// stealWorkLocked scans workers in creation order, skipping self, and
// transfers the front entry of the first worker with a non-empty queue
// (spec §4.3). Caller must already hold p.mu.
func (p *Pool) stealWorkLocked(self *worker) bool {
	for _, w := range p.workers {
		if w == self {
			continue
		}
		if w.stealWork(self) {
			p.metrics.Counter(metrics.PoolStealsTotal).Add(1)
			return true
		}
	}
	return false
}

// updateIdleLocked recomputes the pool's idle flag by scanning every
// worker, and must run on every gone_idle/gone_busy transition (spec
// §4.3). Caller must already hold p.mu.
func (p *Pool) updateIdleLocked() {
	allIdle := true
	for _, w := range p.workers {
		if !w.idle() {
			allIdle = false
			break
		}
	}
	p.idle = allIdle

	if allIdle {
		p.wakeWaiters()
	}
}

// recordCounters snapshots worker state into the pool's metrics provider.
// Snapshots (rather than deltas) keep this safe to call from any goroutine
// without extra bookkeeping, at the cost of instruments that reflect a
// point-in-time count rather than a running total.
func (p *Pool) recordCounters() {
	p.mu.Lock()
	active, idleN, depth := 0, 0, 0
	for _, w := range p.workers {
		if w.active() {
			active++
		} else {
			idleN++
		}
		depth += w.queueLen()
	}
	p.mu.Unlock()

	p.metrics.Histogram(metrics.PoolActiveWorkers).Record(float64(active))
	p.metrics.Histogram(metrics.PoolIdleWorkers).Record(float64(idleN))
	p.metrics.Histogram(metrics.PoolQueueDepth).Record(float64(depth))
}
