package pool

import (
	"context"
	"sort"
	"sync"
)

// queuedTask pairs a Task with the priority it was submitted at.
type queuedTask struct {
	task     Task
	priority int
}

// worker owns one OS-backed goroutine and a priority-ordered local queue.
// It is the generalization of the teacher's channel-fed worker.go/dispatcher.go
// pair into the condvar-driven, priority-aware state machine of spec §4.2:
//
//	Idle -> Promoting -> Running -> Releasing -> Idle | Promoting
//	Any -> Terminated
//
// Invariants (spec §3 Worker):
//   - active != nil iff the worker is running or about to run it.
//   - while active != nil, add only enqueues, never wakes.
//   - entries is sorted non-increasing by priority; insertion is stable for
//     equal priorities.
type worker struct {
	pool *Pool

	mu      sync.Mutex
	cond    *sync.Cond
	entries    []queuedTask
	activeTask *queuedTask
	stopped    bool

	ctx context.Context
}

func newWorker(p *Pool, ctx context.Context) *worker {
	w := &worker{pool: p, ctx: ctx}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// add inserts t at the position preserving non-increasing priority order
// (spec §4.2). If no task is currently active, it immediately promotes the
// head entry to active and wakes the worker goroutine.
func (w *worker) add(t Task, priority int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	// Find the first index whose priority is strictly less than the new
	// one; insert before it so equal priorities keep insertion order
	// (stable, spec §3 invariant iii).
	idx := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].priority < priority
	})

	entry := queuedTask{task: t, priority: priority}
	w.entries = append(w.entries, queuedTask{})
	copy(w.entries[idx+1:], w.entries[idx:])
	w.entries[idx] = entry

	if w.activeTask == nil {
		w.promoteLocked()
	}
}

// promoteLocked pops the head of entries into active. Caller holds w.mu.
func (w *worker) promoteLocked() {
	if len(w.entries) == 0 {
		return
	}
	head := w.entries[0]
	w.entries = w.entries[1:]
	w.activeTask = &head
	w.cond.Signal()
}

// popFrontLocked removes and returns the highest-priority pending entry
// without touching active. Caller holds w.mu.
func (w *worker) popFrontLocked() (queuedTask, bool) {
	if len(w.entries) == 0 {
		return queuedTask{}, false
	}
	head := w.entries[0]
	w.entries = w.entries[1:]
	return head, true
}

// stealWork pops the front (highest-priority) pending entry, if any, and
// hands it to idle via add. It returns whether a transfer occurred (spec
// §4.2/§4.3: "thief gains the victim's highest-priority pending task").
func (w *worker) stealWork(idle *worker) bool {
	w.mu.Lock()
	entry, ok := w.popFrontLocked()
	w.mu.Unlock()

	if !ok {
		return false
	}

	idle.add(entry.task, entry.priority)
	return true
}

// queueLen reports the number of pending (non-active) entries, used by the
// pool for steal scanning and metrics.
func (w *worker) queueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// active reports whether a task is currently executing (spec §8 invariant
// "W.active <=> W.active_task != bottom").
func (w *worker) active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeTask != nil
}

// idle reports whether the worker has neither an active task nor pending
// entries.
func (w *worker) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeTask == nil && len(w.entries) == 0
}

// stop requests the worker goroutine to terminate: it sets stopped and wakes
// the goroutine. It does not wait for the goroutine to exit; run returns
// only once it has no active task left to run.
func (w *worker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// run is the worker goroutine body, implementing the state machine of spec
// §4.2. It blocks on the local condition variable while idle and exits once
// stopped is observed with no active task.
func (w *worker) run() {
	for {
		w.mu.Lock()
		for w.activeTask == nil && !w.stopped {
			w.cond.Wait()
		}
		if w.activeTask == nil && w.stopped {
			w.mu.Unlock()
			return
		}
		task := w.activeTask.task
		priority := w.activeTask.priority
		w.mu.Unlock()

		// Cancellation is checked immediately before Run (spec §4.2/§5): a
		// cancelled task is skipped but its Future still completes. Run
		// implementations complete their own Future on return; the
		// redundant complete() here is a no-op for them (Future.complete is
		// once-guarded) and the safety net for simpler Task implementations
		// that forget to.
		if !task.Cancelled() {
			err := task.Run(w.ctx, NoYield)
			task.Future().complete(err)
		} else {
			task.Future().complete(nil)
		}

		w.release(priority)
	}
}

// release clears the active slot, then runs next_task under the pool's
// topology lock: steal from a peer if the local queue is empty, else
// promote the local head; otherwise report idle (spec §4.2 "Releasing").
func (w *worker) release(_ int) {
	w.mu.Lock()
	w.activeTask = nil
	w.mu.Unlock()

	w.nextTask()
}

func (w *worker) nextTask() {
	w.pool.mu.Lock()
	defer w.pool.mu.Unlock()

	w.mu.Lock()
	empty := len(w.entries) == 0
	w.mu.Unlock()

	if empty {
		w.pool.stealWorkLocked(w)
	}

	w.mu.Lock()
	if w.activeTask == nil && len(w.entries) > 0 {
		w.promoteLocked()
	}
	w.mu.Unlock()

	w.pool.updateIdleLocked()
}
