package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/madebr/corerun/metrics"
)

// TestPool_PriorityOrder covers spec §8 scenario 1: with a single worker,
// tasks submitted while it is busy must run in non-increasing priority
// order once it drains its queue.
func TestPool_PriorityOrder(t *testing.T) {
	p := New(WithWorkers(1))
	defer p.Stop()

	release := make(chan struct{})
	gate, _, err := p.Run(func(ctx context.Context) error {
		<-release
		return nil
	}, 0)
	if err != nil {
		t.Fatalf("Run gate: %v", err)
	}

	var mu sync.Mutex
	var order []string

	submit := func(name string, priority int) {
		_, _, err := p.Run(func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}, priority)
		if err != nil {
			t.Fatalf("Run %s: %v", name, err)
		}
	}

	// The gate task is active; these three enqueue without running.
	submit("T1", 1)
	submit("T2", 5)
	submit("T3", 3)

	close(release)
	if err := gate.Wait(context.Background()); err != nil {
		t.Fatalf("gate wait: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for all tasks to run, got %v", order)
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()

	want := []string{"T2", "T3", "T1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v; want %v", got, want)
		}
	}
}

// TestPool_WorkStealing covers spec §8 scenario 2: an idle worker pulls work
// from a busy peer.
func TestPool_WorkStealing(t *testing.T) {
	p := New(WithWorkers(2))
	defer p.Stop()

	var started sync.WaitGroup
	started.Add(10)

	var mu sync.Mutex
	ran := map[int]bool{}

	worker0 := p.workers[0]

	for i := 0; i < 10; i++ {
		idx := i
		task := FunctionTask(func(ctx context.Context) error {
			started.Done()
			mu.Lock()
			ran[idx] = true
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		worker0.add(task, 0)
	}

	done := make(chan struct{})
	go func() {
		started.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("not all tasks started in time")
	}

	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 10 {
		t.Fatalf("expected all 10 tasks to run, got %d", len(ran))
	}
}

// TestPool_Cancellation covers spec §8 scenario 3: a cancelled task is
// skipped, never invoked, but its Future still completes.
func TestPool_Cancellation(t *testing.T) {
	p := New(WithWorkers(1))
	defer p.Stop()

	ran := false
	task := FunctionTask(func(ctx context.Context) error {
		ran = true
		return nil
	})
	task.Cancel()

	if err := p.Start(task, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := task.Future().Wait(context.Background()); err != nil {
		t.Fatalf("future wait: %v", err)
	}

	if ran {
		t.Fatalf("cancelled task's body was invoked")
	}
}

func TestPool_StartNoThreads(t *testing.T) {
	p := New()
	task := FunctionTask(func(ctx context.Context) error { return nil })

	if err := p.Start(task, 0); err == nil {
		t.Fatalf("expected ErrNoThreads, got nil")
	}
}

func TestPool_ReserveMonotonic(t *testing.T) {
	p := New(WithWorkers(2))
	defer p.Stop()

	p.Reserve(1) // must not shrink
	if got := p.workerCount(); got != 2 {
		t.Fatalf("worker count after shrink attempt = %d; want 2", got)
	}

	p.Reserve(4)
	if got := p.workerCount(); got != 4 {
		t.Fatalf("worker count after grow = %d; want 4", got)
	}
}

// TestPool_MetricsRecordSteals wires a BasicProvider through WithMetrics and
// checks a real steal is reflected in its counter.
func TestPool_MetricsRecordSteals(t *testing.T) {
	provider := metrics.NewBasicProvider()
	p := New(WithWorkers(2), WithMetrics(provider))
	defer p.Stop()

	var started sync.WaitGroup
	started.Add(5)

	worker0 := p.workers[0]
	for i := 0; i < 5; i++ {
		task := FunctionTask(func(ctx context.Context) error {
			started.Done()
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		worker0.add(task, 0)
	}

	done := make(chan struct{})
	go func() {
		started.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("not all tasks started in time")
	}
	p.Wait()

	steals := provider.Counter(metrics.PoolStealsTotal).(*metrics.BasicCounter)
	if steals.Snapshot() == 0 {
		t.Fatalf("expected worker 1 to have stolen at least one task from worker 0")
	}
}

func TestPool_WaitReturnsWhenIdle(t *testing.T) {
	p := New(WithWorkers(2))
	defer p.Stop()

	_, _, err := p.Run(func(ctx context.Context) error { return nil }, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return once pool went idle")
	}
}
