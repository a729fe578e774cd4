package engine

import (
	"container/heap"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openlumen/openlumen/pkg/stores"
)

// waitFor polls until the condition holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

// TestWorkQueueOrdering tests priority ordering with FIFO tie-break
func TestWorkQueueOrdering(t *testing.T) {
	q := workQueue{}
	heap.Init(&q)

	heap.Push(&q, &workItem{processID: "low-1", priority: PriorityLow, seq: 1})
	heap.Push(&q, &workItem{processID: "normal-1", priority: PriorityNormal, seq: 2})
	heap.Push(&q, &workItem{processID: "recovery", priority: PriorityRecovery, seq: 3})
	heap.Push(&q, &workItem{processID: "normal-2", priority: PriorityNormal, seq: 4})
	heap.Push(&q, &workItem{processID: "low-2", priority: PriorityLow, seq: 5})

	want := []string{"recovery", "normal-1", "normal-2", "low-1", "low-2"}
	for _, expected := range want {
		item := heap.Pop(&q).(*workItem)
		if item.processID != expected {
			t.Fatalf("expected %s, got %s", expected, item.processID)
		}
	}
}

// TestSchedulerExecutesProcess tests end-to-end dispatch through the worker
// pool
func TestSchedulerExecutesProcess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	scheduler := NewScheduler(env.engine, env.store, SchedulerConfig{
		Workers:  2,
		LeaseTTL: 200 * time.Millisecond,
	})
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	processID, err := env.engine.Start(ctx, "provision_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	scheduler.Enqueue(processID, PriorityNormal)

	waitFor(t, 5*time.Second, func() bool {
		proc, err := env.store.GetProcess(ctx, processID)
		return err == nil && proc.Status == stores.ProcessStatusCompleted
	}, "process did not complete")

	// The worker released its lease after the run.
	if _, err := env.store.GetLease(ctx, "sub-001"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected lease released, got %v", err)
	}

	sub, err := env.store.GetSubscription(ctx, "sub-001")
	if err != nil {
		t.Fatalf("failed to load subscription: %v", err)
	}
	if sub.State != stores.LifecycleActive {
		t.Errorf("expected active subscription, got %s", sub.State)
	}
}

// TestSchedulerEnqueueDeduplicates tests that a queued process is not
// enqueued twice
func TestSchedulerEnqueueDeduplicates(t *testing.T) {
	env := newTestEnv(t)

	// Not started: items stay queued for inspection.
	scheduler := NewScheduler(env.engine, env.store, SchedulerConfig{})

	scheduler.Enqueue("proc-001", PriorityNormal)
	scheduler.Enqueue("proc-001", PriorityRecovery)
	scheduler.Enqueue("proc-002", PriorityLow)

	if depth := scheduler.QueueDepth(); depth != 2 {
		t.Errorf("expected queue depth 2, got %d", depth)
	}
}

// TestSchedulerRecover tests that the sweep re-enqueues orphaned processes
func TestSchedulerRecover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A worker crashed mid-provisioning: subscription and first steps are
	// committed, the process is running, the lease expired.
	env.acts.verifyErr = NewDeviceError("transient", nil)
	env.acts.verifyFails = 1

	processID, err := env.engine.Start(ctx, "provision_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("failed to run process: %v", err)
	}
	if err := env.store.UpdateProcessStatus(ctx, processID, stores.ProcessStatusRunning, nil); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if err := env.store.AcquireLease(ctx, &stores.Lease{
		SubscriptionID: "sub-001",
		ProcessID:      processID,
		Owner:          "dead-worker",
		ExpiresAt:      time.Now().Add(-time.Minute),
	}, time.Now().Add(-2*time.Minute)); err != nil {
		t.Fatalf("failed to plant expired lease: %v", err)
	}

	scheduler := NewScheduler(env.engine, env.store, SchedulerConfig{
		Workers:  1,
		LeaseTTL: 200 * time.Millisecond,
	})
	// Start runs the recovery sweep, which reclaims and finishes the run.
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	waitFor(t, 5*time.Second, func() bool {
		proc, err := env.store.GetProcess(ctx, processID)
		return err == nil && proc.Status == stores.ProcessStatusCompleted
	}, "orphaned process was not recovered")

	// Early steps were not replayed by the takeover.
	if n := env.acts.count("reserve"); n != 1 {
		t.Errorf("expected reserve to run once, ran %d times", n)
	}
}

// TestSchedulerLeaseBackpressure tests that work for a held subscription
// waits for the lease instead of failing
func TestSchedulerLeaseBackpressure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provision(t, "sub-001")

	processID, err := env.engine.Start(ctx, "modify_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start modify: %v", err)
	}

	// A foreign worker holds the subscription.
	if err := env.store.AcquireLease(ctx, &stores.Lease{
		SubscriptionID: "sub-001",
		ProcessID:      "foreign-process",
		Owner:          "other-worker",
		ExpiresAt:      time.Now().Add(time.Hour),
	}, time.Now()); err != nil {
		t.Fatalf("failed to plant foreign lease: %v", err)
	}

	scheduler := NewScheduler(env.engine, env.store, SchedulerConfig{
		Workers:        1,
		LeaseTTL:       100 * time.Millisecond,
		AcquireTimeout: 30 * time.Second,
	})
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	scheduler.Enqueue(processID, PriorityNormal)

	// The worker blocks on the lease; the process must not run yet.
	time.Sleep(300 * time.Millisecond)
	proc, err := env.store.GetProcess(ctx, processID)
	if err != nil {
		t.Fatalf("failed to load process: %v", err)
	}
	if proc.Status != stores.ProcessStatusPending {
		t.Fatalf("expected process still pending while lease is held, got %s", proc.Status)
	}

	// Releasing the foreign lease unblocks the run.
	if err := env.store.ReleaseLease(ctx, "sub-001", "foreign-process"); err != nil {
		t.Fatalf("failed to release foreign lease: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		proc, err := env.store.GetProcess(ctx, processID)
		return err == nil && proc.Status == stores.ProcessStatusCompleted
	}, "process did not run after lease release")
}

// TestSchedulerRenewsLeaseDuringLongRun tests that the renew loop keeps
// extending the lease while a step is still executing
func TestSchedulerRenewsLeaseDuringLongRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.registry.RegisterAction("test.slow", func(ctx context.Context, _ ActionContext) (*ActionResult, error) {
		select {
		case <-time.After(600 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &ActionResult{}, nil
	}); err != nil {
		t.Fatalf("failed to register action: %v", err)
	}
	if err := env.registry.Register(&Definition{
		Name:        "slow_widget",
		ProductType: "widget",
		Target:      TargetModify,
		Steps: []StepSpec{
			{Name: "begin_modify", Action: "test.begin_modify"},
			{Name: "slow", Action: "test.slow"},
			{Name: "finish", Action: "test.activate"},
		},
	}); err != nil {
		t.Fatalf("failed to register definition: %v", err)
	}

	env.provision(t, "sub-001")

	processID, err := env.engine.Start(ctx, "slow_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	scheduler := NewScheduler(env.engine, env.store, SchedulerConfig{
		Workers:  1,
		LeaseTTL: 150 * time.Millisecond,
	})
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	scheduler.Enqueue(processID, PriorityNormal)

	var firstExpiry time.Time
	waitFor(t, 5*time.Second, func() bool {
		lease, err := env.store.GetLease(ctx, "sub-001")
		if err != nil {
			return false
		}
		firstExpiry = lease.ExpiresAt
		return true
	}, "worker did not take the lease")

	// The slow step outlives the TTL, so only renewal keeps the lease
	// from expiring under the worker.
	waitFor(t, 5*time.Second, func() bool {
		lease, err := env.store.GetLease(ctx, "sub-001")
		return err == nil && lease.ExpiresAt.After(firstExpiry)
	}, "lease expiry was not extended during the run")

	waitFor(t, 5*time.Second, func() bool {
		proc, err := env.store.GetProcess(ctx, processID)
		return err == nil && proc.Status == stores.ProcessStatusCompleted
	}, "process did not complete")
}

// TestSchedulerSkipsTerminalProcesses tests that queued terminal work is
// dropped
func TestSchedulerSkipsTerminalProcesses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	processID := env.provision(t, "sub-001")

	scheduler := NewScheduler(env.engine, env.store, SchedulerConfig{
		Workers:  1,
		LeaseTTL: 200 * time.Millisecond,
	})
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	scheduler.Enqueue(processID, PriorityNormal)

	waitFor(t, 2*time.Second, func() bool {
		return scheduler.QueueDepth() == 0
	}, "queue did not drain")

	// No lease was taken for the dropped item.
	if _, err := env.store.GetLease(ctx, "sub-001"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected no lease, got %v", err)
	}
}
