package engine

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/openlumen/openlumen/pkg/stores"
	"github.com/openlumen/openlumen/pkg/telemetry"
)

// Priorities for enqueued work. Higher values dequeue first; ties break
// FIFO by enqueue order.
const (
	PriorityLow      = 0
	PriorityNormal   = 10
	PriorityRecovery = 20
)

// workItem is one queued process execution.
type workItem struct {
	processID string
	priority  int
	seq       uint64
}

// workQueue is a max-heap over priority with FIFO tie-break.
type workQueue []*workItem

func (q workQueue) Len() int { return len(q) }

func (q workQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q workQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *workQueue) Push(x any) { *q = append(*q, x.(*workItem)) }

func (q *workQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	// Workers is the worker pool size.
	Workers int

	// LeaseTTL is the lease duration a worker holds while executing a
	// process. Leases are renewed at a third of the TTL.
	LeaseTTL time.Duration

	// AcquireTimeout bounds how long a worker blocks waiting for a
	// subscription lease before requeueing the work.
	AcquireTimeout time.Duration

	// Clock supplies time; defaults to the real clock.
	Clock clock.WithTicker

	// Logger receives scheduler logs.
	Logger zerolog.Logger

	// Metrics receives scheduler metrics; nil disables collection.
	Metrics *telemetry.Metrics
}

// Scheduler dispatches process executions onto a bounded worker pool.
// Work for different subscriptions runs concurrently; work for a single
// subscription is serialized by the per-subscription lease. A worker that
// dies mid-run leaves its process in running status with an expiring lease;
// the recovery sweep re-enqueues such processes so execution resumes from
// the last committed step.
type Scheduler struct {
	engine  *Engine
	store   stores.Store
	clock   clock.WithTicker
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	owner          string
	workers        int
	leaseTTL       time.Duration
	acquireTimeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   workQueue
	queued  map[string]bool
	seq     uint64
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over the given engine and store.
func NewScheduler(engine *Engine, store stores.Store, cfg SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	s := &Scheduler{
		engine:         engine,
		store:          store,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		owner:          uuid.New().String(),
		workers:        cfg.Workers,
		leaseTTL:       cfg.LeaseTTL,
		acquireTimeout: cfg.AcquireTimeout,
		queued:         make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue admits a process for execution. Enqueueing an already-queued
// process is a no-op. Work for a locked subscription is accepted; the
// worker blocks on the lease instead of rejecting it.
func (s *Scheduler) Enqueue(processID string, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.queued[processID] {
		return
	}

	s.seq++
	heap.Push(&s.queue, &workItem{
		processID: processID,
		priority:  priority,
		seq:       s.seq,
	})
	s.queued[processID] = true
	s.metrics.QueueDepth(s.queue.Len())
	s.cond.Signal()
}

// Start runs the recovery sweep and launches the worker pool. It returns
// once the workers are running; Stop shuts them down.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.Recover(ctx); err != nil {
		cancel()
		return err
	}

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx)
		}()
	}

	// Wake blocked workers when the context ends.
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cond.Broadcast()
	}()

	return nil
}

// Stop shuts the scheduler down and waits for in-flight work to finish at
// its next step boundary.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Recover re-enqueues running processes whose lease is missing or expired.
// Called at startup and periodically to reclaim work from dead workers.
func (s *Scheduler) Recover(ctx context.Context) error {
	orphans, err := s.store.OrphanedProcesses(ctx, s.clock.Now())
	if err != nil {
		return err
	}

	for _, proc := range orphans {
		s.metrics.LeaseTakeover()
		s.logger.Warn().
			Str("process_id", proc.ID).
			Str("subscription_id", proc.SubscriptionID).
			Int("step_index", proc.StepIndex).
			Msg("reclaiming orphaned process")
		s.Enqueue(proc.ID, PriorityRecovery)
	}

	return nil
}

// QueueDepth returns the number of queued items.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		item := s.next()
		if item == nil {
			return
		}
		s.execute(ctx, item)
	}
}

// next blocks until work is available or the scheduler stops.
func (s *Scheduler) next() *workItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return nil
	}

	item := heap.Pop(&s.queue).(*workItem)
	delete(s.queued, item.processID)
	s.metrics.QueueDepth(s.queue.Len())
	return item
}

// execute acquires the subscription lease, runs the process with a renewal
// goroutine keeping the lease alive, and releases the lease afterwards.
func (s *Scheduler) execute(ctx context.Context, item *workItem) {
	proc, err := s.store.GetProcess(ctx, item.processID)
	if err != nil {
		s.logger.Error().Str("process_id", item.processID).Err(err).Msg("failed to load queued process")
		return
	}
	if proc.Status.IsTerminal() {
		return
	}

	if !s.acquireLease(ctx, proc) {
		return
	}
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), proc.SubscriptionID, proc.ID); err != nil {
			s.logger.Error().Str("process_id", proc.ID).Err(err).Msg("failed to release lease")
		}
	}()

	runCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go s.renewLease(runCtx, proc, stopRenewal)

	if err := s.engine.Run(runCtx, proc.ID); err != nil {
		// Infrastructure failure: the process stays recoverable, retry with
		// backoff by requeueing instead of surfacing a process failure.
		s.logger.Error().Str("process_id", proc.ID).Err(err).Msg("process run interrupted")
		if ctx.Err() == nil {
			s.Enqueue(proc.ID, item.priority)
		}
	}
}

// acquireLease blocks until the subscription lease is held, the acquire
// timeout passes (the work is requeued as backpressure), or the scheduler
// stops.
func (s *Scheduler) acquireLease(ctx context.Context, proc *stores.Process) bool {
	deadline := s.clock.Now().Add(s.acquireTimeout)

	for {
		now := s.clock.Now()
		err := s.store.AcquireLease(ctx, &stores.Lease{
			SubscriptionID: proc.SubscriptionID,
			ProcessID:      proc.ID,
			Owner:          s.owner,
			ExpiresAt:      now.Add(s.leaseTTL),
		}, now)
		if err == nil {
			return true
		}
		if !errors.Is(err, stores.ErrLeaseHeld) {
			s.logger.Error().Str("process_id", proc.ID).Err(err).Msg("lease acquisition failed")
			return false
		}

		if s.clock.Now().After(deadline) {
			s.logger.Debug().
				Str("process_id", proc.ID).
				Str("subscription_id", proc.SubscriptionID).
				Msg("lease wait timed out, requeueing")
			s.Enqueue(proc.ID, PriorityLow)
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-s.clock.After(s.leaseTTL / 10):
		}
	}
}

// renewLease keeps the worker's lease alive while the process runs. Losing
// the lease cancels the run so two workers never drive the same process.
func (s *Scheduler) renewLease(ctx context.Context, proc *stores.Process, lost context.CancelFunc) {
	interval := s.leaseTTL / 3
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			now := s.clock.Now()
			err := s.store.RenewLease(ctx, proc.SubscriptionID, s.owner, now.Add(s.leaseTTL), now)
			if err != nil {
				if errors.Is(err, stores.ErrLeaseLost) {
					s.logger.Warn().Str("process_id", proc.ID).Msg("lease lost, cancelling run")
					lost()
					return
				}
				s.logger.Error().Str("process_id", proc.ID).Err(err).Msg("lease renewal failed")
			}
		}
	}
}
