package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/openlumen/openlumen/pkg/stores"
)

func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testActions records action invocations and injects failures. The recorded
// call order doubles as the execution trace the tests assert on.
type testActions struct {
	mu    sync.Mutex
	calls []string

	configureErr   error
	configureFails int
	verifyErr      error
	verifyFails    int
	unconfigureErr error

	sawReserveToken bool
}

func (a *testActions) record(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, name)
}

func (a *testActions) trace() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.calls...)
}

func (a *testActions) count(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (a *testActions) takeFailure(err *error, left *int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if *err != nil && *left > 0 {
		*left--
		return *err
	}
	return nil
}

type testEnv struct {
	store    *stores.SQLiteStore
	registry *Registry
	engine   *Engine
	acts     *testActions
}

// newTestEnv builds an engine over an in-memory store with a synthetic
// widget product: a provisioning workflow with compensations and a modify
// workflow.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := newTestStore(t)
	acts := &testActions{}
	reg := NewRegistry()

	transition := func(target stores.LifecycleState) ActionFunc {
		return func(_ context.Context, ac ActionContext) (*ActionResult, error) {
			if ac.Subscription.State == target {
				return &ActionResult{}, nil
			}
			state := target
			return &ActionResult{Transition: &state}, nil
		}
	}

	actions := map[string]ActionFunc{
		"test.initialize": func(_ context.Context, ac ActionContext) (*ActionResult, error) {
			acts.record("initialize")
			attrs := map[string]string{"size": "large"}
			if raw, ok := ac.Input["attributes"].(map[string]any); ok {
				for k, v := range raw {
					if s, ok := v.(string); ok {
						attrs[k] = s
					}
				}
			}
			return &ActionResult{
				Create: &SubscriptionSeed{ProductType: "widget", Attributes: attrs},
			}, nil
		},
		"test.begin": func(ctx context.Context, ac ActionContext) (*ActionResult, error) {
			acts.record("begin")
			return transition(stores.LifecycleProvisioning)(ctx, ac)
		},
		"test.reserve": func(_ context.Context, ac ActionContext) (*ActionResult, error) {
			acts.record("reserve")
			return &ActionResult{Output: map[string]any{"token": "tok-1"}}, nil
		},
		"test.release": func(_ context.Context, ac ActionContext) (*ActionResult, error) {
			acts.record("release")
			return &ActionResult{}, nil
		},
		"test.configure": func(_ context.Context, ac ActionContext) (*ActionResult, error) {
			acts.record("configure")
			if out, ok := ac.Outputs["reserve"].(map[string]any); ok {
				if out["token"] == "tok-1" {
					acts.mu.Lock()
					acts.sawReserveToken = true
					acts.mu.Unlock()
				}
			}
			if err := acts.takeFailure(&acts.configureErr, &acts.configureFails); err != nil {
				return nil, err
			}
			return &ActionResult{Output: map[string]any{"configured": true}}, nil
		},
		"test.unconfigure": func(_ context.Context, ac ActionContext) (*ActionResult, error) {
			acts.record("unconfigure")
			return nil, acts.unconfigureErr
		},
		"test.verify": func(_ context.Context, ac ActionContext) (*ActionResult, error) {
			acts.record("verify")
			if err := acts.takeFailure(&acts.verifyErr, &acts.verifyFails); err != nil {
				return nil, err
			}
			return &ActionResult{}, nil
		},
		"test.activate": func(ctx context.Context, ac ActionContext) (*ActionResult, error) {
			acts.record("activate")
			return transition(stores.LifecycleActive)(ctx, ac)
		},
		"test.begin_modify": func(ctx context.Context, ac ActionContext) (*ActionResult, error) {
			acts.record("begin_modify")
			return transition(stores.LifecycleModifying)(ctx, ac)
		},
		"test.set": func(_ context.Context, ac ActionContext) (*ActionResult, error) {
			acts.record("set")
			attrs := map[string]string{}
			if raw, ok := ac.Input["attributes"].(map[string]any); ok {
				for k, v := range raw {
					if s, ok := v.(string); ok {
						attrs[k] = s
					}
				}
			}
			return &ActionResult{SetAttributes: attrs}, nil
		},
	}
	for name, fn := range actions {
		if err := reg.RegisterAction(name, fn); err != nil {
			t.Fatalf("failed to register action %s: %v", name, err)
		}
	}

	defs := []*Definition{
		{
			Name:        "provision_widget",
			ProductType: "widget",
			Target:      TargetCreate,
			Steps: []StepSpec{
				{Name: "initialize", Action: "test.initialize"},
				{Name: "begin", Action: "test.begin"},
				{Name: "reserve", Action: "test.reserve", Compensate: "test.release"},
				{Name: "configure", Action: "test.configure", Compensate: "test.unconfigure", Retryable: true},
				{Name: "verify", Action: "test.verify", Retryable: true},
				{Name: "activate", Action: "test.activate"},
			},
		},
		{
			Name:        "modify_widget",
			ProductType: "widget",
			Target:      TargetModify,
			Steps: []StepSpec{
				{Name: "begin_modify", Action: "test.begin_modify"},
				{Name: "set", Action: "test.set"},
				{Name: "finish", Action: "test.activate"},
			},
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("failed to register definition %s: %v", def.Name, err)
		}
	}

	eng := NewEngine(store, reg, Options{
		Clock: clocktesting.NewFakePassiveClock(time.Now()),
	})

	return &testEnv{store: store, registry: reg, engine: eng, acts: acts}
}

// provision runs the provisioning workflow to completion and returns the
// process ID.
func (env *testEnv) provision(t *testing.T, subscriptionID string) string {
	t.Helper()
	ctx := context.Background()

	processID, err := env.engine.Start(ctx, "provision_widget", subscriptionID, nil)
	if err != nil {
		t.Fatalf("failed to start provisioning: %v", err)
	}
	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("failed to run provisioning: %v", err)
	}

	proc, err := env.store.GetProcess(ctx, processID)
	if err != nil {
		t.Fatalf("failed to load process: %v", err)
	}
	if proc.Status != stores.ProcessStatusCompleted {
		t.Fatalf("expected provisioning to complete, got %s", proc.Status)
	}
	return processID
}

// TestEngineHappyPath tests a full provisioning run
func TestEngineHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	input := map[string]any{"attributes": map[string]any{"size": "xl"}}
	processID, err := env.engine.Start(ctx, "provision_widget", "sub-001", input)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("failed to run: %v", err)
	}

	proc, records, err := env.engine.History(ctx, processID)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if proc.Status != stores.ProcessStatusCompleted {
		t.Errorf("expected completed, got %s", proc.Status)
	}
	if proc.StepIndex != 6 {
		t.Errorf("expected step index 6, got %d", proc.StepIndex)
	}
	if len(records) != 6 {
		t.Fatalf("expected 6 step records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Outcome != stores.StepOutcomeOK {
			t.Errorf("step %s: expected ok outcome, got %s", rec.StepName, rec.Outcome)
		}
		if rec.Attempt != 1 {
			t.Errorf("step %s: expected attempt 1, got %d", rec.StepName, rec.Attempt)
		}
	}

	sub, err := env.store.GetSubscription(ctx, "sub-001")
	if err != nil {
		t.Fatalf("failed to load subscription: %v", err)
	}
	if sub.State != stores.LifecycleActive {
		t.Errorf("expected active state, got %s", sub.State)
	}
	if sub.ProductType != "widget" {
		t.Errorf("expected widget product type, got %s", sub.ProductType)
	}
	// Create at v1, then two transition commits.
	if sub.Version != 3 {
		t.Errorf("expected version 3, got %d", sub.Version)
	}
	if sub.Attributes["size"] != "xl" {
		t.Errorf("expected input attribute to win, got %v", sub.Attributes)
	}

	want := []string{"initialize", "begin", "reserve", "configure", "verify", "activate"}
	got := env.acts.trace()
	if len(got) != len(want) {
		t.Fatalf("expected trace %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected trace %v, got %v", want, got)
		}
	}
	if !env.acts.sawReserveToken {
		t.Error("expected configure to observe the reserve step's output")
	}
}

// TestRetryableFailureSuspends tests that a retryable step failure suspends
// the process and leaves the subscription untouched
func TestRetryableFailureSuspends(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.acts.configureErr = NewDeviceError("device unreachable", nil)
	env.acts.configureFails = 1

	processID, err := env.engine.Start(ctx, "provision_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("run returned infrastructure error: %v", err)
	}

	proc, err := env.store.GetProcess(ctx, processID)
	if err != nil {
		t.Fatalf("failed to load process: %v", err)
	}
	if proc.Status != stores.ProcessStatusSuspended {
		t.Fatalf("expected suspended, got %s", proc.Status)
	}
	if proc.StepIndex != 3 {
		t.Errorf("expected step index 3, got %d", proc.StepIndex)
	}
	if proc.Error == nil {
		t.Error("expected process error to be recorded")
	}

	// The failure did not touch the subscription.
	sub, err := env.store.GetSubscription(ctx, "sub-001")
	if err != nil {
		t.Fatalf("failed to load subscription: %v", err)
	}
	if sub.State != stores.LifecycleProvisioning {
		t.Errorf("expected provisioning state, got %s", sub.State)
	}

	if err := env.engine.Retry(ctx, processID); err != nil {
		t.Fatalf("failed to retry: %v", err)
	}
	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("failed to run after retry: %v", err)
	}

	proc, records, err := env.engine.History(ctx, processID)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if proc.Status != stores.ProcessStatusCompleted {
		t.Errorf("expected completed after retry, got %s", proc.Status)
	}

	// The failed attempt and the successful one are both on record.
	var configureAttempts []stores.StepOutcome
	for _, rec := range records {
		if rec.StepName == "configure" {
			configureAttempts = append(configureAttempts, rec.Outcome)
		}
	}
	if len(configureAttempts) != 2 ||
		configureAttempts[0] != stores.StepOutcomeError ||
		configureAttempts[1] != stores.StepOutcomeOK {
		t.Errorf("expected configure attempts [error ok], got %v", configureAttempts)
	}

	// Completed steps were not re-executed on resume.
	if n := env.acts.count("reserve"); n != 1 {
		t.Errorf("expected reserve to run once, ran %d times", n)
	}
}

// TestPermanentFailureFailsSubscription tests that a non-retryable failure
// fails the process and the subscription in the same commit, and that an
// operator retry recovers both
func TestPermanentFailureFailsSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.acts.configureErr = NewPermanentError(CodeStepActionError, "bad config", nil)
	env.acts.configureFails = 1

	processID, err := env.engine.Start(ctx, "provision_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("run returned infrastructure error: %v", err)
	}

	proc, err := env.store.GetProcess(ctx, processID)
	if err != nil {
		t.Fatalf("failed to load process: %v", err)
	}
	if proc.Status != stores.ProcessStatusFailed {
		t.Fatalf("expected failed, got %s", proc.Status)
	}

	sub, err := env.store.GetSubscription(ctx, "sub-001")
	if err != nil {
		t.Fatalf("failed to load subscription: %v", err)
	}
	if sub.State != stores.LifecycleFailed {
		t.Fatalf("expected failed subscription state, got %s", sub.State)
	}

	// Operator retry moves the subscription back into the working state and
	// reopens the process.
	if err := env.engine.Retry(ctx, processID); err != nil {
		t.Fatalf("failed to retry: %v", err)
	}

	sub, err = env.store.GetSubscription(ctx, "sub-001")
	if err != nil {
		t.Fatalf("failed to load subscription: %v", err)
	}
	if sub.State != stores.LifecycleProvisioning {
		t.Errorf("expected provisioning after operator retry, got %s", sub.State)
	}

	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("failed to run after retry: %v", err)
	}

	proc, records, err := env.engine.History(ctx, processID)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if proc.Status != stores.ProcessStatusCompleted {
		t.Errorf("expected completed, got %s", proc.Status)
	}

	// The operator intervention itself appears in the audit trail.
	found := false
	for _, rec := range records {
		if rec.StepName == "operator_retry" && rec.Attempt == 0 {
			found = true
		}
	}
	if !found {
		t.Error("expected an operator_retry record in the step history")
	}

	sub, _ = env.store.GetSubscription(ctx, "sub-001")
	if sub.State != stores.LifecycleActive {
		t.Errorf("expected active after recovery, got %s", sub.State)
	}
}

// TestStartValidation tests workflow and subscription validation at start
func TestStartValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.Start(ctx, "unknown", "sub-001", nil); !HasCode(err, CodeNotFound) {
		t.Errorf("expected NOT_FOUND for unknown workflow, got %v", err)
	}

	if _, err := env.engine.Start(ctx, "modify_widget", "missing", nil); !HasCode(err, CodeNotFound) {
		t.Errorf("expected NOT_FOUND for modify of missing subscription, got %v", err)
	}

	if _, err := env.engine.Start(ctx, "provision_widget", "", nil); !HasCode(err, CodeNotFound) {
		t.Errorf("expected NOT_FOUND for empty subscription id, got %v", err)
	}

	env.provision(t, "sub-001")

	if _, err := env.engine.Start(ctx, "provision_widget", "sub-001", nil); !HasCode(err, CodeSubscriptionLocked) {
		t.Errorf("expected SUBSCRIPTION_LOCKED creating an existing subscription, got %v", err)
	}
}

// TestSubscriptionLocked tests process mutual exclusion per subscription
func TestSubscriptionLocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provision(t, "sub-001")

	first, err := env.engine.Start(ctx, "modify_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start first modify: %v", err)
	}

	_, err = env.engine.Start(ctx, "modify_widget", "sub-001", nil)
	if !HasCode(err, CodeSubscriptionLocked) {
		t.Fatalf("expected SUBSCRIPTION_LOCKED, got %v", err)
	}

	// Finishing the first process frees the subscription.
	if err := env.engine.Run(ctx, first); err != nil {
		t.Fatalf("failed to run first modify: %v", err)
	}
	if _, err := env.engine.Start(ctx, "modify_widget", "sub-001", nil); err != nil {
		t.Errorf("expected start to succeed after completion, got %v", err)
	}
}

// TestModifyWorkflow tests attribute updates through a modify run
func TestModifyWorkflow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provision(t, "sub-001")

	input := map[string]any{"attributes": map[string]any{"color": "blue"}}
	processID, err := env.engine.Start(ctx, "modify_widget", "sub-001", input)
	if err != nil {
		t.Fatalf("failed to start modify: %v", err)
	}
	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("failed to run modify: %v", err)
	}

	sub, err := env.store.GetSubscription(ctx, "sub-001")
	if err != nil {
		t.Fatalf("failed to load subscription: %v", err)
	}
	if sub.State != stores.LifecycleActive {
		t.Errorf("expected active, got %s", sub.State)
	}
	if sub.Attributes["color"] != "blue" {
		t.Errorf("expected merged attribute, got %v", sub.Attributes)
	}
	if sub.Attributes["size"] != "large" {
		t.Errorf("expected existing attribute preserved, got %v", sub.Attributes)
	}
}

// TestAbortCompensatesInReverseOrder tests compensation of completed steps
func TestAbortCompensatesInReverseOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Fail at verify so steps 0-3 are committed when the process suspends.
	env.acts.verifyErr = NewDeviceError("verification failed", nil)
	env.acts.verifyFails = 1
	// A failing compensation is recorded but never blocks the abort.
	env.acts.unconfigureErr = errors.New("device gone")

	processID, err := env.engine.Start(ctx, "provision_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("run returned infrastructure error: %v", err)
	}

	if err := env.engine.Abort(ctx, processID); err != nil {
		t.Fatalf("failed to abort: %v", err)
	}

	proc, records, err := env.engine.History(ctx, processID)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if proc.Status != stores.ProcessStatusAborted {
		t.Fatalf("expected aborted, got %s", proc.Status)
	}

	// Compensations ran newest-first: unconfigure (step 3), then release
	// (step 2).
	trace := env.acts.trace()
	tail := trace[len(trace)-2:]
	if tail[0] != "unconfigure" || tail[1] != "release" {
		t.Errorf("expected compensation order [unconfigure release], got %v", tail)
	}

	var aborted []*stores.StepRecord
	for _, rec := range records {
		if rec.Outcome == stores.StepOutcomeAborted {
			aborted = append(aborted, rec)
		}
	}
	if len(aborted) != 2 {
		t.Fatalf("expected 2 aborted records, got %d", len(aborted))
	}
	if aborted[0].StepName != "reserve" || aborted[1].StepName != "configure" {
		t.Errorf("unexpected aborted records: %s, %s", aborted[0].StepName, aborted[1].StepName)
	}
	// ListStepRecords orders by index, so the configure compensation (which
	// ran first) carries the recorded failure.
	if aborted[1].Error == nil {
		t.Error("expected the failed compensation to record its error")
	}
	if aborted[0].Error != nil {
		t.Errorf("expected release compensation to succeed, got %s", *aborted[0].Error)
	}
}

// TestAbortRunningProcess tests cooperative abort at a step boundary
func TestAbortRunningProcess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provision(t, "sub-001")

	processID, err := env.engine.Start(ctx, "modify_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start modify: %v", err)
	}

	// Simulate a worker mid-run.
	if err := env.store.UpdateProcessStatus(ctx, processID, stores.ProcessStatusRunning, nil); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}

	if err := env.engine.Abort(ctx, processID); err != nil {
		t.Fatalf("failed to request abort: %v", err)
	}

	proc, err := env.store.GetProcess(ctx, processID)
	if err != nil {
		t.Fatalf("failed to load process: %v", err)
	}
	if !proc.AbortRequested {
		t.Fatal("expected abort_requested flag to be set")
	}
	if proc.Status != stores.ProcessStatusRunning {
		t.Fatalf("expected process still running, got %s", proc.Status)
	}

	// The worker honours the flag at its next step boundary.
	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("failed to resume: %v", err)
	}
	proc, err = env.store.GetProcess(ctx, processID)
	if err != nil {
		t.Fatalf("failed to reload process: %v", err)
	}
	if proc.Status != stores.ProcessStatusAborted {
		t.Errorf("expected aborted, got %s", proc.Status)
	}

	// No modify step ever ran.
	if n := env.acts.count("begin_modify"); n != 0 {
		t.Errorf("expected no modify steps to run, begin_modify ran %d times", n)
	}
}

// TestRetryClearsAbortFlag tests that reopening a process discards an abort
// flagged before the process stopped
func TestRetryClearsAbortFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.acts.configureErr = NewDeviceError("device unreachable", nil)
	env.acts.configureFails = 1

	processID, err := env.engine.Start(ctx, "provision_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("run returned infrastructure error: %v", err)
	}

	// An abort flagged while the worker was mid-step is still on the row
	// after the step failure suspended the process.
	if err := env.store.RequestAbort(ctx, processID); err != nil {
		t.Fatalf("failed to flag abort: %v", err)
	}

	proc, err := env.store.GetProcess(ctx, processID)
	if err != nil {
		t.Fatalf("failed to load process: %v", err)
	}
	if proc.Status != stores.ProcessStatusSuspended || !proc.AbortRequested {
		t.Fatalf("expected suspended process with abort flagged, got %s (%v)",
			proc.Status, proc.AbortRequested)
	}

	// The operator retry supersedes the stale flag.
	if err := env.engine.Retry(ctx, processID); err != nil {
		t.Fatalf("failed to retry: %v", err)
	}
	proc, err = env.store.GetProcess(ctx, processID)
	if err != nil {
		t.Fatalf("failed to reload process: %v", err)
	}
	if proc.AbortRequested {
		t.Fatal("expected retry to clear the abort flag")
	}

	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("failed to run after retry: %v", err)
	}
	proc, err = env.store.GetProcess(ctx, processID)
	if err != nil {
		t.Fatalf("failed to reload process: %v", err)
	}
	if proc.Status != stores.ProcessStatusCompleted {
		t.Errorf("expected completed after retry, got %s", proc.Status)
	}
}

// TestCrashRecoveryResumes tests that a process left in running status
// resumes from its last committed step without re-executing earlier steps
func TestCrashRecoveryResumes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.acts.verifyErr = NewDeviceError("transient", nil)
	env.acts.verifyFails = 1

	processID, err := env.engine.Start(ctx, "provision_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("run returned infrastructure error: %v", err)
	}

	// Simulate the crash window: the worker died after the suspension was
	// overwritten back to running.
	if err := env.store.UpdateProcessStatus(ctx, processID, stores.ProcessStatusRunning, nil); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}

	if err := env.engine.Run(ctx, processID); err != nil {
		t.Fatalf("failed to resume: %v", err)
	}

	proc, err := env.store.GetProcess(ctx, processID)
	if err != nil {
		t.Fatalf("failed to load process: %v", err)
	}
	if proc.Status != stores.ProcessStatusCompleted {
		t.Fatalf("expected completed, got %s", proc.Status)
	}

	// Steps before the crash point ran exactly once across both runs.
	for _, name := range []string{"initialize", "begin", "reserve", "configure"} {
		if n := env.acts.count(name); n != 1 {
			t.Errorf("expected %s to run once, ran %d times", name, n)
		}
	}
	if n := env.acts.count("verify"); n != 2 {
		t.Errorf("expected verify to run twice, ran %d times", n)
	}
}

// TestInvalidProcessStates tests operations rejected by process status
func TestInvalidProcessStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	processID := env.provision(t, "sub-001")

	if err := env.engine.Run(ctx, processID); !HasCode(err, CodeInvalidProcessState) {
		t.Errorf("expected INVALID_PROCESS_STATE running a completed process, got %v", err)
	}
	if err := env.engine.Abort(ctx, processID); !HasCode(err, CodeInvalidProcessState) {
		t.Errorf("expected INVALID_PROCESS_STATE aborting a completed process, got %v", err)
	}
	if err := env.engine.Retry(ctx, processID); !HasCode(err, CodeInvalidProcessState) {
		t.Errorf("expected INVALID_PROCESS_STATE retrying a completed process, got %v", err)
	}

	pending, err := env.engine.Start(ctx, "modify_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start modify: %v", err)
	}
	if err := env.engine.Retry(ctx, pending); !HasCode(err, CodeInvalidProcessState) {
		t.Errorf("expected INVALID_PROCESS_STATE retrying a pending process, got %v", err)
	}

	if err := env.engine.Run(ctx, "missing"); !HasCode(err, CodeNotFound) {
		t.Errorf("expected NOT_FOUND for unknown process, got %v", err)
	}
}

// TestRunHonoursContextCancellation tests that a cancelled run leaves the
// process recoverable
func TestRunHonoursContextCancellation(t *testing.T) {
	env := newTestEnv(t)

	processID, err := env.engine.Start(context.Background(), "provision_widget", "sub-001", nil)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	err = env.engine.Run(cancelled, processID)
	if err == nil {
		t.Fatal("expected a context error")
	}

	proc, err := env.store.GetProcess(context.Background(), processID)
	if err != nil {
		t.Fatalf("failed to load process: %v", err)
	}
	if proc.Status != stores.ProcessStatusRunning && proc.Status != stores.ProcessStatusPending {
		t.Fatalf("expected process recoverable, got %s", proc.Status)
	}
	if n := env.acts.count("initialize"); n != 0 {
		t.Errorf("expected no steps to run, initialize ran %d times", n)
	}
}
