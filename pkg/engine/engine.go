package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/openlumen/openlumen/pkg/stores"
	"github.com/openlumen/openlumen/pkg/telemetry"
)

// Engine executes workflow processes step by step. Each step's effects (the
// step record, the process advance and any subscription mutation) commit as
// one atomic unit, so a crash between steps leaves the process resumable at
// the next un-executed step.
type Engine struct {
	store    stores.Store
	registry *Registry
	clock    clock.PassiveClock
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	// Clock supplies timestamps; defaults to the real clock.
	Clock clock.PassiveClock

	// Logger receives engine logs; defaults to a disabled logger.
	Logger zerolog.Logger

	// Metrics receives engine metrics; nil disables collection.
	Metrics *telemetry.Metrics
}

// NewEngine creates a process engine over the given store and registry.
func NewEngine(store stores.Store, registry *Registry, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	return &Engine{
		store:    store,
		registry: registry,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("openlumen/engine"),
	}
}

// Start validates the workflow against the subscription, snapshots the
// definition's step list and creates a pending process. It fails with
// SUBSCRIPTION_LOCKED when another active process occupies the subscription.
func (e *Engine) Start(ctx context.Context, workflowName, subscriptionID string, input map[string]any) (string, error) {
	if subscriptionID == "" {
		return "", NewPermanentError(CodeNotFound, "subscription id is required", nil)
	}

	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}

	var def *Definition
	if sub != nil {
		def, err = e.registry.Resolve(workflowName, sub.ProductType)
	} else {
		def, err = e.registry.Definition(workflowName)
	}
	if err != nil {
		return "", err
	}

	if sub == nil && def.Target != TargetCreate {
		return "", NewPermanentError(CodeNotFound,
			fmt.Sprintf("subscription %q not found", subscriptionID), nil).WithSubscription(subscriptionID)
	}
	if sub != nil && def.Target == TargetCreate {
		return "", NewConflictError(CodeSubscriptionLocked,
			fmt.Sprintf("subscription %q already exists", subscriptionID), nil).WithSubscription(subscriptionID)
	}

	steps, err := encodeSteps(def.Steps)
	if err != nil {
		return "", err
	}
	encodedInput, err := encodeInput(input)
	if err != nil {
		return "", err
	}

	now := e.clock.Now().UTC()
	proc := &stores.Process{
		ID:             uuid.New().String(),
		WorkflowName:   def.Name,
		SubscriptionID: subscriptionID,
		Status:         stores.ProcessStatusPending,
		StepIndex:      0,
		Steps:          steps,
		Input:          encodedInput,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.store.CreateProcess(ctx, proc); err != nil {
		if errors.Is(err, stores.ErrActiveProcessExists) {
			return "", NewConflictError(CodeSubscriptionLocked,
				fmt.Sprintf("subscription %q has an active process", subscriptionID), nil).
				WithSubscription(subscriptionID)
		}
		return "", err
	}

	e.metrics.ProcessStarted(def.Name)
	e.logger.Info().
		Str("process_id", proc.ID).
		Str("workflow", def.Name).
		Str("subscription_id", subscriptionID).
		Msg("process created")

	return proc.ID, nil
}

// Run executes a process from its current step index forward. Step-level
// failures are captured into step records and the process status, never
// returned; Run only returns infrastructure errors (storage failures,
// context cancellation) that leave the process recoverable.
func (e *Engine) Run(ctx context.Context, processID string) error {
	ctx, span := e.tracer.Start(ctx, "engine.Run",
		trace.WithAttributes(attribute.String("process.id", processID)))
	defer span.End()

	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return mapStoreErr(err, "process", processID)
	}

	switch proc.Status {
	case stores.ProcessStatusPending:
		if err := e.store.UpdateProcessStatus(ctx, proc.ID, stores.ProcessStatusRunning, nil); err != nil {
			return fmt.Errorf("failed to mark process running: %w", err)
		}
	case stores.ProcessStatusRunning:
		// Recovered by the sweep; resume from the last committed step.
	default:
		return NewPermanentError(CodeInvalidProcessState,
			fmt.Sprintf("process %q is %s, not runnable", proc.ID, proc.Status), nil).WithProcess(proc.ID)
	}

	steps, err := decodeSteps(proc.Steps)
	if err != nil {
		return err
	}
	input, err := decodeInput(proc.Input)
	if err != nil {
		return err
	}

	records, err := e.store.ListStepRecords(ctx, proc.ID)
	if err != nil {
		return fmt.Errorf("failed to load step history: %w", err)
	}
	outputs := replayOutputs(records)
	attempts := countAttempts(records)

	for i := proc.StepIndex; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			// Worker shutdown. The process stays in running status and the
			// recovery sweep resumes it once the lease expires.
			return err
		}

		// Abort is honoured only at step boundaries.
		proc, err = e.store.GetProcess(ctx, processID)
		if err != nil {
			return mapStoreErr(err, "process", processID)
		}
		if proc.AbortRequested {
			return e.finishAbort(ctx, proc, steps)
		}

		done, err := e.executeStep(ctx, proc, steps, i, input, outputs, attempts[i]+1)
		if err != nil {
			return err
		}
		if !done {
			// Step failed; the process is now suspended or failed.
			return nil
		}
	}

	return nil
}

// executeStep runs one forward action and commits its outcome. It returns
// true when the step succeeded and the process advanced.
func (e *Engine) executeStep(
	ctx context.Context,
	proc *stores.Process,
	steps []StepSpec,
	index int,
	input map[string]any,
	outputs map[string]any,
	attempt int,
) (bool, error) {
	step := steps[index]

	ctx, span := e.tracer.Start(ctx, "engine.step",
		trace.WithAttributes(
			attribute.String("process.id", proc.ID),
			attribute.String("step.name", step.Name),
			attribute.Int("step.attempt", attempt),
		))
	defer span.End()

	sub, err := e.store.GetSubscription(ctx, proc.SubscriptionID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return false, fmt.Errorf("failed to load subscription snapshot: %w", err)
	}

	started := e.clock.Now().UTC()

	var result *ActionResult
	action, actErr := e.registry.Action(step.Action)
	if actErr == nil {
		result, actErr = action(ctx, ActionContext{
			Subscription: sub,
			ProcessID:    proc.ID,
			Input:        input,
			Outputs:      outputs,
			Attempt:      attempt,
		})
	}
	if actErr == nil && result != nil {
		actErr = validateResult(sub, result)
	}

	ended := e.clock.Now().UTC()

	if actErr != nil {
		e.metrics.StepExecuted(proc.WorkflowName, step.Name, string(stores.StepOutcomeError), ended.Sub(started))
		return false, e.commitFailure(ctx, proc, sub, step, index, attempt, started, ended, actErr)
	}

	e.metrics.StepExecuted(proc.WorkflowName, step.Name, string(stores.StepOutcomeOK), ended.Sub(started))
	if err := e.commitSuccess(ctx, proc, sub, step, index, attempt, started, ended, result, len(steps)); err != nil {
		return false, err
	}

	if result != nil && result.Output != nil {
		outputs[step.Name] = result.Output
	}

	if index+1 == len(steps) {
		e.metrics.ProcessFinished(proc.WorkflowName, string(stores.ProcessStatusCompleted))
		e.logger.Info().
			Str("process_id", proc.ID).
			Str("workflow", proc.WorkflowName).
			Msg("process completed")
	}

	return true, nil
}

// commitSuccess writes the OK step record, advances the process and applies
// the subscription effects the action declared, atomically.
func (e *Engine) commitSuccess(
	ctx context.Context,
	proc *stores.Process,
	sub *stores.Subscription,
	step StepSpec,
	index, attempt int,
	started, ended time.Time,
	result *ActionResult,
	stepCount int,
) error {
	status := stores.ProcessStatusRunning
	if index+1 == stepCount {
		status = stores.ProcessStatusCompleted
	}

	commit := stores.StepCommit{
		Record: stores.StepRecord{
			ProcessID: proc.ID,
			StepIndex: index,
			Attempt:   attempt,
			StepName:  step.Name,
			Outcome:   stores.StepOutcomeOK,
			Output:    encodeOutput(result),
			StartedAt: started,
			EndedAt:   ended,
		},
		ProcessStatus: status,
		StepIndex:     index + 1,
	}

	if result != nil {
		mutation := buildMutation(proc, sub, result, e.clock.Now().UTC())
		commit.Subscription = mutation
	}

	if err := e.store.CommitStep(ctx, commit); err != nil {
		if errors.Is(err, stores.ErrVersionConflict) {
			// Another writer advanced the subscription despite the process
			// lock. Defense in depth: nothing was written, surface the race.
			return NewConflictError(CodeConcurrentModification,
				fmt.Sprintf("subscription %q version moved during step %q", proc.SubscriptionID, step.Name), err).
				WithSubscription(proc.SubscriptionID).WithProcess(proc.ID)
		}
		return fmt.Errorf("failed to commit step %q: %w", step.Name, err)
	}

	return nil
}

// commitFailure records a failed step attempt. A retryable failure suspends
// the process and leaves the subscription untouched; a non-retryable one
// fails the process and moves the subscription to the failed state in the
// same commit.
func (e *Engine) commitFailure(
	ctx context.Context,
	proc *stores.Process,
	sub *stores.Subscription,
	step StepSpec,
	index, attempt int,
	started, ended time.Time,
	actErr error,
) error {
	detail := actErr.Error()
	retryable := step.Retryable && IsRetryable(actErr)

	status := stores.ProcessStatusFailed
	if retryable {
		status = stores.ProcessStatusSuspended
	}

	commit := stores.StepCommit{
		Record: stores.StepRecord{
			ProcessID: proc.ID,
			StepIndex: index,
			Attempt:   attempt,
			StepName:  step.Name,
			Outcome:   stores.StepOutcomeError,
			Error:     &detail,
			StartedAt: started,
			EndedAt:   ended,
		},
		ProcessStatus: status,
		StepIndex:     index,
		ProcessError:  &detail,
	}

	if !retryable && sub != nil && CanTransition(sub.State, stores.LifecycleFailed) {
		failedState := stores.LifecycleFailed
		commit.Subscription = &stores.SubscriptionMutation{
			ID:              sub.ID,
			ExpectedVersion: sub.Version,
			NewState:        &failedState,
		}
	}

	if err := e.store.CommitStep(ctx, commit); err != nil {
		return fmt.Errorf("failed to record step failure: %w", err)
	}

	e.metrics.ProcessFinished(proc.WorkflowName, string(status))
	e.logger.Warn().
		Str("process_id", proc.ID).
		Str("workflow", proc.WorkflowName).
		Str("step", step.Name).
		Int("attempt", attempt).
		Bool("retryable", retryable).
		Str("error", detail).
		Msg("step failed")

	return nil
}

// Retry reopens a suspended or failed process for execution, clearing any
// abort flag left from before the process stopped. When the subscription sits
// in the failed lifecycle state, the operator-initiated retry moves it back
// into the workflow's working state.
func (e *Engine) Retry(ctx context.Context, processID string) error {
	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return mapStoreErr(err, "process", processID)
	}

	if proc.Status != stores.ProcessStatusFailed && proc.Status != stores.ProcessStatusSuspended {
		return NewPermanentError(CodeInvalidProcessState,
			fmt.Sprintf("process %q is %s, only failed or suspended processes can be retried", proc.ID, proc.Status), nil).
			WithProcess(proc.ID)
	}

	def, err := e.registry.Definition(proc.WorkflowName)
	if err != nil {
		return err
	}

	sub, err := e.store.GetSubscription(ctx, proc.SubscriptionID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	commit := stores.StepCommit{
		Record: stores.StepRecord{
			ProcessID: proc.ID,
			StepIndex: proc.StepIndex,
			Attempt:   0,
			StepName:  "operator_retry",
			Outcome:   stores.StepOutcomeOK,
			StartedAt: e.clock.Now().UTC(),
			EndedAt:   e.clock.Now().UTC(),
		},
		ProcessStatus: stores.ProcessStatusPending,
		StepIndex:     proc.StepIndex,
		// The retry supersedes any abort flagged before the process
		// stopped; a stale flag must not cancel the reopened run.
		ClearAbort: true,
	}
	if sub != nil && sub.State == stores.LifecycleFailed {
		working := WorkingState(def.Target)
		if err := CheckTransition(sub.State, working); err != nil {
			return err
		}
		commit.Subscription = &stores.SubscriptionMutation{
			ID:              sub.ID,
			ExpectedVersion: sub.Version,
			NewState:        &working,
		}
	}
	if err := e.store.CommitStep(ctx, commit); err != nil {
		if errors.Is(err, stores.ErrVersionConflict) {
			return NewConflictError(CodeConcurrentModification,
				fmt.Sprintf("subscription %q version moved during retry", sub.ID), err).
				WithSubscription(sub.ID).WithProcess(proc.ID)
		}
		return fmt.Errorf("failed to reopen process: %w", err)
	}

	e.logger.Info().
		Str("process_id", proc.ID).
		Str("workflow", proc.WorkflowName).
		Int("step_index", proc.StepIndex).
		Msg("process reopened for retry")

	return nil
}

// Abort cancels a process. Pending and suspended processes are compensated
// immediately; a running process is flagged and the worker honours the flag
// at the next step boundary. Compensation is best effort: failures are
// recorded for operator attention but never block abort completion.
func (e *Engine) Abort(ctx context.Context, processID string) error {
	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return mapStoreErr(err, "process", processID)
	}

	switch proc.Status {
	case stores.ProcessStatusRunning:
		if err := e.store.RequestAbort(ctx, proc.ID); err != nil {
			return fmt.Errorf("failed to request abort: %w", err)
		}
		e.logger.Info().Str("process_id", proc.ID).Msg("abort requested, honoured at next step boundary")
		return nil
	case stores.ProcessStatusPending, stores.ProcessStatusSuspended:
		steps, err := decodeSteps(proc.Steps)
		if err != nil {
			return err
		}
		return e.finishAbort(ctx, proc, steps)
	default:
		return NewPermanentError(CodeInvalidProcessState,
			fmt.Sprintf("process %q is %s, cannot abort", proc.ID, proc.Status), nil).WithProcess(proc.ID)
	}
}

// finishAbort runs compensating actions for completed steps in reverse
// order, records each attempt and marks the process aborted.
func (e *Engine) finishAbort(ctx context.Context, proc *stores.Process, steps []StepSpec) error {
	input, err := decodeInput(proc.Input)
	if err != nil {
		return err
	}
	records, err := e.store.ListStepRecords(ctx, proc.ID)
	if err != nil {
		return fmt.Errorf("failed to load step history: %w", err)
	}
	outputs := replayOutputs(records)

	for i := proc.StepIndex - 1; i >= 0; i-- {
		step := steps[i]
		if step.Compensate == "" {
			continue
		}

		sub, err := e.store.GetSubscription(ctx, proc.SubscriptionID)
		if err != nil && !errors.Is(err, stores.ErrNotFound) {
			return fmt.Errorf("failed to load subscription snapshot: %w", err)
		}

		started := e.clock.Now().UTC()
		comp, compErr := e.registry.Action(step.Compensate)
		if compErr == nil {
			_, compErr = comp(ctx, ActionContext{
				Subscription: sub,
				ProcessID:    proc.ID,
				Input:        input,
				Outputs:      outputs,
				Attempt:      1,
			})
		}
		ended := e.clock.Now().UTC()

		rec := &stores.StepRecord{
			ProcessID: proc.ID,
			StepIndex: i,
			Attempt:   1,
			StepName:  step.Name,
			Outcome:   stores.StepOutcomeAborted,
			StartedAt: started,
			EndedAt:   ended,
		}
		if compErr != nil {
			detail := compErr.Error()
			rec.Error = &detail
			e.logger.Error().
				Str("process_id", proc.ID).
				Str("step", step.Name).
				Err(compErr).
				Msg("compensation failed, continuing abort")
		}

		if err := e.store.AppendStepRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to record compensation: %w", err)
		}
	}

	if err := e.store.UpdateProcessStatus(ctx, proc.ID, stores.ProcessStatusAborted, nil); err != nil {
		return fmt.Errorf("failed to mark process aborted: %w", err)
	}

	e.metrics.ProcessFinished(proc.WorkflowName, string(stores.ProcessStatusAborted))
	e.logger.Info().
		Str("process_id", proc.ID).
		Str("workflow", proc.WorkflowName).
		Msg("process aborted")

	return nil
}

// History returns the process and its full ordered step record trail.
func (e *Engine) History(ctx context.Context, processID string) (*stores.Process, []*stores.StepRecord, error) {
	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return nil, nil, mapStoreErr(err, "process", processID)
	}
	records, err := e.store.ListStepRecords(ctx, processID)
	if err != nil {
		return nil, nil, err
	}
	return proc, records, nil
}

// validateResult rejects action results that contradict the lifecycle state
// machine or the creation contract before anything is written.
func validateResult(sub *stores.Subscription, result *ActionResult) error {
	if result.Create != nil {
		if sub != nil {
			return NewPermanentError(CodeInvalidTransition,
				"action requested subscription creation but the subscription already exists", nil)
		}
		if result.Transition != nil {
			return NewPermanentError(CodeInvalidTransition,
				"a creating action cannot also transition; subscriptions start in the initial state", nil)
		}
		return nil
	}

	if result.Transition != nil || len(result.SetAttributes) > 0 {
		if sub == nil {
			return NewPermanentError(CodeNotFound,
				"action mutated a subscription that does not exist", nil)
		}
	}
	if result.Transition != nil {
		if err := CheckTransition(sub.State, *result.Transition); err != nil {
			return err
		}
	}

	return nil
}

// buildMutation converts an action result into the store-level subscription
// mutation for the step commit. Returns nil when the step had no
// subscription effect.
func buildMutation(proc *stores.Process, sub *stores.Subscription, result *ActionResult, now time.Time) *stores.SubscriptionMutation {
	if result.Create != nil {
		return &stores.SubscriptionMutation{
			Create: &stores.Subscription{
				ID:          proc.SubscriptionID,
				ProductType: result.Create.ProductType,
				State:       stores.LifecycleInitial,
				Version:     1,
				Attributes:  result.Create.Attributes,
				CreatedAt:   now,
				UpdatedAt:   now,
			},
		}
	}

	if result.Transition == nil && len(result.SetAttributes) == 0 {
		return nil
	}

	return &stores.SubscriptionMutation{
		ID:              sub.ID,
		ExpectedVersion: sub.Version,
		NewState:        result.Transition,
		SetAttributes:   result.SetAttributes,
	}
}

// replayOutputs reconstructs the accumulated step outputs as a left-fold
// over the ordered step records.
func replayOutputs(records []*stores.StepRecord) map[string]any {
	outputs := map[string]any{}
	for _, rec := range records {
		if rec.Outcome != stores.StepOutcomeOK || rec.Output == nil {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(*rec.Output), &out); err != nil {
			continue
		}
		outputs[rec.StepName] = out
	}
	return outputs
}

// countAttempts returns the number of recorded attempts per step index.
func countAttempts(records []*stores.StepRecord) map[int]int {
	attempts := map[int]int{}
	for _, rec := range records {
		if rec.Attempt > attempts[rec.StepIndex] {
			attempts[rec.StepIndex] = rec.Attempt
		}
	}
	return attempts
}

func encodeOutput(result *ActionResult) *string {
	if result == nil || result.Output == nil {
		return nil
	}
	data, err := json.Marshal(result.Output)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func mapStoreErr(err error, kind, id string) error {
	if errors.Is(err, stores.ErrNotFound) {
		return NewPermanentError(CodeNotFound, fmt.Sprintf("%s %q not found", kind, id), nil)
	}
	return err
}
