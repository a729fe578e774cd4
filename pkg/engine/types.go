package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openlumen/openlumen/pkg/stores"
)

// WorkflowTarget classifies what a workflow does to its subscription's
// lifecycle. It decides the working state used while the workflow runs and
// which state an operator retry recovers a failed subscription into.
type WorkflowTarget string

const (
	// TargetCreate provisions a new subscription.
	TargetCreate WorkflowTarget = "create"

	// TargetModify changes an active subscription.
	TargetModify WorkflowTarget = "modify"

	// TargetTerminate decommissions a subscription.
	TargetTerminate WorkflowTarget = "terminate"

	// TargetReconcile converges observed device state back onto the
	// subscription's desired attributes.
	TargetReconcile WorkflowTarget = "reconcile"
)

// StepSpec describes one step of a workflow definition.
type StepSpec struct {
	// Name is the human-readable step name, unique within the definition.
	Name string `json:"name"`

	// Action is the registered name of the forward action.
	Action string `json:"action"`

	// Compensate is the registered name of the compensating action, if any.
	Compensate string `json:"compensate,omitempty"`

	// Retryable marks whether a failure of this step leaves the process
	// suspended for retry. Non-retryable failures fail the process and move
	// the subscription to the failed state.
	Retryable bool `json:"retryable"`
}

// Definition is an immutable workflow template: an ordered list of steps
// bound to a workflow name and a target product type. Processes snapshot the
// step list at creation, so changing a definition never affects in-flight
// processes.
type Definition struct {
	// Name is the unique workflow name.
	Name string `json:"name"`

	// ProductType is the subscription product type this workflow targets.
	ProductType string `json:"product_type"`

	// Target classifies the workflow's lifecycle effect.
	Target WorkflowTarget `json:"target"`

	// Steps is the ordered step list.
	Steps []StepSpec `json:"steps"`
}

// ActionContext carries the explicit inputs of a forward or compensating
// action: the current subscription snapshot, the immutable process input and
// the accumulated outputs of prior steps. Actions must be pure functions of
// this context; there is no hidden shared state.
type ActionContext struct {
	// Subscription is a snapshot of the subscription as of the step start.
	// Nil when the subscription has not been created yet.
	Subscription *stores.Subscription

	// ProcessID identifies the owning process.
	ProcessID string

	// Input is the process input payload captured at creation.
	Input map[string]any

	// Outputs maps completed step names to their outputs.
	Outputs map[string]any

	// Attempt is the 1-based attempt number for this step.
	Attempt int
}

// ActionResult is the explicit result of a forward action. The subscription
// effects it declares are committed atomically with the step record.
type ActionResult struct {
	// Output is recorded in the step record and made available to later
	// steps under the step's name.
	Output map[string]any

	// Create requests creation of the subscription row. Only meaningful for
	// the first step of a provisioning workflow.
	Create *SubscriptionSeed

	// Transition requests a lifecycle state change, validated against the
	// state machine before commit.
	Transition *stores.LifecycleState

	// SetAttributes merges the given keys into the subscription attributes.
	SetAttributes map[string]string
}

// SubscriptionSeed is the initial content of a subscription created by a
// provisioning step.
type SubscriptionSeed struct {
	ProductType string
	Attributes  map[string]string
}

// ActionFunc is a forward or compensating step action. Implementations must
// be idempotent: re-executing with the same context against the same prior
// subscription state must produce the same net effect as a single execution.
// Long-running actions should honour ctx cancellation.
type ActionFunc func(ctx context.Context, ac ActionContext) (*ActionResult, error)

// encodeSteps serializes a definition's step list for snapshotting into the
// process row.
func encodeSteps(steps []StepSpec) (string, error) {
	data, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("failed to encode step list: %w", err)
	}
	return string(data), nil
}

// decodeSteps restores a process's snapshotted step list.
func decodeSteps(data string) ([]StepSpec, error) {
	var steps []StepSpec
	if err := json.Unmarshal([]byte(data), &steps); err != nil {
		return nil, fmt.Errorf("failed to decode step list: %w", err)
	}
	return steps, nil
}

// encodeInput serializes a process input payload.
func encodeInput(input map[string]any) (string, error) {
	if input == nil {
		input = map[string]any{}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode process input: %w", err)
	}
	return string(data), nil
}

// decodeInput restores a process input payload.
func decodeInput(data string) (map[string]any, error) {
	input := map[string]any{}
	if data == "" {
		return input, nil
	}
	if err := json.Unmarshal([]byte(data), &input); err != nil {
		return nil, fmt.Errorf("failed to decode process input: %w", err)
	}
	return input, nil
}
