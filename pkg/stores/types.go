package stores

import (
	"context"
	"errors"
	"time"
)

// LifecycleState represents the lifecycle state of a subscription.
type LifecycleState string

const (
	LifecycleInitial      LifecycleState = "initial"
	LifecycleProvisioning LifecycleState = "provisioning"
	LifecycleActive       LifecycleState = "active"
	LifecycleModifying    LifecycleState = "modifying"
	LifecycleTerminating  LifecycleState = "terminating"
	LifecycleTerminated   LifecycleState = "terminated"
	LifecycleFailed       LifecycleState = "failed"
)

// ProcessStatus represents the status of a workflow process.
type ProcessStatus string

const (
	ProcessStatusPending   ProcessStatus = "pending"
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusSuspended ProcessStatus = "suspended"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusAborted   ProcessStatus = "aborted"
)

// IsTerminal returns true if the process status is a terminal state.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessStatusCompleted || s == ProcessStatusFailed || s == ProcessStatusAborted
}

// IsActive returns true if the process still occupies its subscription.
// At most one active process may exist per subscription at any time.
func (s ProcessStatus) IsActive() bool {
	return s == ProcessStatusPending || s == ProcessStatusRunning || s == ProcessStatusSuspended
}

// StepOutcome represents the outcome of a single step attempt.
type StepOutcome string

const (
	StepOutcomeOK      StepOutcome = "ok"
	StepOutcomeError   StepOutcome = "error"
	StepOutcomeAborted StepOutcome = "aborted"
)

// Subscription represents a provisioned network resource instance.
type Subscription struct {
	ID          string            `json:"id"`
	ProductType string            `json:"product_type"`
	State       LifecycleState    `json:"state"`
	Version     int64             `json:"version"` // optimistic concurrency token
	Attributes  map[string]string `json:"attributes"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Process represents one execution run of a workflow against a subscription.
type Process struct {
	ID             string        `json:"id"`
	WorkflowName   string        `json:"workflow_name"`
	SubscriptionID string        `json:"subscription_id"`
	Status         ProcessStatus `json:"status"`
	StepIndex      int           `json:"step_index"`
	Steps          string        `json:"steps"` // JSON snapshot of the step list at creation
	Input          string        `json:"input"` // JSON blob, immutable after creation
	AbortRequested bool          `json:"abort_requested"`
	Error          *string       `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// StepRecord is an append-only audit entry for one step attempt.
// Records are never mutated or deleted; the ordered sequence of records
// for a process reconstructs its full execution history.
type StepRecord struct {
	ID        int64       `json:"id"`
	ProcessID string      `json:"process_id"`
	StepIndex int         `json:"step_index"`
	Attempt   int         `json:"attempt"`
	StepName  string      `json:"step_name"`
	Outcome   StepOutcome `json:"outcome"`
	Output    *string     `json:"output,omitempty"` // JSON blob
	Error     *string     `json:"error,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
}

// Lease represents time-bounded worker ownership of a running process.
// An expired lease marks its process as reclaimable by the recovery sweep.
type Lease struct {
	SubscriptionID string    `json:"subscription_id"`
	ProcessID      string    `json:"process_id"`
	Owner          string    `json:"owner"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// SubscriptionMutation describes the subscription change a step commit
// carries. Either Create inserts a new row, or NewState/SetAttributes
// update an existing row guarded by ExpectedVersion.
type SubscriptionMutation struct {
	// Create, when set, inserts the subscription row. Used by the first
	// step of a provisioning workflow.
	Create *Subscription

	// ID and ExpectedVersion identify the row to update. The update fails
	// with ErrVersionConflict when the stored version differs.
	ID              string
	ExpectedVersion int64

	// NewState, when non-nil, moves the subscription to a new lifecycle state.
	NewState *LifecycleState

	// SetAttributes merges the given keys into the attribute mapping.
	SetAttributes map[string]string
}

// StepCommit is the atomic unit of progress for a process: one step record
// insert, the process advance, and any subscription mutation the step
// performed, committed in a single transaction.
type StepCommit struct {
	Record        StepRecord
	ProcessStatus ProcessStatus
	StepIndex     int
	ProcessError  *string
	ClearAbort    bool
	Subscription  *SubscriptionMutation
}

// Sentinel errors returned by the store. Callers map these onto the
// engine's classified error taxonomy.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates an optimistic version check failed.
	ErrVersionConflict = errors.New("subscription version conflict")

	// ErrActiveProcessExists indicates another pending, running or
	// suspended process already occupies the subscription.
	ErrActiveProcessExists = errors.New("active process exists for subscription")

	// ErrLeaseHeld indicates a live lease is held by another owner.
	ErrLeaseHeld = errors.New("lease held by another owner")

	// ErrLeaseLost indicates a renewal found the lease no longer owned.
	ErrLeaseLost = errors.New("lease lost")
)

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Subscription operations
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, state *LifecycleState, limit, offset int) ([]*Subscription, error)

	// Process operations
	CreateProcess(ctx context.Context, proc *Process) error
	GetProcess(ctx context.Context, id string) (*Process, error)
	ListProcesses(ctx context.Context, subscriptionID *string, status *ProcessStatus, limit, offset int) ([]*Process, error)
	ActiveProcess(ctx context.Context, subscriptionID string) (*Process, error)
	UpdateProcessStatus(ctx context.Context, id string, status ProcessStatus, errMsg *string) error
	RequestAbort(ctx context.Context, id string) error

	// Step record operations
	ListStepRecords(ctx context.Context, processID string) ([]*StepRecord, error)
	AppendStepRecord(ctx context.Context, rec *StepRecord) error

	// CommitStep applies a step commit atomically: all-or-nothing.
	CommitStep(ctx context.Context, commit StepCommit) error

	// Lease operations
	AcquireLease(ctx context.Context, lease *Lease, now time.Time) error
	RenewLease(ctx context.Context, subscriptionID, owner string, expiresAt, now time.Time) error
	ReleaseLease(ctx context.Context, subscriptionID, processID string) error
	GetLease(ctx context.Context, subscriptionID string) (*Lease, error)

	// OrphanedProcesses returns processes in running status whose lease is
	// missing or expired as of now. Used by the scheduler recovery sweep.
	OrphanedProcesses(ctx context.Context, now time.Time) ([]*Process, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
