package engine

import (
	"fmt"

	"github.com/openlumen/openlumen/pkg/stores"
)

// legalTransitions is the subscription lifecycle state machine. Any move not
// listed here fails with INVALID_TRANSITION. Recovery out of the failed
// state is listed but only reachable through an operator-initiated retry;
// the engine never takes it automatically.
var legalTransitions = map[stores.LifecycleState][]stores.LifecycleState{
	stores.LifecycleInitial:      {stores.LifecycleProvisioning, stores.LifecycleFailed},
	stores.LifecycleProvisioning: {stores.LifecycleActive, stores.LifecycleFailed},
	stores.LifecycleActive:       {stores.LifecycleModifying, stores.LifecycleTerminating, stores.LifecycleFailed},
	stores.LifecycleModifying:    {stores.LifecycleActive, stores.LifecycleFailed},
	stores.LifecycleTerminating:  {stores.LifecycleTerminated, stores.LifecycleFailed},
	stores.LifecycleTerminated:   {},
	stores.LifecycleFailed:       {stores.LifecycleProvisioning, stores.LifecycleModifying, stores.LifecycleTerminating},
}

// CanTransition reports whether the lifecycle state machine permits a move
// from one state to another.
func CanTransition(from, to stores.LifecycleState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition validates a lifecycle move, returning an
// INVALID_TRANSITION error when the state machine does not permit it.
func CheckTransition(from, to stores.LifecycleState) error {
	if !CanTransition(from, to) {
		return NewPermanentError(CodeInvalidTransition,
			fmt.Sprintf("illegal lifecycle transition %s -> %s", from, to), nil)
	}
	return nil
}

// IsTerminalState returns true for lifecycle states with no outgoing
// transitions other than operator-initiated recovery.
func IsTerminalState(state stores.LifecycleState) bool {
	return state == stores.LifecycleTerminated
}

// WorkingState returns the in-flight lifecycle state a workflow target moves
// its subscription through while running.
func WorkingState(target WorkflowTarget) stores.LifecycleState {
	switch target {
	case TargetCreate:
		return stores.LifecycleProvisioning
	case TargetTerminate:
		return stores.LifecycleTerminating
	default:
		return stores.LifecycleModifying
	}
}
