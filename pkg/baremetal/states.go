package baremetal

import "fmt"

// ProvisionState is the lifecycle stage of a managed node.
type ProvisionState string

const (
	StateEnroll       ProvisionState = "enroll"
	StateVerifying    ProvisionState = "verifying"
	StateVerifyFailed ProvisionState = "verify_failed"
	StateManageable   ProvisionState = "manageable"
	StateCleaning     ProvisionState = "cleaning"
	StateCleanFailed  ProvisionState = "clean_failed"
	StateAvailable    ProvisionState = "available"
	StateDeploying    ProvisionState = "deploying"
	StateDeployFailed ProvisionState = "deploy_failed"
	StateActive       ProvisionState = "active"
	StateDeleting     ProvisionState = "deleting"
	StateRescuing     ProvisionState = "rescuing"
	StateRescue       ProvisionState = "rescue"
	StateRescueFailed ProvisionState = "rescue_failed"
	StateUnrescuing   ProvisionState = "unrescuing"

	// StateNone is the empty target state of a node at rest.
	StateNone ProvisionState = ""
)

// transitions is the static table of legal successor states. A request for
// any pair not listed here is rejected before the node is touched.
var transitions = map[ProvisionState][]ProvisionState{
	StateEnroll:       {StateVerifying},
	StateVerifying:    {StateManageable, StateVerifyFailed},
	StateVerifyFailed: {StateVerifying},
	StateManageable:   {StateVerifying, StateCleaning},
	StateCleaning:     {StateAvailable, StateManageable, StateCleanFailed},
	StateCleanFailed:  {StateManageable, StateCleaning},
	StateAvailable:    {StateDeploying, StateManageable},
	StateDeploying:    {StateActive, StateDeployFailed},
	StateDeployFailed: {StateDeploying, StateDeleting},
	StateActive:       {StateDeleting, StateRescuing},
	StateDeleting:     {StateCleaning, StateAvailable},
	StateRescuing:     {StateRescue, StateRescueFailed},
	StateRescue:       {StateUnrescuing, StateDeleting},
	StateRescueFailed: {StateRescuing, StateUnrescuing, StateDeleting},
	StateUnrescuing:   {StateActive, StateRescueFailed},
}

// transient states are being actively driven by a conductor. Everything else
// is stable and safe to leave indefinitely.
var transientStates = map[ProvisionState]bool{
	StateVerifying:  true,
	StateCleaning:   true,
	StateDeploying:  true,
	StateDeleting:   true,
	StateRescuing:   true,
	StateUnrescuing: true,
}

// successStates maps each transient state to the stable state it is driving
// toward, which doubles as the node's target_provision_state while in flight.
var successStates = map[ProvisionState]ProvisionState{
	StateVerifying:  StateManageable,
	StateCleaning:   StateAvailable,
	StateDeploying:  StateActive,
	StateDeleting:   StateAvailable,
	StateRescuing:   StateRescue,
	StateUnrescuing: StateActive,
}

// failureStates maps each transient state to its failure state.
var failureStates = map[ProvisionState]ProvisionState{
	StateVerifying:  StateVerifyFailed,
	StateCleaning:   StateCleanFailed,
	StateDeploying:  StateDeployFailed,
	StateDeleting:   StateCleanFailed,
	StateRescuing:   StateRescueFailed,
	StateUnrescuing: StateRescueFailed,
}

// IsTransient reports whether a conductor must be actively driving the state.
func IsTransient(s ProvisionState) bool { return transientStates[s] }

// IsStable reports whether the node can remain in the state indefinitely
// without conductor attention.
func IsStable(s ProvisionState) bool { return !transientStates[s] && s != StateNone }

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to ProvisionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SuccessState returns the stable state a transient state drives toward.
func SuccessState(transient ProvisionState) (ProvisionState, bool) {
	s, ok := successStates[transient]
	return s, ok
}

// FailureState returns the failure state for a transient state.
func FailureState(transient ProvisionState) (ProvisionState, bool) {
	s, ok := failureStates[transient]
	return s, ok
}

// SetsMaintenanceOnFailure reports whether failing out of the state parks the
// node in maintenance. Clean and deploy failures do: those phases have
// destructive side effects and the scheduler must not silently reuse the node.
func SetsMaintenanceOnFailure(transient ProvisionState) bool {
	switch transient {
	case StateCleaning, StateDeploying, StateDeleting:
		return true
	}
	return false
}

// Transition moves the node into to after checking legality. Entering a
// transient state records the matching target state; entering a stable state
// clears it. It never touches the node on rejection.
func Transition(n *Node, to ProvisionState) error {
	if !CanTransition(n.ProvisionState, to) {
		return &InvalidStateTransitionError{NodeID: n.ID, From: n.ProvisionState, To: to}
	}
	n.ProvisionState = to
	if target, ok := successStates[to]; ok {
		n.TargetProvisionState = target
	} else {
		n.TargetProvisionState = StateNone
	}
	return nil
}

// InvalidStateTransitionError reports a request incompatible with the node's
// current state. Nothing is mutated when it is returned.
type InvalidStateTransitionError struct {
	NodeID string
	From   ProvisionState
	To     ProvisionState
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("node %s: invalid state transition %q -> %q", e.NodeID, e.From, e.To)
}
