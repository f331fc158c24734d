package baremetal

import (
	"errors"
	"testing"
)

func TestTransitionHappyPath(t *testing.T) {
	n := &Node{ID: "n1", ProvisionState: StateEnroll}

	path := []ProvisionState{
		StateVerifying, StateManageable,
		StateCleaning, StateAvailable,
		StateDeploying, StateActive,
		StateDeleting, StateCleaning, StateAvailable,
	}
	for _, next := range path {
		if err := Transition(n, next); err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
		if n.ProvisionState != next {
			t.Fatalf("expected state %s, got %s", next, n.ProvisionState)
		}
	}
}

func TestTransitionTargetState(t *testing.T) {
	n := &Node{ID: "n1", ProvisionState: StateAvailable}

	if err := Transition(n, StateDeploying); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if n.TargetProvisionState != StateActive {
		t.Fatalf("expected target active while deploying, got %q", n.TargetProvisionState)
	}

	if err := Transition(n, StateActive); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if n.TargetProvisionState != StateNone {
		t.Fatalf("expected target cleared in stable state, got %q", n.TargetProvisionState)
	}
}

func TestTransitionRejectsIllegalWithoutMutation(t *testing.T) {
	n := &Node{ID: "n1", ProvisionState: StateEnroll, TargetProvisionState: StateNone}

	err := Transition(n, StateDeploying)
	if err == nil {
		t.Fatal("expected enroll -> deploying to be rejected")
	}
	var invalid *InvalidStateTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateTransitionError, got %T", err)
	}
	if invalid.From != StateEnroll || invalid.To != StateDeploying {
		t.Fatalf("unexpected error detail: %+v", invalid)
	}
	if n.ProvisionState != StateEnroll || n.TargetProvisionState != StateNone {
		t.Fatalf("node mutated by rejected transition: %+v", n)
	}
}

func TestStateClassification(t *testing.T) {
	transient := []ProvisionState{StateVerifying, StateCleaning, StateDeploying, StateDeleting, StateRescuing, StateUnrescuing}
	for _, s := range transient {
		if !IsTransient(s) || IsStable(s) {
			t.Fatalf("%s should be transient", s)
		}
	}
	stable := []ProvisionState{StateEnroll, StateManageable, StateAvailable, StateActive, StateRescue, StateCleanFailed, StateDeployFailed}
	for _, s := range stable {
		if IsTransient(s) || !IsStable(s) {
			t.Fatalf("%s should be stable", s)
		}
	}
	if IsStable(StateNone) {
		t.Fatal("the empty state is neither stable nor transient")
	}
}

func TestFailureStates(t *testing.T) {
	cases := map[ProvisionState]ProvisionState{
		StateVerifying:  StateVerifyFailed,
		StateCleaning:   StateCleanFailed,
		StateDeploying:  StateDeployFailed,
		StateDeleting:   StateCleanFailed,
		StateRescuing:   StateRescueFailed,
		StateUnrescuing: StateRescueFailed,
	}
	for from, want := range cases {
		got, ok := FailureState(from)
		if !ok || got != want {
			t.Fatalf("FailureState(%s) = %s, %v; want %s", from, got, ok, want)
		}
	}
	if _, ok := FailureState(StateActive); ok {
		t.Fatal("stable states have no failure state")
	}
}

func TestSetsMaintenanceOnFailure(t *testing.T) {
	for _, s := range []ProvisionState{StateCleaning, StateDeploying, StateDeleting} {
		if !SetsMaintenanceOnFailure(s) {
			t.Fatalf("%s failure should park the node in maintenance", s)
		}
	}
	for _, s := range []ProvisionState{StateVerifying, StateRescuing, StateUnrescuing} {
		if SetsMaintenanceOnFailure(s) {
			t.Fatalf("%s failure should not touch maintenance", s)
		}
	}
}
