package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/quarry-sh/quarry/pkg/baremetal"
	"github.com/quarry-sh/quarry/pkg/membership"
)

// StartSweeper launches the background sweep loop. The sweep enforces step
// callback deadlines, takes over abandoned transient nodes, and keeps power
// state in sync for idle nodes this conductor is assigned.
func (s *Service) StartSweeper() {
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(context.Background())
			case <-s.sweepStop:
				return
			}
		}
	}()
}

// StopSweeper halts the sweep loop.
func (s *Service) StopSweeper() {
	if s.sweepStop == nil {
		return
	}
	close(s.sweepStop)
	<-s.sweepDone
}

// Sweep runs one pass over the nodes assigned to this conductor.
func (s *Service) Sweep(ctx context.Context) {
	members, err := s.members.Members(ctx)
	if err != nil {
		s.logger.Error("sweep: list members", "error", err)
		return
	}

	for _, nodeID := range s.repo.ListNodeIDs() {
		node, ok := s.repo.GetNode(nodeID)
		if !ok {
			continue
		}
		assigned, err := membership.AssignNode(node.ID, bindingValues(node), members)
		if err != nil || assigned != s.id {
			continue
		}
		// Maintenance excludes a node from all automatic operations.
		if node.Maintenance {
			continue
		}
		s.sweepNode(ctx, node)
	}
}

func (s *Service) sweepNode(ctx context.Context, node *baremetal.Node) {
	if t := s.lookupHeld(node.ID); t != nil {
		s.checkStepDeadline(t)
		return
	}

	if baremetal.IsTransient(node.ProvisionState) {
		s.recoverTransient(ctx, node)
		return
	}

	s.syncPowerState(ctx, node)
}

// checkStepDeadline fails a waiting step whose callback deadline has passed.
// The peek goes through the repository's detached copy of the node: the held
// task may be mid-dispatch on another goroutine, and its working copy is not
// safe to read until takeWait succeeds.
func (s *Service) checkStepDeadline(t *task) {
	node, ok := s.repo.GetNode(t.nodeID())
	if !ok {
		return
	}
	plan, ok := LoadPlan(node)
	if !ok || plan.WaitingSince == nil {
		return
	}
	if time.Since(*plan.WaitingSince) < s.cfg.StepCallbackDeadline {
		return
	}
	if !t.takeWait() {
		return
	}
	// The callback is claimed; the task is exclusively ours from here.
	plan, ok = LoadPlan(t.node)
	if !ok || plan.WaitingSince == nil {
		t.Release()
		return
	}
	step := plan.Steps[plan.Cursor]
	_ = s.failPhase(t, plan, fmt.Sprintf("step %s.%s timed out after %s waiting for agent callback",
		step.Kind, step.Name, s.cfg.StepCallbackDeadline), true)
}

// recoverTransient takes over a transient node whose driving conductor is
// gone: reservation held by a dead peer, or no reservation at all past the
// sojourn grace period. A resumable plan continues at its cursor; anything
// else fails into the phase's failure state.
func (s *Service) recoverTransient(ctx context.Context, node *baremetal.Node) {
	holder := node.Reservation
	if holder != "" && holder != s.id && s.members.IsAlive(ctx, holder) {
		return
	}
	if holder == "" && time.Since(node.UpdatedAt) < s.cfg.TransientTimeout {
		return
	}

	t, err := s.acquire(ctx, node.ID)
	if err != nil {
		return
	}

	plan, ok := LoadPlan(t.node)
	if !ok {
		_ = s.failPhase(t, nil, fmt.Sprintf("conductor lost in state %q with no resumable plan", t.node.ProvisionState), true)
		return
	}

	if plan.WaitingSince != nil {
		// The dispatched step may still call back; keep waiting under the
		// new reservation until the heartbeat arrives or the deadline hits.
		t.beginWait()
		s.logger.Info("adopted waiting plan", "node", node.ID, "cursor", plan.Cursor)
		return
	}

	bound, err := s.registry.Resolve(t.node.Bindings)
	if err != nil {
		_ = s.failPhase(t, plan, fmt.Sprintf("resolve bindings: %v", err), true)
		return
	}
	s.logger.Info("resuming plan after takeover", "node", node.ID, "phase", plan.Phase, "cursor", plan.Cursor)
	_ = s.runPlan(ctx, t, bound)
}

// syncPowerState refreshes the observed power state of an idle node.
func (s *Service) syncPowerState(ctx context.Context, node *baremetal.Node) {
	if node.Reservation != "" || !baremetal.IsStable(node.ProvisionState) {
		return
	}
	bound, err := s.registry.Resolve(node.Bindings)
	if err != nil {
		return
	}
	pd, ok := bound.Power()
	if !ok {
		return
	}
	state, err := pd.PowerState(ctx, node)
	if err != nil || state == node.PowerState {
		return
	}
	_, _ = s.repo.UpdateNode(node.ID, func(n *baremetal.Node) error {
		n.PowerState = state
		return nil
	})
}

func bindingValues(node *baremetal.Node) []string {
	values := make([]string, 0, len(node.Bindings))
	for _, name := range node.Bindings {
		values = append(values, name)
	}
	return values
}
