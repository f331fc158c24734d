package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/quarry-sh/quarry/pkg/baremetal"
	"github.com/quarry-sh/quarry/pkg/drivers"
)

// runPlan executes the persisted plan one step at a time starting at its
// cursor. Synchronous steps advance the cursor in place; an asynchronous step
// parks the plan as waiting and returns with the lock still held, to be
// resumed by a heartbeat or failed by the timeout sweep. The task is released
// on every other exit path.
func (s *Service) runPlan(ctx context.Context, t *task, bound drivers.BoundSet) error {
	ctx, span := s.tracer.Start(ctx, "conductor.run_plan")
	defer span.End()

	for {
		plan, ok := LoadPlan(t.node)
		if !ok {
			err := fmt.Errorf("node %s entered %q with no plan", t.node.ID, t.node.ProvisionState)
			return s.failPhase(t, nil, err.Error(), true)
		}

		// Pick up abort flags persisted by another process.
		if fresh, ok := s.repo.GetNode(t.node.ID); ok {
			if freshPlan, ok := LoadPlan(fresh); ok && freshPlan.AbortRequested {
				plan.AbortRequested = true
			}
		}
		if plan.AbortRequested && plan.Phase == drivers.PhaseClean {
			return s.failPhase(t, plan, "cleaning aborted by request", false)
		}

		if plan.Cursor >= len(plan.Steps) {
			return s.finishPhase(t, plan)
		}

		step := plan.Steps[plan.Cursor]
		d, ok := bound[step.Kind]
		if !ok {
			return s.failPhase(t, plan, fmt.Sprintf("no bound driver for interface %s", step.Kind), true)
		}

		outcome, err := d.ExecuteStep(ctx, t.node, step)
		if err != nil {
			return s.failPhase(t, plan, fmt.Sprintf("step %s.%s failed: %v", step.Kind, step.Name, err), true)
		}

		if outcome == drivers.Wait {
			now := time.Now().UTC()
			plan.WaitingSince = &now
			StorePlan(t.node, plan)
			if err := t.Save(); err != nil {
				return s.failPhase(t, plan, fmt.Sprintf("persist waiting plan: %v", err), true)
			}
			s.repo.AppendEvent(t.node.ID, t.node.ProvisionState,
				fmt.Sprintf("Step %d/%d %s.%s dispatched to agent", plan.Cursor+1, len(plan.Steps), step.Kind, step.Name))
			// Arm the callback last. The moment awaiting is set a heartbeat
			// may claim the task, so the parked plan must already be durable
			// and this goroutine done touching the task.
			t.beginWait()
			return nil
		}

		plan.Cursor++
		StorePlan(t.node, plan)
		if err := t.Save(); err != nil {
			return s.failPhase(t, plan, fmt.Sprintf("persist plan progress: %v", err), true)
		}
		s.repo.AppendEvent(t.node.ID, t.node.ProvisionState,
			fmt.Sprintf("Step %d/%d %s.%s completed", plan.Cursor, len(plan.Steps), step.Kind, step.Name))
	}
}

// finishPhase moves the node into the phase's success state, clears the plan
// and releases the lock.
func (s *Service) finishPhase(t *task, plan *Plan) error {
	defer t.Release()

	var target baremetal.ProvisionState
	switch {
	case plan.Phase == drivers.PhaseClean && plan.Manual:
		target = baremetal.StateManageable
	case plan.Phase == drivers.PhaseClean:
		target = baremetal.StateAvailable
	case plan.Phase == drivers.PhaseDeploy:
		target = baremetal.StateActive
	default:
		return fmt.Errorf("plan for node %s has unknown phase %q", t.node.ID, plan.Phase)
	}

	ClearPlan(t.node)
	if err := baremetal.Transition(t.node, target); err != nil {
		return err
	}
	t.node.LastError = ""
	if target == baremetal.StateActive {
		now := time.Now().UTC()
		t.node.ProvisionedAt = &now
	}
	if err := t.Save(); err != nil {
		return err
	}

	s.logger.Info("phase complete", "node", t.node.ID, "phase", plan.Phase, "state", target)
	s.repo.AppendEvent(t.node.ID, target, fmt.Sprintf("%s phase complete", plan.Phase))
	return nil
}

// failPhase halts the plan, records which step failed and why, moves the
// node into the phase's failure state and releases the lock. Destructive
// phases additionally park the node in maintenance so the scheduler cannot
// silently reuse hardware in an unknown condition.
func (s *Service) failPhase(t *task, plan *Plan, cause string, maintenance bool) error {
	defer t.Release()

	from := t.node.ProvisionState
	failState, ok := baremetal.FailureState(from)
	if !ok {
		return fmt.Errorf("node %s failed in non-transient state %q: %s", t.node.ID, from, cause)
	}

	if plan != nil && plan.Cursor < len(plan.Steps) {
		step := plan.Steps[plan.Cursor]
		if t.node.DriverInfo == nil {
			t.node.DriverInfo = make(map[string]string)
		}
		t.node.DriverInfo[failedStepKey] = stepKey(step.Kind, step.Name)
		plan.WaitingSince = nil
		// Keep the halted plan in the scratch map for operator inspection.
		StorePlan(t.node, plan)
	}

	if err := baremetal.Transition(t.node, failState); err != nil {
		return err
	}
	t.node.LastError = cause
	if maintenance && baremetal.SetsMaintenanceOnFailure(from) {
		t.node.Maintenance = true
		t.node.MaintenanceReason = cause
	}
	if err := t.Save(); err != nil {
		return err
	}

	s.logger.Error("phase failed", "node", t.node.ID, "state", failState, "cause", cause)
	s.repo.AppendEvent(t.node.ID, failState, cause)
	return fmt.Errorf("node %s: %s", t.node.ID, cause)
}
