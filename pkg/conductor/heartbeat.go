package conductor

import (
	"context"
	"fmt"

	"github.com/quarry-sh/quarry/pkg/baremetal"
)

// hardwareIDProperty is the node property agents present during lookup.
const hardwareIDProperty = "hardware_id"

// AgentReport is one heartbeat from the helper process on the hardware.
type AgentReport struct {
	AgentID string `json:"agentId"`
	Step    string `json:"step,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Lookup resolves an agent's hardware identity to the node it runs on.
func (s *Service) Lookup(ctx context.Context, hardwareID string) (baremetal.NodeView, error) {
	for _, id := range s.repo.ListNodeIDs() {
		node, ok := s.repo.GetNode(id)
		if !ok {
			continue
		}
		if node.ID == hardwareID || node.Properties[hardwareIDProperty] == hardwareID {
			return node.View(), nil
		}
	}
	return baremetal.NodeView{}, fmt.Errorf("no node matches hardware identity %q", hardwareID)
}

// Heartbeat matches an agent report against the node's waiting step. A
// successful report advances the plan exactly as a synchronous completion
// would; a failure report fails the plan with the agent's cause. Heartbeats
// for nodes not awaiting a callback are accepted and ignored, which makes
// duplicate and late delivery harmless.
func (s *Service) Heartbeat(ctx context.Context, nodeID string, report AgentReport) error {
	if _, ok := s.repo.GetNode(nodeID); !ok {
		return nil
	}

	t := s.lookupHeld(nodeID)
	if t == nil {
		// Not driven by this conductor, or nothing in flight.
		return nil
	}
	if !t.takeWait() {
		return nil
	}

	plan, ok := LoadPlan(t.node)
	if !ok || plan.WaitingSince == nil {
		return nil
	}

	step := plan.Steps[plan.Cursor]
	if !report.OK {
		cause := report.Error
		if cause == "" {
			cause = "agent reported failure"
		}
		return s.failPhase(t, plan, fmt.Sprintf("step %s.%s failed: %s", step.Kind, step.Name, cause), true)
	}

	plan.WaitingSince = nil
	plan.Cursor++
	StorePlan(t.node, plan)
	if err := t.Save(); err != nil {
		return s.failPhase(t, plan, fmt.Sprintf("persist plan progress: %v", err), true)
	}
	s.repo.AppendEvent(nodeID, t.node.ProvisionState,
		fmt.Sprintf("Step %d/%d %s.%s completed by agent %s", plan.Cursor, len(plan.Steps), step.Kind, step.Name, report.AgentID))

	bound, err := s.registry.Resolve(t.node.Bindings)
	if err != nil {
		return s.failPhase(t, plan, fmt.Sprintf("resolve bindings: %v", err), true)
	}
	return s.runPlan(ctx, t, bound)
}
