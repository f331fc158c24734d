package conductor

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/quarry-sh/quarry/pkg/baremetal"
	"github.com/quarry-sh/quarry/pkg/drivers"
)

// planKey is where the in-flight plan lives inside the node's scratch map.
const planKey = "conductor_plan"

// failedStepKey records the identity of the step a failed plan halted on, so
// an operator can decide to resume, skip or remediate.
const failedStepKey = "failed_step"

// Plan is the durable unit of a step-driven phase: the ordered steps, a
// cursor, and the waiting marker for callback-driven steps. It is persisted
// into the node record before execution begins so a successor conductor can
// resume at the same cursor after a crash.
type Plan struct {
	Phase          drivers.Phase  `json:"phase"`
	Steps          []drivers.Step `json:"steps"`
	Cursor         int            `json:"cursor"`
	WaitingSince   *time.Time     `json:"waitingSince,omitempty"`
	AbortRequested bool           `json:"abortRequested,omitempty"`
	Manual         bool           `json:"manual,omitempty"`
}

// LoadPlan decodes the persisted plan from a node's scratch map.
func LoadPlan(n *baremetal.Node) (*Plan, bool) {
	raw, ok := n.DriverInfo[planKey]
	if !ok || raw == "" {
		return nil, false
	}
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false
	}
	return &p, true
}

// StorePlan writes the plan into the node's scratch map. The caller is
// responsible for saving the node afterwards.
func StorePlan(n *baremetal.Node, p *Plan) {
	payload, _ := json.Marshal(p)
	if n.DriverInfo == nil {
		n.DriverInfo = make(map[string]string)
	}
	n.DriverInfo[planKey] = string(payload)
}

// ClearPlan removes plan state from the node's scratch map.
func ClearPlan(n *baremetal.Node) {
	delete(n.DriverInfo, planKey)
	delete(n.DriverInfo, failedStepKey)
}

var precedenceIndex = func() map[baremetal.IfaceKind]int {
	out := make(map[baremetal.IfaceKind]int, len(baremetal.IfacePrecedence))
	for i, kind := range baremetal.IfacePrecedence {
		out[kind] = i
	}
	return out
}()

// BuildPlan pools candidate steps from every bound driver, drops priority-0
// entries, and orders the rest descending by priority. Equal priorities are
// broken by the fixed interface precedence so ordering is reproducible.
func BuildPlan(phase drivers.Phase, bound drivers.BoundSet, n *baremetal.Node) *Plan {
	var steps []drivers.Step
	for _, kind := range baremetal.IfacePrecedence {
		d, ok := bound[kind]
		if !ok {
			continue
		}
		for _, step := range d.Steps(phase, n) {
			if step.Priority <= 0 {
				continue
			}
			steps = append(steps, step)
		}
	}

	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Priority != steps[j].Priority {
			return steps[i].Priority > steps[j].Priority
		}
		return precedenceIndex[steps[i].Kind] < precedenceIndex[steps[j].Kind]
	})

	return &Plan{Phase: phase, Steps: steps}
}

// BuildManualPlan validates an operator-chosen step list against the bound
// drivers' candidates and keeps the caller's declared order.
func BuildManualPlan(phase drivers.Phase, bound drivers.BoundSet, n *baremetal.Node, requested []drivers.Step) (*Plan, error) {
	candidates := make(map[string]drivers.Step)
	for _, d := range bound {
		for _, step := range d.Steps(phase, n) {
			candidates[stepKey(step.Kind, step.Name)] = step
		}
	}

	steps := make([]drivers.Step, 0, len(requested))
	for _, req := range requested {
		known, ok := candidates[stepKey(req.Kind, req.Name)]
		if !ok {
			return nil, fmt.Errorf("step %s.%s is not offered by any bound driver", req.Kind, req.Name)
		}
		step := known
		if req.Args != nil {
			step.Args = req.Args
		}
		steps = append(steps, step)
	}
	return &Plan{Phase: phase, Steps: steps, Manual: true}, nil
}

func stepKey(kind baremetal.IfaceKind, name string) string {
	return string(kind) + "." + name
}
