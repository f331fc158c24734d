// Package conductor drives the node lifecycle: it owns the per-node lock,
// builds and executes step plans, and reacts to agent callbacks and peer
// conductor failures.
package conductor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/quarry-sh/quarry/pkg/baremetal"
	"github.com/quarry-sh/quarry/pkg/drivers"
	"github.com/quarry-sh/quarry/pkg/membership"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Membership is the view of the conductor pool this service needs.
type Membership interface {
	Members(ctx context.Context) ([]membership.Member, error)
	IsAlive(ctx context.Context, conductorID string) bool
}

// Config tunes the conductor's timeout and policy knobs.
type Config struct {
	// ConductorID identifies this conductor in reservations and liveness
	// records.
	ConductorID string

	// StepCallbackDeadline bounds how long a dispatched agent step may wait
	// for a heartbeat before failing with a timeout cause.
	StepCallbackDeadline time.Duration

	// TransientTimeout is the maximum sojourn in a transient state without
	// forward progress before the node is treated as abandoned.
	TransientTimeout time.Duration

	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration

	// AutomatedClean controls whether automatic cleaning runs between
	// workloads. When disabled, nodes pass through cleaning untouched.
	AutomatedClean bool
}

func (c *Config) applyDefaults() {
	if c.StepCallbackDeadline == 0 {
		c.StepCallbackDeadline = 30 * time.Minute
	}
	if c.TransientTimeout == 0 {
		c.TransientTimeout = time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Service is one conductor: it operates on the subset of nodes the
// membership ring assigns to it, one exclusive reservation at a time.
type Service struct {
	id       string
	repo     baremetal.Repository
	registry *drivers.Registry
	members  Membership
	logger   Logger
	tracer   trace.Tracer
	cfg      Config

	mu   sync.Mutex
	held map[string]*task

	sweepStop chan struct{}
	sweepDone chan struct{}
}

func New(repo baremetal.Repository, registry *drivers.Registry, members Membership, logger Logger, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		id:       cfg.ConductorID,
		repo:     repo,
		registry: registry,
		members:  members,
		logger:   logger,
		tracer:   otel.Tracer("quarry/conductor"),
		cfg:      cfg,
		held:     make(map[string]*task),
	}
}

// ID returns this conductor's identity.
func (s *Service) ID() string { return s.id }

// Verb is a requested lifecycle action, mapped onto target states.
type Verb string

const (
	VerbManage   Verb = "manage"
	VerbProvide  Verb = "provide"
	VerbDeploy   Verb = "deploy"
	VerbDelete   Verb = "delete"
	VerbAbort    Verb = "abort"
	VerbRescue   Verb = "rescue"
	VerbUnrescue Verb = "unrescue"
)

// RequestState drives the node toward the state the verb names. Transition
// legality and driver configuration are checked before anything is mutated;
// requests matching the current state are accepted as no-ops.
func (s *Service) RequestState(ctx context.Context, nodeID string, verb Verb) error {
	switch verb {
	case VerbManage:
		return s.verify(ctx, nodeID)
	case VerbProvide:
		return s.clean(ctx, nodeID, nil)
	case VerbDeploy:
		return s.deploy(ctx, nodeID, nil)
	case VerbDelete:
		return s.teardown(ctx, nodeID)
	case VerbAbort:
		return s.abort(ctx, nodeID)
	case VerbRescue:
		return s.rescue(ctx, nodeID)
	case VerbUnrescue:
		return s.unrescue(ctx, nodeID)
	default:
		return fmt.Errorf("unknown state verb %q", verb)
	}
}

// CreateNode enrolls a new node after checking its bindings resolve to
// registered drivers.
func (s *Service) CreateNode(node *baremetal.Node) (*baremetal.Node, error) {
	if _, err := s.registry.Resolve(node.Bindings); err != nil {
		return nil, err
	}
	return s.repo.CreateNode(node)
}

// UpdateBindings rebinds capability implementations. Only permitted while
// the node is stable and unreserved; every new binding must validate against
// the node's data before anything is persisted.
func (s *Service) UpdateBindings(ctx context.Context, nodeID string, bindings map[baremetal.IfaceKind]string) error {
	t, err := s.acquire(ctx, nodeID)
	if err != nil {
		return err
	}
	defer t.Release()

	if !baremetal.IsStable(t.node.ProvisionState) {
		return fmt.Errorf("node %s: bindings may only change in a stable state, not %q", nodeID, t.node.ProvisionState)
	}

	bound, err := s.registry.Resolve(bindings)
	if err != nil {
		return err
	}
	if err := bound.Validate(t.node); err != nil {
		return err
	}

	t.node.Bindings = bindings
	if err := t.Save(); err != nil {
		return err
	}
	s.repo.AppendEvent(nodeID, t.node.ProvisionState, "Driver bindings updated")
	return nil
}

// deletableStates are the stable states a node may be removed from.
var deletableStates = map[baremetal.ProvisionState]bool{
	baremetal.StateEnroll:       true,
	baremetal.StateVerifyFailed: true,
	baremetal.StateManageable:   true,
	baremetal.StateAvailable:    true,
	baremetal.StateCleanFailed:  true,
}

// DeleteNode removes a node record. Nodes holding a workload or being
// actively driven are refused; a held reservation surfaces as NodeLocked.
func (s *Service) DeleteNode(ctx context.Context, nodeID string) error {
	t, err := s.acquire(ctx, nodeID)
	if err != nil {
		return err
	}
	if !deletableStates[t.node.ProvisionState] {
		t.Release()
		return fmt.Errorf("node %s cannot be deleted in state %q", nodeID, t.node.ProvisionState)
	}
	if err := s.repo.DeleteNode(nodeID); err != nil {
		t.Release()
		return err
	}
	// The record is gone; only the in-process hold remains to clean up.
	s.mu.Lock()
	delete(s.held, nodeID)
	s.mu.Unlock()
	return nil
}

// SetMaintenance flags or clears maintenance. Maintenance nodes are excluded
// from automatic operations until explicitly cleared.
func (s *Service) SetMaintenance(ctx context.Context, nodeID string, on bool, reason string) error {
	_, err := s.repo.UpdateNode(nodeID, func(n *baremetal.Node) error {
		n.Maintenance = on
		if on {
			n.MaintenanceReason = reason
		} else {
			n.MaintenanceReason = ""
		}
		return nil
	})
	return err
}

// verify drives enroll (or a failed verification) through the verifying
// state: bindings must resolve, every bound driver must validate, and the
// power state must be readable.
func (s *Service) verify(ctx context.Context, nodeID string) error {
	ctx, span := s.tracer.Start(ctx, "conductor.verify")
	defer span.End()

	t, err := s.acquire(ctx, nodeID)
	if err != nil {
		return err
	}
	defer t.Release()

	if t.node.ProvisionState == baremetal.StateManageable {
		return nil
	}
	if err := baremetal.Transition(t.node, baremetal.StateVerifying); err != nil {
		return err
	}
	if err := t.Save(); err != nil {
		return err
	}
	s.repo.AppendEvent(nodeID, baremetal.StateVerifying, "Verifying driver configuration")

	verifyErr := func() error {
		bound, err := s.registry.Resolve(t.node.Bindings)
		if err != nil {
			return err
		}
		if err := bound.Validate(t.node); err != nil {
			return err
		}
		pd, ok := bound.Power()
		if !ok {
			return fmt.Errorf("node %s: power binding does not expose power control", nodeID)
		}
		state, err := pd.PowerState(ctx, t.node)
		if err != nil {
			return fmt.Errorf("query power state: %w", err)
		}
		t.node.PowerState = state
		return nil
	}()

	if verifyErr != nil {
		if terr := baremetal.Transition(t.node, baremetal.StateVerifyFailed); terr != nil {
			return terr
		}
		t.node.LastError = verifyErr.Error()
		if err := t.Save(); err != nil {
			return err
		}
		s.repo.AppendEvent(nodeID, baremetal.StateVerifyFailed, verifyErr.Error())
		return verifyErr
	}

	if err := baremetal.Transition(t.node, baremetal.StateManageable); err != nil {
		return err
	}
	t.node.LastError = ""
	if err := t.Save(); err != nil {
		return err
	}
	s.repo.AppendEvent(nodeID, baremetal.StateManageable, "Verification succeeded")
	return nil
}

// clean runs the cleaning phase. With a nil step list the plan is the
// priority-ordered union of all bound drivers' candidates and success lands
// in available; with an explicit list the caller's order is kept and success
// returns to manageable.
func (s *Service) clean(ctx context.Context, nodeID string, steps []drivers.Step) error {
	ctx, span := s.tracer.Start(ctx, "conductor.clean")
	defer span.End()

	manual := steps != nil

	t, err := s.acquire(ctx, nodeID)
	if err != nil {
		return err
	}

	if !manual && t.node.ProvisionState == baremetal.StateAvailable {
		t.Release()
		return nil
	}
	if t.node.Maintenance {
		t.Release()
		return fmt.Errorf("node %s is in maintenance: %s", nodeID, t.node.MaintenanceReason)
	}
	if manual && !baremetal.IsStable(t.node.ProvisionState) {
		t.Release()
		return fmt.Errorf("node %s: manual clean steps only accepted in a stable state, not %q", nodeID, t.node.ProvisionState)
	}

	bound, err := s.registry.Resolve(t.node.Bindings)
	if err == nil {
		err = bound.Validate(t.node)
	}
	if err != nil {
		t.Release()
		return err
	}

	var plan *Plan
	if manual {
		plan, err = BuildManualPlan(drivers.PhaseClean, bound, t.node, steps)
		if err != nil {
			t.Release()
			return err
		}
	} else if s.cfg.AutomatedClean {
		plan = BuildPlan(drivers.PhaseClean, bound, t.node)
	} else {
		plan = &Plan{Phase: drivers.PhaseClean}
	}

	if err := baremetal.Transition(t.node, baremetal.StateCleaning); err != nil {
		t.Release()
		return err
	}
	StorePlan(t.node, plan)
	if err := t.Save(); err != nil {
		t.Release()
		return err
	}
	s.repo.AppendEvent(nodeID, baremetal.StateCleaning, fmt.Sprintf("Cleaning started (%d steps)", len(plan.Steps)))

	return s.runPlan(ctx, t, bound)
}

// CleanSteps runs a manual, operator-ordered cleaning pass.
func (s *Service) CleanSteps(ctx context.Context, nodeID string, steps []drivers.Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("manual clean requires at least one step")
	}
	return s.clean(ctx, nodeID, steps)
}

// deploy places a workload on an available node.
func (s *Service) deploy(ctx context.Context, nodeID string, instanceInfo map[string]string) error {
	ctx, span := s.tracer.Start(ctx, "conductor.deploy")
	defer span.End()

	t, err := s.acquire(ctx, nodeID)
	if err != nil {
		return err
	}

	if t.node.ProvisionState == baremetal.StateActive {
		t.Release()
		return nil
	}
	if t.node.Maintenance {
		t.Release()
		return fmt.Errorf("node %s is in maintenance: %s", nodeID, t.node.MaintenanceReason)
	}

	bound, err := s.registry.Resolve(t.node.Bindings)
	if err == nil {
		err = bound.Validate(t.node)
	}
	if err != nil {
		t.Release()
		return err
	}

	if err := baremetal.Transition(t.node, baremetal.StateDeploying); err != nil {
		t.Release()
		return err
	}
	if instanceInfo != nil {
		t.node.InstanceInfo = instanceInfo
	}

	plan := BuildPlan(drivers.PhaseDeploy, bound, t.node)
	StorePlan(t.node, plan)
	if err := t.Save(); err != nil {
		t.Release()
		return err
	}
	s.repo.AppendEvent(nodeID, baremetal.StateDeploying, fmt.Sprintf("Deployment started (%d steps)", len(plan.Steps)))

	if pd, ok := bound.Power(); ok {
		if err := pd.SetPower(ctx, t.node, baremetal.PowerOn); err != nil {
			// No step ran; pass a nil plan so no step gets blamed.
			return s.failPhase(t, nil, fmt.Sprintf("power on failed: %v", err), true)
		}
		t.node.PowerState = baremetal.PowerOn
	}

	return s.runPlan(ctx, t, bound)
}

// Deploy places a workload described by instanceInfo onto the node.
func (s *Service) Deploy(ctx context.Context, nodeID string, instanceInfo map[string]string) error {
	return s.deploy(ctx, nodeID, instanceInfo)
}

// teardown reclaims an active (or failed/rescued) node: power off, drop the
// workload, then clean back into the pool.
func (s *Service) teardown(ctx context.Context, nodeID string) error {
	ctx, span := s.tracer.Start(ctx, "conductor.teardown")
	defer span.End()

	t, err := s.acquire(ctx, nodeID)
	if err != nil {
		return err
	}

	if t.node.ProvisionState == baremetal.StateAvailable {
		t.Release()
		return nil
	}

	bound, err := s.registry.Resolve(t.node.Bindings)
	if err != nil {
		t.Release()
		return err
	}

	if err := baremetal.Transition(t.node, baremetal.StateDeleting); err != nil {
		t.Release()
		return err
	}
	if err := t.Save(); err != nil {
		t.Release()
		return err
	}
	s.repo.AppendEvent(nodeID, baremetal.StateDeleting, "Reclaiming node")

	if pd, ok := bound.Power(); ok {
		if err := pd.SetPower(ctx, t.node, baremetal.PowerOff); err != nil {
			return s.failPhase(t, nil, fmt.Sprintf("power off failed: %v", err), true)
		}
		t.node.PowerState = baremetal.PowerOff
	}
	t.node.InstanceInfo = nil
	t.node.ProvisionedAt = nil

	if !s.cfg.AutomatedClean {
		if err := baremetal.Transition(t.node, baremetal.StateAvailable); err != nil {
			t.Release()
			return err
		}
		t.node.LastError = ""
		if err := t.Save(); err != nil {
			t.Release()
			return err
		}
		s.repo.AppendEvent(nodeID, baremetal.StateAvailable, "Node reclaimed without cleaning")
		t.Release()
		return nil
	}

	if err := baremetal.Transition(t.node, baremetal.StateCleaning); err != nil {
		t.Release()
		return err
	}
	plan := BuildPlan(drivers.PhaseClean, bound, t.node)
	StorePlan(t.node, plan)
	if err := t.Save(); err != nil {
		t.Release()
		return err
	}
	s.repo.AppendEvent(nodeID, baremetal.StateCleaning, fmt.Sprintf("Cleaning started (%d steps)", len(plan.Steps)))

	return s.runPlan(ctx, t, bound)
}

// abort requests cancellation of an in-flight cleaning at the next step
// boundary. Deployment is not abortable: interrupting image placement would
// leave the disk in an undefined state.
func (s *Service) abort(ctx context.Context, nodeID string) error {
	node, ok := s.repo.GetNode(nodeID)
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, baremetal.ErrNodeNotFound)
	}
	if node.ProvisionState != baremetal.StateCleaning {
		return &baremetal.InvalidStateTransitionError{NodeID: nodeID, From: node.ProvisionState, To: baremetal.StateCleanFailed}
	}

	// Persist the flag so whichever conductor drives the plan sees it at the
	// next step boundary.
	_, err := s.repo.UpdateNode(nodeID, func(n *baremetal.Node) error {
		plan, ok := LoadPlan(n)
		if !ok {
			return fmt.Errorf("node %s has no plan to abort", nodeID)
		}
		plan.AbortRequested = true
		StorePlan(n, plan)
		return nil
	})
	if err != nil {
		return err
	}

	// If the plan is parked on a callback in this process, the boundary is
	// now: fail it immediately instead of waiting for the agent.
	if t := s.lookupHeld(nodeID); t != nil && t.takeWait() {
		if plan, ok := LoadPlan(t.node); ok {
			plan.AbortRequested = true
			// failPhase reports the halted phase as an error; the abort
			// itself succeeded.
			_ = s.failPhase(t, plan, "cleaning aborted by request", false)
		}
	}
	return nil
}

// rescue boots the node into the rescue environment.
func (s *Service) rescue(ctx context.Context, nodeID string) error {
	return s.bootBranch(ctx, nodeID, baremetal.StateRescuing, "rescue")
}

// unrescue returns a rescued node to its workload.
func (s *Service) unrescue(ctx context.Context, nodeID string) error {
	return s.bootBranch(ctx, nodeID, baremetal.StateUnrescuing, "disk")
}

func (s *Service) bootBranch(ctx context.Context, nodeID string, transient baremetal.ProvisionState, device string) error {
	t, err := s.acquire(ctx, nodeID)
	if err != nil {
		return err
	}
	defer t.Release()

	target, _ := baremetal.SuccessState(transient)
	if t.node.ProvisionState == target {
		return nil
	}

	bound, err := s.registry.Resolve(t.node.Bindings)
	if err != nil {
		return err
	}

	if err := baremetal.Transition(t.node, transient); err != nil {
		return err
	}
	if err := t.Save(); err != nil {
		return err
	}
	s.repo.AppendEvent(nodeID, transient, fmt.Sprintf("Booting into %s", device))

	opErr := func() error {
		if bd, ok := bound[baremetal.IfaceBoot].(drivers.BootDriver); ok {
			if err := bd.SetBootDevice(ctx, t.node, device); err != nil {
				return fmt.Errorf("set boot device: %w", err)
			}
		}
		pd, ok := bound.Power()
		if !ok {
			return fmt.Errorf("node %s: power binding does not expose power control", nodeID)
		}
		if err := pd.Reboot(ctx, t.node); err != nil {
			return fmt.Errorf("reboot: %w", err)
		}
		return nil
	}()

	if opErr != nil {
		failState, _ := baremetal.FailureState(transient)
		if terr := baremetal.Transition(t.node, failState); terr != nil {
			return terr
		}
		t.node.LastError = opErr.Error()
		if err := t.Save(); err != nil {
			return err
		}
		s.repo.AppendEvent(nodeID, failState, opErr.Error())
		return opErr
	}

	if err := baremetal.Transition(t.node, target); err != nil {
		return err
	}
	t.node.LastError = ""
	t.node.PowerState = baremetal.PowerOn
	if err := t.Save(); err != nil {
		return err
	}
	s.repo.AppendEvent(nodeID, target, "Boot branch complete")
	return nil
}
