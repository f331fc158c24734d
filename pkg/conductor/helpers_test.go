package conductor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/quarry-sh/quarry/pkg/baremetal"
	"github.com/quarry-sh/quarry/pkg/drivers"
	"github.com/quarry-sh/quarry/pkg/membership"
)

// scriptDriver is a scripted in-memory driver: its step lists, per-step
// outcomes and failures are fixed by the test, and every execution is
// recorded.
type scriptDriver struct {
	name        string
	cleanSteps  []drivers.Step
	deploySteps []drivers.Step
	async       map[string]bool
	fail        map[string]string
	validateErr error
	powerErr    error

	mu       sync.Mutex
	executed []string
	power    baremetal.PowerState
}

func newScriptDriver() *scriptDriver {
	return &scriptDriver{
		name: "script",
		cleanSteps: []drivers.Step{
			{Kind: baremetal.IfaceManagement, Name: "erase_disks", Priority: 10, Destructive: true},
		},
		deploySteps: []drivers.Step{
			{Kind: baremetal.IfaceDeploy, Name: "write_image", Priority: 100},
			{Kind: baremetal.IfaceDeploy, Name: "install_bootloader", Priority: 50},
		},
		async: make(map[string]bool),
		fail:  make(map[string]string),
		power: baremetal.PowerOff,
	}
}

func (d *scriptDriver) Name() string { return d.name }

func (d *scriptDriver) Kinds() []baremetal.IfaceKind {
	return []baremetal.IfaceKind{baremetal.IfacePower, baremetal.IfaceManagement, baremetal.IfaceDeploy, baremetal.IfaceBoot}
}

func (d *scriptDriver) Validate(n *baremetal.Node) error { return d.validateErr }

func (d *scriptDriver) Steps(phase drivers.Phase, n *baremetal.Node) []drivers.Step {
	switch phase {
	case drivers.PhaseClean:
		return append([]drivers.Step(nil), d.cleanSteps...)
	case drivers.PhaseDeploy:
		return append([]drivers.Step(nil), d.deploySteps...)
	}
	return nil
}

func (d *scriptDriver) ExecuteStep(ctx context.Context, n *baremetal.Node, step drivers.Step) (drivers.Outcome, error) {
	d.mu.Lock()
	d.executed = append(d.executed, step.Name)
	d.mu.Unlock()
	if cause, ok := d.fail[step.Name]; ok {
		return drivers.Done, fmt.Errorf("%s", cause)
	}
	if d.async[step.Name] {
		return drivers.Wait, nil
	}
	return drivers.Done, nil
}

func (d *scriptDriver) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.executed...)
}

func (d *scriptDriver) PowerState(ctx context.Context, n *baremetal.Node) (baremetal.PowerState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.power, nil
}

func (d *scriptDriver) SetPower(ctx context.Context, n *baremetal.Node, target baremetal.PowerState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.powerErr != nil {
		return d.powerErr
	}
	d.power = target
	return nil
}

func (d *scriptDriver) Reboot(ctx context.Context, n *baremetal.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.power = baremetal.PowerOn
	return nil
}

func (d *scriptDriver) SetBootDevice(ctx context.Context, n *baremetal.Node, device string) error {
	return nil
}

var (
	_ drivers.PowerDriver = (*scriptDriver)(nil)
	_ drivers.BootDriver  = (*scriptDriver)(nil)
)

// hookRepo wraps a Repository and runs a callback before every node save,
// letting a test inject activity into the middle of an operation.
type hookRepo struct {
	baremetal.Repository
	onUpdate func(id string)
}

func (r *hookRepo) UpdateNode(id string, fn func(n *baremetal.Node) error) (*baremetal.Node, error) {
	if r.onUpdate != nil {
		r.onUpdate(id)
	}
	return r.Repository.UpdateNode(id, fn)
}

// fakeMembers is a static view of the conductor pool.
type fakeMembers struct {
	members []membership.Member
	alive   map[string]bool
}

func (f *fakeMembers) Members(ctx context.Context) ([]membership.Member, error) {
	return f.members, nil
}

func (f *fakeMembers) IsAlive(ctx context.Context, conductorID string) bool {
	return f.alive[conductorID]
}

type testLogger struct {
	t *testing.T
}

func (l testLogger) Info(msg string, args ...any)  { l.t.Logf("INFO %s %v", msg, args) }
func (l testLogger) Error(msg string, args ...any) { l.t.Logf("ERROR %s %v", msg, args) }

type harness struct {
	svc     *Service
	store   *baremetal.Store
	driver  *scriptDriver
	members *fakeMembers
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.ConductorID == "" {
		cfg.ConductorID = "c1"
	}
	store, err := baremetal.NewStore(filepath.Join(t.TempDir(), "nodes.json"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	driver := newScriptDriver()
	registry := drivers.NewRegistry()
	registry.Register(driver)
	members := &fakeMembers{
		members: []membership.Member{{ID: cfg.ConductorID, Drivers: []string{driver.Name()}}},
		alive:   map[string]bool{cfg.ConductorID: true},
	}
	svc := New(store, registry, members, testLogger{t}, cfg)
	return &harness{svc: svc, store: store, driver: driver, members: members}
}

func (h *harness) createNode(t *testing.T) *baremetal.Node {
	t.Helper()
	node, err := h.store.CreateNode(&baremetal.Node{
		Bindings: map[baremetal.IfaceKind]string{
			baremetal.IfacePower:      "script",
			baremetal.IfaceManagement: "script",
			baremetal.IfaceDeploy:     "script",
			baremetal.IfaceBoot:       "script",
		},
	})
	if err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}
	return node
}

func (h *harness) node(t *testing.T, id string) *baremetal.Node {
	t.Helper()
	node, ok := h.store.GetNode(id)
	if !ok {
		t.Fatalf("node %s missing from store", id)
	}
	return node
}

// toState walks a node along legal transitions directly in the store,
// bypassing the conductor, to set up mid-lifecycle scenarios.
func (h *harness) toState(t *testing.T, id string, path ...baremetal.ProvisionState) {
	t.Helper()
	_, err := h.store.UpdateNode(id, func(n *baremetal.Node) error {
		for _, next := range path {
			if err := baremetal.Transition(n, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk node to state: %v", err)
	}
}
