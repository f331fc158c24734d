package drivers

import (
	"context"
	"sync"

	"github.com/quarry-sh/quarry/pkg/baremetal"
)

// Fake services every capability kind with synchronous no-op operations. It
// backs development deployments and lets hardware-free environments exercise
// the full lifecycle.
type Fake struct {
	mu    sync.Mutex
	power map[string]baremetal.PowerState
	boot  map[string]string
}

func NewFake() *Fake {
	return &Fake{
		power: make(map[string]baremetal.PowerState),
		boot:  make(map[string]string),
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Kinds() []baremetal.IfaceKind {
	return append([]baremetal.IfaceKind(nil), baremetal.IfacePrecedence...)
}

func (f *Fake) Validate(n *baremetal.Node) error { return nil }

func (f *Fake) Steps(phase Phase, n *baremetal.Node) []Step {
	if phase != PhaseDeploy {
		return nil
	}
	return []Step{
		{Kind: baremetal.IfaceDeploy, Name: "write_image", Priority: 100},
		{Kind: baremetal.IfaceDeploy, Name: "install_bootloader", Priority: 50},
	}
}

func (f *Fake) ExecuteStep(ctx context.Context, n *baremetal.Node, step Step) (Outcome, error) {
	return Done, nil
}

func (f *Fake) PowerState(ctx context.Context, n *baremetal.Node) (baremetal.PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.power[n.ID]; ok {
		return state, nil
	}
	return baremetal.PowerOff, nil
}

func (f *Fake) SetPower(ctx context.Context, n *baremetal.Node, target baremetal.PowerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.power[n.ID] = target
	return nil
}

func (f *Fake) Reboot(ctx context.Context, n *baremetal.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.power[n.ID] = baremetal.PowerOn
	return nil
}

func (f *Fake) SetBootDevice(ctx context.Context, n *baremetal.Node, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boot[n.ID] = device
	return nil
}

var (
	_ PowerDriver = (*Fake)(nil)
	_ BootDriver  = (*Fake)(nil)
)
