package drivers

import (
	"fmt"
	"sync"

	"github.com/quarry-sh/quarry/pkg/baremetal"
)

// Registry maps a capability kind and implementation name to a Driver.
// Bindings are resolved once and cached on a BoundSet, not re-resolved per
// call.
type Registry struct {
	mu      sync.RWMutex
	entries map[baremetal.IfaceKind]map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[baremetal.IfaceKind]map[string]Driver)}
}

// Register adds a driver under every kind it claims to service.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range d.Kinds() {
		if r.entries[kind] == nil {
			r.entries[kind] = make(map[string]Driver)
		}
		r.entries[kind][d.Name()] = d
	}
}

// Lookup retrieves a driver by kind and implementation name.
func (r *Registry) Lookup(kind baremetal.IfaceKind, name string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[kind][name]
	return d, ok
}

// Names lists the registered implementation names across all kinds, which is
// what a conductor advertises to the membership service.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var names []string
	for _, byName := range r.entries {
		for name := range byName {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// BoundSet is a node's bindings resolved to concrete drivers.
type BoundSet map[baremetal.IfaceKind]Driver

// Resolve maps each binding to a registered driver. The power, management
// and deploy kinds are mandatory; the rest are optional.
func (r *Registry) Resolve(bindings map[baremetal.IfaceKind]string) (BoundSet, error) {
	required := map[baremetal.IfaceKind]bool{
		baremetal.IfacePower:      true,
		baremetal.IfaceManagement: true,
		baremetal.IfaceDeploy:     true,
	}

	bound := make(BoundSet, len(bindings))
	for kind, name := range bindings {
		d, ok := r.Lookup(kind, name)
		if !ok {
			return nil, fmt.Errorf("no %s driver named %q is registered", kind, name)
		}
		bound[kind] = d
	}
	for kind := range required {
		if _, ok := bound[kind]; !ok {
			return nil, fmt.Errorf("node has no %s binding", kind)
		}
	}
	return bound, nil
}

// Validate runs every bound driver's Validate against the node.
func (b BoundSet) Validate(n *baremetal.Node) error {
	for _, kind := range baremetal.IfacePrecedence {
		d, ok := b[kind]
		if !ok {
			continue
		}
		if err := d.Validate(n); err != nil {
			return err
		}
	}
	return nil
}

// Power returns the bound power driver.
func (b BoundSet) Power() (PowerDriver, bool) {
	d, ok := b[baremetal.IfacePower].(PowerDriver)
	return d, ok
}
