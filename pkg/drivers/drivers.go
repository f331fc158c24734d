// Package drivers defines the pluggable capability interfaces a node is
// bound to and the registry that resolves binding names to implementations.
package drivers

import (
	"context"
	"fmt"
	"strings"

	"github.com/quarry-sh/quarry/pkg/baremetal"
)

// Phase names a step-driven operation.
type Phase string

const (
	PhaseClean  Phase = "clean"
	PhaseDeploy Phase = "deploy"
)

// Step is one ordered unit of work contributed by a driver for a phase.
// Priority 0 means the step is skipped.
type Step struct {
	Kind        baremetal.IfaceKind `json:"interface"`
	Name        string              `json:"step"`
	Priority    int                 `json:"priority"`
	Destructive bool                `json:"destructive,omitempty"`
	Args        map[string]string   `json:"args,omitempty"`
}

// Outcome is the result of dispatching a step.
type Outcome int

const (
	// Done means the step completed synchronously in the conductor process.
	Done Outcome = iota
	// Wait means the step was handed to the on-node agent; completion is
	// reported through a later heartbeat.
	Wait
)

// Driver is the contract every capability implementation satisfies.
type Driver interface {
	// Name is the implementation name nodes bind to.
	Name() string

	// Kinds lists the capability kinds this implementation can service.
	Kinds() []baremetal.IfaceKind

	// Validate checks that the node carries the data this driver needs. It
	// never mutates the node and fails with a MissingConfigurationError.
	Validate(n *baremetal.Node) error

	// Steps returns the candidate steps this driver contributes for a phase.
	Steps(phase Phase, n *baremetal.Node) []Step

	// ExecuteStep dispatches one step against the node's hardware.
	ExecuteStep(ctx context.Context, n *baremetal.Node, step Step) (Outcome, error)
}

// PowerDriver is implemented by drivers that service the power kind.
type PowerDriver interface {
	Driver
	PowerState(ctx context.Context, n *baremetal.Node) (baremetal.PowerState, error)
	SetPower(ctx context.Context, n *baremetal.Node, target baremetal.PowerState) error
	Reboot(ctx context.Context, n *baremetal.Node) error
}

// BootDriver is implemented by drivers that service the boot kind.
type BootDriver interface {
	Driver
	SetBootDevice(ctx context.Context, n *baremetal.Node, device string) error
}

// MissingConfigurationError reports that a bound driver cannot operate on the
// node as configured. It is surfaced before any destructive action.
type MissingConfigurationError struct {
	Driver  string
	NodeID  string
	Missing []string
}

func (e *MissingConfigurationError) Error() string {
	return fmt.Sprintf("driver %s: node %s is missing configuration: %s",
		e.Driver, e.NodeID, strings.Join(e.Missing, ", "))
}
