package baremetal

import "time"

// PowerState reflects the last observed power status of the hardware.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = ""
)

// IfaceKind names a pluggable capability a node is bound to exactly one
// implementation of.
type IfaceKind string

const (
	IfacePower      IfaceKind = "power"
	IfaceManagement IfaceKind = "management"
	IfaceDeploy     IfaceKind = "deploy"
	IfaceBoot       IfaceKind = "boot"
	IfaceNetwork    IfaceKind = "network"
	IfaceStorage    IfaceKind = "storage"
	IfaceInspect    IfaceKind = "inspect"
)

// IfacePrecedence is the fixed tie-break order for steps of equal priority.
var IfacePrecedence = []IfaceKind{
	IfacePower,
	IfaceManagement,
	IfaceDeploy,
	IfaceBoot,
	IfaceNetwork,
	IfaceStorage,
	IfaceInspect,
}

// Node describes a managed physical compute unit.
type Node struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	ProvisionState       ProvisionState `json:"provisionState"`
	TargetProvisionState ProvisionState `json:"targetProvisionState,omitempty"`
	PowerState           PowerState     `json:"powerState,omitempty"`
	TargetPowerState     PowerState     `json:"targetPowerState,omitempty"`

	Maintenance       bool   `json:"maintenance"`
	MaintenanceReason string `json:"maintenanceReason,omitempty"`

	// Reservation holds the ID of the conductor currently operating on the
	// node, or empty. It is only ever changed through Repository.ReserveNode,
	// ReleaseNode and StealReservation.
	Reservation string `json:"reservation,omitempty"`

	LastError string `json:"lastError,omitempty"`

	// Bindings maps each capability kind to the driver implementation name
	// servicing it on this node.
	Bindings map[IfaceKind]string `json:"bindings"`

	// DriverInfo is scratch state persisted across conductor restarts;
	// in-flight step plans live here.
	DriverInfo map[string]string `json:"driverInfo,omitempty"`

	// Properties are discovered or operator-declared hardware facts.
	Properties map[string]string `json:"properties,omitempty"`

	// InstanceInfo describes the workload currently placed on the node.
	// Non-empty only while the node holds a workload; cleared on deprovision.
	InstanceInfo map[string]string `json:"instanceInfo,omitempty"`

	BMCAddress    string `json:"bmcAddress,omitempty"`
	BMCUsername   string `json:"bmcUsername,omitempty"`
	BMCPassword   string `json:"-"`
	SSHUsername   string `json:"sshUsername,omitempty"`
	SSHPort       int    `json:"sshPort,omitempty"`
	SSHPrivateKey string `json:"-"`

	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ProvisionedAt  *time.Time `json:"provisionedAt,omitempty"`
	LastInspection *time.Time `json:"lastInspection,omitempty"`
}

// NodeEvent captures lifecycle progress for a node.
type NodeEvent struct {
	ID        string         `json:"id"`
	NodeID    string         `json:"nodeId"`
	State     ProvisionState `json:"state"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NodeView is the credential-free representation served to API consumers.
type NodeView struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	ProvisionState       ProvisionState       `json:"provisionState"`
	TargetProvisionState ProvisionState       `json:"targetProvisionState,omitempty"`
	PowerState           PowerState           `json:"powerState,omitempty"`
	TargetPowerState     PowerState           `json:"targetPowerState,omitempty"`
	Maintenance          bool                 `json:"maintenance"`
	MaintenanceReason    string               `json:"maintenanceReason,omitempty"`
	Reservation          string               `json:"reservation,omitempty"`
	LastError            string               `json:"lastError,omitempty"`
	Bindings             map[IfaceKind]string `json:"bindings"`
	Properties           map[string]string    `json:"properties,omitempty"`
	InstanceInfo         map[string]string    `json:"instanceInfo,omitempty"`
	BMCAddress           string               `json:"bmcAddress,omitempty"`
	CreatedAt            time.Time            `json:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt"`
	ProvisionedAt        *time.Time           `json:"provisionedAt,omitempty"`
}

// View converts a node to its API-safe representation.
func (n *Node) View() NodeView {
	return NodeView{
		ID:                   n.ID,
		Name:                 n.Name,
		ProvisionState:       n.ProvisionState,
		TargetProvisionState: n.TargetProvisionState,
		PowerState:           n.PowerState,
		TargetPowerState:     n.TargetPowerState,
		Maintenance:          n.Maintenance,
		MaintenanceReason:    n.MaintenanceReason,
		Reservation:          n.Reservation,
		LastError:            n.LastError,
		Bindings:             copyBindings(n.Bindings),
		Properties:           copyMap(n.Properties),
		InstanceInfo:         copyMap(n.InstanceInfo),
		BMCAddress:           n.BMCAddress,
		CreatedAt:            n.CreatedAt,
		UpdatedAt:            n.UpdatedAt,
		ProvisionedAt:        n.ProvisionedAt,
	}
}

// Clone returns a deep copy so callers can mutate freely before saving.
func (n *Node) Clone() *Node {
	c := *n
	c.Bindings = copyBindings(n.Bindings)
	c.DriverInfo = copyMap(n.DriverInfo)
	c.Properties = copyMap(n.Properties)
	c.InstanceInfo = copyMap(n.InstanceInfo)
	return &c
}

func copyBindings(in map[IfaceKind]string) map[IfaceKind]string {
	if in == nil {
		return nil
	}
	out := make(map[IfaceKind]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
