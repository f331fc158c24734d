package baremetal

// Repository defines the storage operations required by the conductor.
//
// Implementations must make ReserveNode, ReleaseNode and StealReservation
// atomic compare-and-set operations on the reservation field; all other
// mutation happens under a held reservation, so no further transactional
// guarantees are required.
type Repository interface {
	CreateNode(node *Node) (*Node, error)
	ListNodes() []NodeView
	ListNodeIDs() []string
	GetNode(id string) (*Node, bool)
	UpdateNode(id string, fn func(n *Node) error) (*Node, error)
	DeleteNode(id string) error

	// ReserveNode sets the reservation to conductorID if it is currently
	// empty or already held by conductorID. It fails with NodeLockedError
	// otherwise, without blocking.
	ReserveNode(id, conductorID string) (*Node, error)

	// ReleaseNode clears the reservation if held by conductorID.
	ReleaseNode(id, conductorID string) error

	// StealReservation swaps the reservation from a dead conductor to a new
	// one in a single compare-and-set. It fails with NodeLockedError if the
	// reservation changed in the meantime.
	StealReservation(id, from, to string) (*Node, error)

	GetEvents(id string) []NodeEvent
	AppendEvent(id string, state ProvisionState, message string)
}

var _ Repository = (*Store)(nil)
var _ Repository = (*PostgresStore)(nil)
