package baremetal

import (
	"errors"
	"fmt"
)

// ErrNodeNotFound indicates the node ID does not exist in the store.
var ErrNodeNotFound = errors.New("node not found")

// NodeLockedError reports that another conductor holds the node's
// reservation. Callers should retry later; acquisition never blocks.
type NodeLockedError struct {
	NodeID string
	Holder string
}

func (e *NodeLockedError) Error() string {
	return fmt.Sprintf("node %s is locked by conductor %s", e.NodeID, e.Holder)
}

// IsNodeLocked reports whether err is a NodeLockedError.
func IsNodeLocked(err error) bool {
	var locked *NodeLockedError
	return errors.As(err, &locked)
}
