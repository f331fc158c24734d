package membership

import (
	"errors"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// ErrNoEligibleConductor means no live conductor can service the node's
// driver bindings.
var ErrNoEligibleConductor = errors.New("no eligible conductor for node")

// AssignNode deterministically maps a node to one conductor out of the live
// member set. Only members that carry every driver the node is bound to are
// eligible; among those, rendezvous hashing keeps reassignment minimal when
// the member set changes.
func AssignNode(nodeID string, boundDrivers []string, members []Member) (string, error) {
	var eligible []string
	for _, m := range members {
		if servicesAll(m.Drivers, boundDrivers) {
			eligible = append(eligible, m.ID)
		}
	}
	if len(eligible) == 0 {
		return "", ErrNoEligibleConductor
	}
	// Sorted input keeps the mapping independent of member enumeration order.
	sort.Strings(eligible)
	ring := rendezvous.New(eligible, xxhash.Sum64String)
	return ring.Lookup(nodeID), nil
}

func servicesAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
