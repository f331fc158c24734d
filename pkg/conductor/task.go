package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quarry-sh/quarry/pkg/baremetal"
)

// task is an exclusive, conductor-scoped reservation of one node. It pairs
// the cross-process reservation on the node record with an in-process entry
// in the service's held map, and must be released on every exit path.
type task struct {
	svc  *Service
	node *baremetal.Node

	mu       sync.Mutex
	released bool
	// awaiting is set while the current step waits for an agent callback.
	awaiting bool
}

// acquire reserves a node for this conductor. It fails immediately with
// NodeLockedError when another live conductor holds the reservation; a
// reservation held by a conductor whose liveness record has expired is
// force-cleared and taken over.
func (s *Service) acquire(ctx context.Context, nodeID string) (*task, error) {
	s.mu.Lock()
	if _, held := s.held[nodeID]; held {
		s.mu.Unlock()
		return nil, &baremetal.NodeLockedError{NodeID: nodeID, Holder: s.id}
	}
	t := &task{svc: s}
	s.held[nodeID] = t
	s.mu.Unlock()

	node, err := s.repo.ReserveNode(nodeID, s.id)
	if err != nil {
		var locked *baremetal.NodeLockedError
		if errors.As(err, &locked) && locked.Holder != "" && !s.members.IsAlive(ctx, locked.Holder) {
			node, err = s.repo.StealReservation(nodeID, locked.Holder, s.id)
			if err == nil {
				s.logger.Info("took over node from dead conductor",
					"node", nodeID, "previous", locked.Holder, "conductor", s.id)
				s.repo.AppendEvent(nodeID, node.ProvisionState,
					fmt.Sprintf("Conductor %s lost; taken over by %s", locked.Holder, s.id))
			}
		}
		if err != nil {
			s.mu.Lock()
			delete(s.held, nodeID)
			s.mu.Unlock()
			return nil, err
		}
	}

	t.node = node
	return t, nil
}

// lookupHeld returns the task currently holding a node in this process.
func (s *Service) lookupHeld(nodeID string) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[nodeID]
}

// Save persists the task's working copy of the node.
func (t *task) Save() error {
	working := t.node.Clone()
	saved, err := t.svc.repo.UpdateNode(working.ID, func(n *baremetal.Node) error {
		*n = *working
		return nil
	})
	if err != nil {
		return fmt.Errorf("save node %s: %w", working.ID, err)
	}
	t.mu.Lock()
	t.node = saved
	t.mu.Unlock()
	return nil
}

// nodeID reads the node identity without racing a concurrent Save.
func (t *task) nodeID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.node.ID
}

// Release clears both the in-process hold and the on-record reservation.
// Safe to call more than once.
func (t *task) Release() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	t.mu.Unlock()

	s := t.svc
	if err := s.repo.ReleaseNode(t.node.ID, s.id); err != nil {
		s.logger.Error("release reservation failed", "node", t.node.ID, "error", err)
	}
	s.mu.Lock()
	delete(s.held, t.node.ID)
	s.mu.Unlock()
}

// beginWait marks the task as suspended on an agent callback.
func (t *task) beginWait() {
	t.mu.Lock()
	t.awaiting = true
	t.mu.Unlock()
}

// takeWait atomically claims the pending callback. Exactly one caller wins;
// duplicate or late heartbeats lose and become no-ops.
func (t *task) takeWait() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.awaiting {
		return false
	}
	t.awaiting = false
	return true
}
