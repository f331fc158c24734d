package baremetal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is a file-backed in-memory Repository, suitable for development and
// single-conductor deployments.
type Store struct {
	path   string
	mu     sync.RWMutex
	nodes  map[string]*Node
	events map[string][]NodeEvent
}

type persistContainer struct {
	Nodes  []*persistedNode `json:"nodes"`
	Events [][]NodeEvent    `json:"events"`
}

// persistedNode carries the credential fields that Node deliberately keeps
// out of its JSON form.
type persistedNode struct {
	*Node
	BMCPassword   string `json:"bmcPassword"`
	SSHPrivateKey string `json:"sshPrivateKey"`
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path:   path,
		nodes:  make(map[string]*Node),
		events: make(map[string][]NodeEvent),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var container persistContainer
	if err := json.Unmarshal(data, &container); err != nil {
		return fmt.Errorf("parse node store: %w", err)
	}
	for idx, pn := range container.Nodes {
		if pn.Node == nil {
			continue
		}
		n := pn.Node.Clone()
		n.BMCPassword = pn.BMCPassword
		n.SSHPrivateKey = pn.SSHPrivateKey
		s.nodes[n.ID] = n
		if idx < len(container.Events) {
			s.events[n.ID] = container.Events[idx]
		}
	}
	return nil
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	container := persistContainer{}
	for _, node := range s.nodes {
		container.Nodes = append(container.Nodes, &persistedNode{
			Node:          node.Clone(),
			BMCPassword:   node.BMCPassword,
			SSHPrivateKey: node.SSHPrivateKey,
		})
		container.Events = append(container.Events, append([]NodeEvent(nil), s.events[node.ID]...))
	}
	payload, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) CreateNode(node *Node) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ValidateName(node.Name); err != nil {
		return nil, err
	}
	for _, existing := range s.nodes {
		if node.Name != "" && existing.Name == node.Name {
			return nil, fmt.Errorf("node name %q already in use", node.Name)
		}
	}

	now := time.Now().UTC()
	node.ID = uuid.NewString()
	node.ProvisionState = StateEnroll
	node.TargetProvisionState = StateNone
	node.Reservation = ""
	node.CreatedAt = now
	node.UpdatedAt = now
	if node.SSHPort == 0 {
		node.SSHPort = 22
	}
	if node.Bindings == nil {
		node.Bindings = make(map[IfaceKind]string)
	}

	// Keep our own copy; the caller retains its pointer and may mutate it
	// outside the store's lock.
	stored := node.Clone()
	s.nodes[stored.ID] = stored
	s.events[stored.ID] = append(s.events[stored.ID], NodeEvent{
		ID:        uuid.NewString(),
		NodeID:    stored.ID,
		State:     StateEnroll,
		Message:   "Node enrolled",
		CreatedAt: now,
	})

	if err := s.save(); err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (s *Store) ListNodes() []NodeView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]NodeView, 0, len(s.nodes))
	for _, node := range s.nodes {
		result = append(result, node.View())
	}
	return result
}

func (s *Store) ListNodeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) GetNode(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return node.Clone(), true
}

func (s *Store) UpdateNode(id string, fn func(n *Node) error) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	if err := fn(node); err != nil {
		return nil, err
	}
	node.UpdatedAt = time.Now().UTC()
	if err := s.save(); err != nil {
		return nil, err
	}
	return node.Clone(), nil
}

func (s *Store) DeleteNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	delete(s.nodes, id)
	delete(s.events, id)
	return s.save()
}

func (s *Store) ReserveNode(id, conductorID string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	if node.Reservation != "" && node.Reservation != conductorID {
		return nil, &NodeLockedError{NodeID: id, Holder: node.Reservation}
	}
	node.Reservation = conductorID
	node.UpdatedAt = time.Now().UTC()
	if err := s.save(); err != nil {
		return nil, err
	}
	return node.Clone(), nil
}

func (s *Store) ReleaseNode(id, conductorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	if node.Reservation != conductorID {
		return nil
	}
	node.Reservation = ""
	node.UpdatedAt = time.Now().UTC()
	return s.save()
}

func (s *Store) StealReservation(id, from, to string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	if node.Reservation != from {
		return nil, &NodeLockedError{NodeID: id, Holder: node.Reservation}
	}
	node.Reservation = to
	node.UpdatedAt = time.Now().UTC()
	if err := s.save(); err != nil {
		return nil, err
	}
	return node.Clone(), nil
}

func (s *Store) GetEvents(id string) []NodeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]NodeEvent(nil), s.events[id]...)
}

func (s *Store) AppendEvent(id string, state ProvisionState, message string) {
	s.mu.Lock()
	s.events[id] = append(s.events[id], NodeEvent{
		ID:        uuid.NewString(),
		NodeID:    id,
		State:     state,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
	_ = s.save()
	s.mu.Unlock()
}

var nodeNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateName checks that a node name is hostname-legal. Empty names are
// allowed; nodes are always addressable by ID.
func ValidateName(name string) error {
	if name == "" {
		return nil
	}
	if len(name) > 63 || !nodeNamePattern.MatchString(strings.ToLower(name)) {
		return fmt.Errorf("node name %q is not hostname-legal", name)
	}
	return nil
}
