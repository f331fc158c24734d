package baremetal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists node records as JSONB documents. The reservation
// compare-and-set is pushed down into the database so that multiple
// conductors can share one store safely.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS quarry_nodes (
    id TEXT PRIMARY KEY,
    name TEXT,
    data JSONB NOT NULL,
    bmc_password TEXT,
    ssh_private_key TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS quarry_nodes_name ON quarry_nodes (name) WHERE name <> '';
CREATE TABLE IF NOT EXISTS quarry_node_events (
    id TEXT PRIMARY KEY,
    node_id TEXT NOT NULL REFERENCES quarry_nodes(id) ON DELETE CASCADE,
    state TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) CreateNode(node *Node) (*Node, error) {
	if err := ValidateName(node.Name); err != nil {
		return nil, err
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
	copyNode := node.Clone()
	if err := s.saveNode(copyNode); err != nil {
		return nil, err
	}
	s.AppendEvent(copyNode.ID, StateEnroll, "Node enrolled")
	return copyNode, nil
}

func (s *PostgresStore) ListNodes() []NodeView {
	rows, err := s.db.Query(`SELECT data FROM quarry_nodes ORDER BY created_at DESC`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var nodes []NodeView
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var node Node
		if err := json.Unmarshal(raw, &node); err != nil {
			continue
		}
		nodes = append(nodes, node.View())
	}
	return nodes
}

func (s *PostgresStore) ListNodeIDs() []string {
	rows, err := s.db.Query(`SELECT id FROM quarry_nodes`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *PostgresStore) GetNode(id string) (*Node, bool) {
	var (
		raw           []byte
		bmcPassword   sql.NullString
		sshPrivateKey sql.NullString
	)
	err := s.db.QueryRow(`SELECT data, bmc_password, ssh_private_key FROM quarry_nodes WHERE id=$1`, id).
		Scan(&raw, &bmcPassword, &sshPrivateKey)
	if err != nil {
		return nil, false
	}
	var node Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, false
	}
	if bmcPassword.Valid {
		node.BMCPassword = bmcPassword.String
	}
	if sshPrivateKey.Valid {
		node.SSHPrivateKey = sshPrivateKey.String
	}
	return &node, true
}

func (s *PostgresStore) UpdateNode(id string, fn func(n *Node) error) (*Node, error) {
	node, ok := s.GetNode(id)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	if err := fn(node); err != nil {
		return nil, err
	}
	node.UpdatedAt = time.Now().UTC()
	if err := s.saveNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *PostgresStore) DeleteNode(id string) error {
	res, err := s.db.Exec(`DELETE FROM quarry_nodes WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return nil
}

func (s *PostgresStore) ReserveNode(id, conductorID string) (*Node, error) {
	res, err := s.db.Exec(
		`UPDATE quarry_nodes
		 SET data = jsonb_set(data, '{reservation}', to_jsonb($2::text)), updated_at = $3
		 WHERE id = $1
		   AND (data->>'reservation' IS NULL OR data->>'reservation' = '' OR data->>'reservation' = $2)`,
		id, conductorID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reserve node %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.reservationConflict(id)
	}
	node, ok := s.GetNode(id)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return node, nil
}

func (s *PostgresStore) ReleaseNode(id, conductorID string) error {
	_, err := s.db.Exec(
		`UPDATE quarry_nodes
		 SET data = data - 'reservation', updated_at = $3
		 WHERE id = $1 AND data->>'reservation' = $2`,
		id, conductorID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("release node %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) StealReservation(id, from, to string) (*Node, error) {
	res, err := s.db.Exec(
		`UPDATE quarry_nodes
		 SET data = jsonb_set(data, '{reservation}', to_jsonb($3::text)), updated_at = $4
		 WHERE id = $1 AND data->>'reservation' = $2`,
		id, from, to, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("steal reservation on node %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.reservationConflict(id)
	}
	node, ok := s.GetNode(id)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return node, nil
}

// reservationConflict distinguishes a missing node from a lost CAS race.
func (s *PostgresStore) reservationConflict(id string) error {
	var holder sql.NullString
	err := s.db.QueryRow(`SELECT data->>'reservation' FROM quarry_nodes WHERE id=$1`, id).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	if err != nil {
		return fmt.Errorf("node %s: %w", id, err)
	}
	return &NodeLockedError{NodeID: id, Holder: holder.String}
}

func (s *PostgresStore) GetEvents(id string) []NodeEvent {
	rows, err := s.db.Query(`SELECT id, state, message, created_at FROM quarry_node_events WHERE node_id=$1 ORDER BY created_at ASC`, id)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var events []NodeEvent
	for rows.Next() {
		var ev NodeEvent
		if err := rows.Scan(&ev.ID, &ev.State, &ev.Message, &ev.CreatedAt); err != nil {
			continue
		}
		ev.NodeID = id
		events = append(events, ev)
	}
	return events
}

func (s *PostgresStore) AppendEvent(id string, state ProvisionState, message string) {
	eventID := uuid.NewString()
	_, _ = s.db.Exec(`INSERT INTO quarry_node_events (id, node_id, state, message, created_at) VALUES ($1,$2,$3,$4,$5)`,
		eventID, id, state, message, time.Now().UTC())
}

func (s *PostgresStore) saveNode(node *Node) error {
	payload, err := json.Marshal(node)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO quarry_nodes (
	    id,
	    name,
	    data,
	    bmc_password,
	    ssh_private_key,
	    created_at,
	    updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	data = EXCLUDED.data,
	bmc_password = EXCLUDED.bmc_password,
	ssh_private_key = EXCLUDED.ssh_private_key,
	updated_at = EXCLUDED.updated_at`,
		node.ID,
		node.Name,
		payload,
		node.BMCPassword,
		node.SSHPrivateKey,
		node.CreatedAt,
		node.UpdatedAt,
	)
	return err
}
