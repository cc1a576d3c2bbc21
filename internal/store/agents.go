package store

import (
	"database/sql"
	"errors"
	"fmt"

	"trustregd/internal/registry"
)

type agentBackend interface {
	InsertAgent(a *registry.Agent) error
	GetAgent(id uint64) (*registry.Agent, error)
	NextAgentID() (uint64, error)
	UpdateAgentOwner(id uint64, owner registry.Address) error
	UpdateAgentURI(id uint64, uri string) error
	UpdateAgentWallet(id uint64, wallet registry.Address) error
}

// InsertAgent inserts a newly registered agent.
func (s *Store) InsertAgent(a *registry.Agent) error { return insertAgent(s.db, a) }

// InsertAgent inserts a newly registered agent within the transaction.
func (t *Tx) InsertAgent(a *registry.Agent) error { return insertAgent(t.tx, a) }

func insertAgent(q querier, a *registry.Agent) error {
	var wallet []byte
	if a.Wallet != nil {
		wallet = a.Wallet[:]
	}
	_, err := q.Exec(`
		INSERT INTO agents (id, owner, uri, wallet, registered_block)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Owner[:], a.URI, wallet, a.RegisteredBlock,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by id. Returns nil if the id is unknown.
func (s *Store) GetAgent(id uint64) (*registry.Agent, error) { return getAgent(s.db, id) }

// GetAgent retrieves an agent by id within the transaction.
func (t *Tx) GetAgent(id uint64) (*registry.Agent, error) { return getAgent(t.tx, id) }

func getAgent(q querier, id uint64) (*registry.Agent, error) {
	var a registry.Agent
	var owner, wallet []byte

	err := q.QueryRow(`
		SELECT id, owner, uri, wallet, registered_block
		FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &owner, &a.URI, &wallet, &a.RegisteredBlock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}

	copy(a.Owner[:], owner)
	if wallet != nil {
		a.Wallet = new(registry.Address)
		copy(a.Wallet[:], wallet)
	}
	return &a, nil
}

// NextAgentID returns the id the next registration will receive.
// Ids are sequential starting at 1.
func (s *Store) NextAgentID() (uint64, error) { return nextAgentID(s.db) }

// NextAgentID returns the next registration id within the transaction.
func (t *Tx) NextAgentID() (uint64, error) { return nextAgentID(t.tx) }

func nextAgentID(q querier) (uint64, error) {
	var maxID sql.NullInt64
	if err := q.QueryRow(`SELECT MAX(id) FROM agents`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("next agent id: %w", err)
	}
	return uint64(maxID.Int64) + 1, nil
}

// UpdateAgentOwner records an ownership transfer.
func (s *Store) UpdateAgentOwner(id uint64, owner registry.Address) error {
	return updateAgentColumn(s.db, id, "owner", owner[:])
}

// UpdateAgentOwner records an ownership transfer within the transaction.
func (t *Tx) UpdateAgentOwner(id uint64, owner registry.Address) error {
	return updateAgentColumn(t.tx, id, "owner", owner[:])
}

// UpdateAgentURI updates the agent's metadata URI.
func (s *Store) UpdateAgentURI(id uint64, uri string) error {
	return updateAgentColumn(s.db, id, "uri", uri)
}

// UpdateAgentURI updates the agent's metadata URI within the transaction.
func (t *Tx) UpdateAgentURI(id uint64, uri string) error {
	return updateAgentColumn(t.tx, id, "uri", uri)
}

// UpdateAgentWallet sets the agent's linked wallet.
func (s *Store) UpdateAgentWallet(id uint64, wallet registry.Address) error {
	return updateAgentColumn(s.db, id, "wallet", wallet[:])
}

// UpdateAgentWallet sets the agent's linked wallet within the transaction.
func (t *Tx) UpdateAgentWallet(id uint64, wallet registry.Address) error {
	return updateAgentColumn(t.tx, id, "wallet", wallet[:])
}

func updateAgentColumn(q querier, id uint64, column string, value any) error {
	res, err := q.Exec(`UPDATE agents SET `+column+` = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent %s: rows affected: %w", column, err)
	}
	if n == 0 {
		return fmt.Errorf("update agent %s: agent %d: %w", column, id, registry.ErrNotFound)
	}
	return nil
}

// CountAgents returns the number of registered agents.
func (s *Store) CountAgents() (uint64, error) {
	var n uint64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}
