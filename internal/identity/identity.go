// Package identity implements the identity registry's agent semantics:
// sequential registration ids, owner-only mutation of the metadata URI,
// ownership transfer, and wallet linking. Agents are never deleted.
package identity

import (
	"encoding/binary"
	"fmt"
	"sync"

	"trustregd/internal/events"
	"trustregd/internal/registry"
	"trustregd/internal/store"
)

// walletLinkDomain separates wallet-link commitments from other keccak uses.
const walletLinkDomain = "erc8004.wallet-link.v1"

// Service enforces the agent invariants over the store.
type Service struct {
	mu  sync.Mutex
	b   store.Backend
	bus *events.Bus // nil when the caller publishes events itself
}

// New creates a Service over the given backend. bus may be nil.
func New(b store.Backend, bus *events.Bus) *Service {
	return &Service{b: b, bus: bus}
}

// Register creates a new agent owned by owner and returns its id. Ids are
// assigned sequentially starting at 1.
func (s *Service) Register(owner registry.Address, uri string, block uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.b.NextAgentID()
	if err != nil {
		return 0, err
	}
	agent := &registry.Agent{
		ID:              id,
		Owner:           owner,
		URI:             uri,
		RegisteredBlock: block,
	}
	if err := s.b.InsertAgent(agent); err != nil {
		return 0, err
	}

	s.publish(events.Event{Type: events.TypeAgentRegistered, AgentID: id, Block: block})
	return id, nil
}

// Get returns the agent, failing with registry.ErrNotFound for an unknown id.
func (s *Service) Get(agentID uint64) (*registry.Agent, error) {
	agent, err := s.b.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %d: %w", agentID, registry.ErrNotFound)
	}
	return agent, nil
}

// TransferOwnership hands the agent to newOwner. Only the current owner
// may transfer.
func (s *Service) TransferOwnership(caller registry.Address, agentID uint64, newOwner registry.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireOwner(caller, agentID); err != nil {
		return err
	}
	if err := s.b.UpdateAgentOwner(agentID, newOwner); err != nil {
		return err
	}
	s.publish(events.Event{Type: events.TypeAgentUpdated, AgentID: agentID})
	return nil
}

// SetURI updates the agent's metadata URI. Owner only.
func (s *Service) SetURI(caller registry.Address, agentID uint64, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireOwner(caller, agentID); err != nil {
		return err
	}
	if err := s.b.UpdateAgentURI(agentID, uri); err != nil {
		return err
	}
	s.publish(events.Event{Type: events.TypeAgentUpdated, AgentID: agentID})
	return nil
}

// SetWallet links a payout wallet to the agent. Owner only, and the proof
// must match the wallet-link commitment for (agentId, wallet). The chain
// verifies the wallet's signature; the indexer checks the commitment the
// signature was made over, so a feed line cannot link a wallet the event
// did not commit to.
func (s *Service) SetWallet(caller registry.Address, agentID uint64, wallet registry.Address, proof registry.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireOwner(caller, agentID); err != nil {
		return err
	}
	if proof != WalletLinkCommitment(agentID, wallet) {
		return fmt.Errorf("agent %d, wallet %s: wallet-link proof mismatch", agentID, wallet)
	}
	if err := s.b.UpdateAgentWallet(agentID, wallet); err != nil {
		return err
	}
	s.publish(events.Event{Type: events.TypeAgentUpdated, AgentID: agentID})
	return nil
}

// WalletLinkCommitment is the digest a wallet signs to prove control when
// being linked to an agent.
func WalletLinkCommitment(agentID uint64, wallet registry.Address) registry.Hash {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], agentID)
	return registry.Keccak256([]byte(walletLinkDomain), id[:], wallet[:])
}

func (s *Service) requireOwner(caller registry.Address, agentID uint64) error {
	agent, err := s.b.GetAgent(agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("agent %d: %w", agentID, registry.ErrNotFound)
	}
	if caller != agent.Owner {
		return fmt.Errorf("caller %s, agent %d: %w", caller, agentID, registry.ErrNotOwner)
	}
	return nil
}

func (s *Service) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
