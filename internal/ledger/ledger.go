// Package ledger implements the reputation registry's feedback semantics
// over the store: append-only entries with per-(agent, client) contiguous
// indices, self-feedback prevention, revocation by marking, and a single
// owner response per entry.
package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"trustregd/internal/events"
	"trustregd/internal/registry"
	"trustregd/internal/store"
)

// Submission carries the fields of one giveFeedback call.
type Submission struct {
	AgentID       uint64
	Client        registry.Address
	Value         *big.Int
	ValueDecimals uint8
	Tag1          string
	Tag2          string
	Endpoint      string
	FeedbackURI   string
	FeedbackHash  registry.Hash

	// Block is the chain block the event came from, zero for local writes.
	Block uint64
}

// Ledger enforces the feedback invariants. Writes are serialized; reads go
// straight to the store.
type Ledger struct {
	mu  sync.Mutex
	b   store.Backend
	bus *events.Bus // nil when the caller publishes events itself
}

// New creates a Ledger over the given backend. bus may be nil.
func New(b store.Backend, bus *events.Bus) *Ledger {
	return &Ledger{b: b, bus: bus}
}

// RecordFeedback appends a new entry and returns its assigned index.
// Fails with registry.ErrNotFound for an unknown agent and with
// registry.ErrSelfFeedback when the client is the agent's current owner.
func (l *Ledger) RecordFeedback(sub Submission) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	agent, err := l.b.GetAgent(sub.AgentID)
	if err != nil {
		return 0, err
	}
	if agent == nil {
		return 0, fmt.Errorf("agent %d: %w", sub.AgentID, registry.ErrNotFound)
	}
	if sub.Client == agent.Owner {
		return 0, fmt.Errorf("agent %d, client %s: %w", sub.AgentID, sub.Client, registry.ErrSelfFeedback)
	}

	index, err := l.b.NextFeedbackIndex(sub.AgentID, sub.Client)
	if err != nil {
		return 0, err
	}

	value := sub.Value
	if value == nil {
		value = new(big.Int)
	}
	entry := &registry.FeedbackEntry{
		AgentID:       sub.AgentID,
		Client:        sub.Client,
		Index:         index,
		Value:         value,
		ValueDecimals: sub.ValueDecimals,
		Tag1:          sub.Tag1,
		Tag2:          sub.Tag2,
		Endpoint:      sub.Endpoint,
		FeedbackURI:   sub.FeedbackURI,
		FeedbackHash:  sub.FeedbackHash,
		Block:         sub.Block,
	}
	if err := l.b.InsertFeedback(entry); err != nil {
		return 0, err
	}

	l.publish(events.Event{
		Type:    events.TypeNewFeedback,
		AgentID: sub.AgentID,
		Client:  sub.Client,
		Index:   index,
		Block:   sub.Block,
	})
	return index, nil
}

// Revoke marks an entry as withdrawn. Only the original author may revoke,
// a second revocation fails with registry.ErrAlreadyRevoked, and the entry
// is never deleted.
func (l *Ledger) Revoke(caller registry.Address, agentID uint64, client registry.Address, index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != client {
		return fmt.Errorf("caller %s: %w", caller, registry.ErrNotAuthor)
	}

	entry, err := l.b.GetFeedback(agentID, client, index)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("feedback (%d, %s, %d): %w", agentID, client, index, registry.ErrNotFound)
	}
	if entry.Revoked {
		return fmt.Errorf("feedback (%d, %s, %d): %w", agentID, client, index, registry.ErrAlreadyRevoked)
	}

	if err := l.b.MarkFeedbackRevoked(agentID, client, index); err != nil {
		return err
	}

	l.publish(events.Event{
		Type:    events.TypeFeedbackRevoked,
		AgentID: agentID,
		Client:  client,
		Index:   index,
	})
	return nil
}

// AppendResponse records the agent owner's single allowed response on an
// entry. A second attempt fails with registry.ErrAlreadyResponded and
// leaves the first response in place.
func (l *Ledger) AppendResponse(caller registry.Address, agentID uint64, client registry.Address, index uint64, responseURI string, responseHash registry.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	agent, err := l.b.GetAgent(agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("agent %d: %w", agentID, registry.ErrNotFound)
	}
	if caller != agent.Owner {
		return fmt.Errorf("caller %s: %w", caller, registry.ErrNotOwner)
	}

	entry, err := l.b.GetFeedback(agentID, client, index)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("feedback (%d, %s, %d): %w", agentID, client, index, registry.ErrNotFound)
	}
	if entry.HasResponse {
		return fmt.Errorf("feedback (%d, %s, %d): %w", agentID, client, index, registry.ErrAlreadyResponded)
	}

	if err := l.b.SetFeedbackResponse(agentID, client, index, responseURI, responseHash); err != nil {
		return err
	}

	l.publish(events.Event{
		Type:    events.TypeFeedbackResponded,
		AgentID: agentID,
		Client:  client,
		Index:   index,
	})
	return nil
}

// ReadOne returns one entry, failing with registry.ErrNotFound when the
// index does not exist for the pair.
func (l *Ledger) ReadOne(agentID uint64, client registry.Address, index uint64) (*registry.FeedbackEntry, error) {
	entry, err := l.b.GetFeedback(agentID, client, index)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("feedback (%d, %s, %d): %w", agentID, client, index, registry.ErrNotFound)
	}
	return entry, nil
}

// ReadAll returns the agent's entries matching the filter in insertion
// order. Revoked entries are excluded unless the filter asks for them.
func (l *Ledger) ReadAll(agentID uint64, filter store.FeedbackFilter) ([]registry.FeedbackEntry, error) {
	return l.b.ListFeedback(agentID, filter)
}

func (l *Ledger) publish(ev events.Event) {
	if l.bus != nil {
		l.bus.Publish(ev)
	}
}
