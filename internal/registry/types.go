// Package registry defines the shared domain types for the ERC-8004 trust
// registries replicated by trustregd: agents, feedback entries, and
// validation requests, plus the error taxonomy their invariants produce.
package registry

import (
	"math/big"
)

// Agent is an on-chain registered identity. Ids are assigned sequentially
// starting at 1 and are never reused; agents are never deleted.
type Agent struct {
	ID uint64

	// Owner is the current owner address. Ownership is transferable.
	Owner Address

	// URI points at the agent's registration metadata document.
	URI string

	// Wallet is the optionally linked payout wallet. Nil until the owner
	// links one with a proof of control from the wallet itself.
	Wallet *Address

	// RegisteredBlock is the block height of the registration event.
	RegisteredBlock uint64
}

// FeedbackEntry is one rating given by one client to one agent. Entries are
// keyed by (AgentID, Client, Index) where Index is a per-pair counter that
// is contiguous from 0.
type FeedbackEntry struct {
	AgentID uint64
	Client  Address
	Index   uint64

	// Value is a signed fixed-point rating: the integer Value scaled by
	// 10^-ValueDecimals.
	Value         *big.Int
	ValueDecimals uint8

	// Tag1 is the indexed, searchable tag; Tag2 is auxiliary.
	Tag1 string
	Tag2 string

	// Endpoint names what was evaluated.
	Endpoint string

	// FeedbackURI and FeedbackHash locate and commit to the detailed
	// off-chain payload.
	FeedbackURI  string
	FeedbackHash Hash

	// Revoked marks the entry as withdrawn. Revocation never deletes.
	Revoked bool

	// Response is the agent owner's single allowed reply. HasResponse
	// distinguishes "no response yet" from an empty one.
	HasResponse  bool
	ResponseURI  string
	ResponseHash Hash

	// Block is the block height of the feedback event.
	Block uint64
}

// ValidationStatus is the lifecycle state of a validation request.
type ValidationStatus uint8

const (
	// StatusPending means no response has been recorded yet.
	StatusPending ValidationStatus = iota
	// StatusResolved means the designated validator has responded.
	StatusResolved
)

// String returns the lowercase name of the status.
func (s ValidationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// ValidationRequest is a request for a designated validator to attest to an
// agent, keyed by a unique request hash. At most one response is ever
// recorded; the registry does not verify which validation method the
// validator actually performed.
type ValidationRequest struct {
	RequestHash Hash
	Validator   Address
	AgentID     uint64
	RequestURI  string

	Status ValidationStatus

	// Response fields are zero-valued while Status is StatusPending.
	Response     uint8
	ResponseURI  string
	ResponseHash Hash
	Tag          string

	// LastUpdate is the unix time of the most recent transition.
	LastUpdate int64

	// Block is the block height of the request event.
	Block uint64
}
