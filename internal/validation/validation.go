// Package validation implements the validation registry's request/response
// state machine: a request is Pending from creation until its designated
// validator records exactly one response, after which it is Resolved.
// There is no expiry state; callers apply their own deadline policy
// against LastUpdate.
//
// The registry is method-agnostic: the response byte and tag are the
// validator's self-report (which method was run, what it concluded) and
// are recorded, never verified.
package validation

import (
	"fmt"
	"sync"
	"time"

	"trustregd/internal/aggregate"
	"trustregd/internal/events"
	"trustregd/internal/registry"
	"trustregd/internal/store"
)

// Backend is the store surface the registry needs.
type Backend interface {
	InsertValidationRequest(r *registry.ValidationRequest) error
	GetValidationRequest(hash registry.Hash) (*registry.ValidationRequest, error)
	SetValidationResponse(hash registry.Hash, response uint8, uri string, responseHash registry.Hash, tag string, lastUpdate int64) error
	ListValidationByAgent(agentID uint64) ([]registry.ValidationRequest, error)
	ListValidationByValidator(validator registry.Address) ([]registry.ValidationRequest, error)
}

var _ Backend = store.Backend(nil)

// Summary aggregates resolved requests for one agent. Pending requests are
// excluded from both Count and the mean.
type Summary struct {
	Count       uint64
	AvgResponse float64
}

// Registry enforces the validation state machine. Writes are serialized;
// reads go straight to the store.
type Registry struct {
	mu  sync.Mutex
	b   Backend
	bus *events.Bus // nil when the caller publishes events itself
	now func() time.Time
}

// New creates a Registry over the given backend. bus may be nil.
func New(b Backend, bus *events.Bus) *Registry {
	return &Registry{b: b, bus: bus, now: time.Now}
}

// NewWithClock is New with an explicit clock, for callers that stamp
// LastUpdate from an external timeline rather than wall time.
func NewWithClock(b Backend, bus *events.Bus, now func() time.Time) *Registry {
	return &Registry{b: b, bus: bus, now: now}
}

// CreateRequest records a new pending request. Any caller may create one;
// a colliding request hash fails with registry.ErrDuplicateRequest.
func (r *Registry) CreateRequest(validator registry.Address, agentID uint64, requestURI string, requestHash registry.Hash, block uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.b.GetValidationRequest(requestHash)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("request %s: %w", requestHash, registry.ErrDuplicateRequest)
	}

	req := &registry.ValidationRequest{
		RequestHash: requestHash,
		Validator:   validator,
		AgentID:     agentID,
		RequestURI:  requestURI,
		Status:      registry.StatusPending,
		LastUpdate:  r.now().Unix(),
		Block:       block,
	}
	if err := r.b.InsertValidationRequest(req); err != nil {
		return err
	}

	r.publish(events.Event{
		Type:        events.TypeValidationRequested,
		AgentID:     agentID,
		RequestHash: requestHash,
		Block:       block,
	})
	return nil
}

// SubmitResponse resolves a pending request. Only the designated validator
// may respond, and only once; a rejected attempt leaves the request
// unchanged.
func (r *Registry) SubmitResponse(caller registry.Address, requestHash registry.Hash, response uint8, responseURI string, responseHash registry.Hash, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, err := r.b.GetValidationRequest(requestHash)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("request %s: %w", requestHash, registry.ErrNotFound)
	}
	if caller != req.Validator {
		return fmt.Errorf("caller %s, request %s: %w", caller, requestHash, registry.ErrNotValidator)
	}
	if req.Status == registry.StatusResolved {
		return fmt.Errorf("request %s: %w", requestHash, registry.ErrAlreadyResponded)
	}

	if err := r.b.SetValidationResponse(requestHash, response, responseURI, responseHash, tag, r.now().Unix()); err != nil {
		return err
	}

	r.publish(events.Event{
		Type:        events.TypeValidationResponded,
		AgentID:     req.AgentID,
		RequestHash: requestHash,
	})
	return nil
}

// Status returns the request, failing with registry.ErrNotFound for an
// unknown hash. Response fields are zero-valued while Pending.
func (r *Registry) Status(requestHash registry.Hash) (*registry.ValidationRequest, error) {
	req, err := r.b.GetValidationRequest(requestHash)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("request %s: %w", requestHash, registry.ErrNotFound)
	}
	return req, nil
}

// Summary computes the mean response over the agent's resolved requests,
// optionally restricted to a validator trust set and a tag.
func (r *Registry) Summary(agentID uint64, validators aggregate.TrustSet, tag string) (Summary, error) {
	requests, err := r.b.ListValidationByAgent(agentID)
	if err != nil {
		return Summary{}, err
	}

	var count, total uint64
	for _, req := range requests {
		if req.Status != registry.StatusResolved {
			continue
		}
		if !validators.Contains(req.Validator) {
			continue
		}
		if tag != "" && req.Tag != tag {
			continue
		}
		count++
		total += uint64(req.Response)
	}

	s := Summary{Count: count}
	if count > 0 {
		s.AvgResponse = float64(total) / float64(count)
	}
	return s, nil
}

// ListByAgent returns the agent's request hashes in insertion order.
func (r *Registry) ListByAgent(agentID uint64) ([]registry.Hash, error) {
	requests, err := r.b.ListValidationByAgent(agentID)
	if err != nil {
		return nil, err
	}
	return hashes(requests), nil
}

// ListByValidator returns the validator's request hashes in insertion order.
func (r *Registry) ListByValidator(validator registry.Address) ([]registry.Hash, error) {
	requests, err := r.b.ListValidationByValidator(validator)
	if err != nil {
		return nil, err
	}
	return hashes(requests), nil
}

func hashes(requests []registry.ValidationRequest) []registry.Hash {
	out := make([]registry.Hash, len(requests))
	for i, req := range requests {
		out[i] = req.RequestHash
	}
	return out
}

func (r *Registry) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
