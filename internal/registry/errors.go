package registry

import "errors"

// Precondition failures. Every rejected operation wraps exactly one of
// these so callers can tell apart violations that share a symptom (a
// missing entry and a wrong caller both look like "rejected" otherwise).
var (
	// ErrSelfFeedback: the feedback author is the agent's current owner.
	ErrSelfFeedback = errors.New("registry: agent owner may not rate own agent")

	// ErrNotAuthor: revocation attempted by someone other than the
	// original feedback author.
	ErrNotAuthor = errors.New("registry: caller is not the feedback author")

	// ErrAlreadyRevoked: the entry's revoked flag is already set.
	ErrAlreadyRevoked = errors.New("registry: feedback already revoked")

	// ErrAlreadyResponded: a response exists and only one is ever allowed.
	ErrAlreadyResponded = errors.New("registry: response already recorded")

	// ErrNotOwner: owner-only mutation attempted by a non-owner.
	ErrNotOwner = errors.New("registry: caller is not the agent owner")

	// ErrNotFound: unknown agent id, feedback index, or request hash.
	ErrNotFound = errors.New("registry: not found")

	// ErrNotValidator: validation response from an address other than the
	// request's designated validator.
	ErrNotValidator = errors.New("registry: caller is not the designated validator")

	// ErrDuplicateRequest: request hash collides with an existing request.
	ErrDuplicateRequest = errors.New("registry: duplicate request hash")
)
