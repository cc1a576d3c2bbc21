package aggregate

import "trustregd/internal/registry"

// TrustSet is a caller-chosen set of client addresses a reputation view is
// restricted to. An empty set means no restriction (all clients count); a
// non-empty set admits only feedback authored by its members, which is the
// web-of-trust defense against Sybil-fabricated feedback: entries from
// addresses outside the set contribute nothing, no matter how many there
// are.
type TrustSet struct {
	members map[registry.Address]struct{}
	order   []registry.Address
}

// NewTrustSet builds a TrustSet from the given addresses. Duplicates are
// ignored.
func NewTrustSet(addrs ...registry.Address) TrustSet {
	ts := TrustSet{members: make(map[registry.Address]struct{}, len(addrs))}
	for _, a := range addrs {
		if _, ok := ts.members[a]; ok {
			continue
		}
		ts.members[a] = struct{}{}
		ts.order = append(ts.order, a)
	}
	return ts
}

// Empty reports whether the set places no restriction.
func (ts TrustSet) Empty() bool {
	return len(ts.members) == 0
}

// Contains reports whether addr is trusted. An empty set trusts everyone.
func (ts TrustSet) Contains(addr registry.Address) bool {
	if ts.Empty() {
		return true
	}
	_, ok := ts.members[addr]
	return ok
}

// Addresses returns the members in insertion order. Nil when empty.
func (ts TrustSet) Addresses() []registry.Address {
	return ts.order
}
