package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// CAIP10 is a chain-agnostic account reference of the form
// eip155:<chainId>:<address>. The registries treat it as an opaque
// identifier; parsing exists so registration entries can be cross-checked
// against the chain the daemon indexes.
type CAIP10 struct {
	Namespace string
	ChainID   uint64
	Address   Address
}

// ParseCAIP10 parses an eip155 account identifier. Other namespaces are
// rejected since the registries only live on EVM chains.
func ParseCAIP10(s string) (CAIP10, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return CAIP10{}, fmt.Errorf("parse caip-10 %q: want namespace:chainId:address", s)
	}
	if parts[0] != "eip155" {
		return CAIP10{}, fmt.Errorf("parse caip-10 %q: unsupported namespace %q", s, parts[0])
	}
	chainID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return CAIP10{}, fmt.Errorf("parse caip-10 %q: chain id: %w", s, err)
	}
	addr, err := ParseAddress(parts[2])
	if err != nil {
		return CAIP10{}, fmt.Errorf("parse caip-10 %q: %w", s, err)
	}
	return CAIP10{Namespace: "eip155", ChainID: chainID, Address: addr}, nil
}

// String renders the canonical eip155 form.
func (c CAIP10) String() string {
	return fmt.Sprintf("%s:%d:%s", c.Namespace, c.ChainID, c.Address)
}
