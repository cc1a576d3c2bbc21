package registry

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Address is a 20-byte EVM account address.
type Address [20]byte

// Hash is a 32-byte digest (content hash, request hash, proof hash).
type Hash [32]byte

// ZeroAddress is the all-zero address.
var ZeroAddress Address

// ZeroHash is the all-zero hash.
var ZeroHash Hash

// ParseAddress parses a 0x-prefixed (or bare) 40-hex-digit address.
// Checksum casing is accepted but not enforced.
func ParseAddress(s string) (Address, error) {
	var a Address
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(h) != 2*len(a) {
		return a, fmt.Errorf("parse address %q: want %d hex digits, got %d", s, 2*len(a), len(h))
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return a, fmt.Errorf("parse address %q: %w", s, err)
	}
	copy(a[:], b)
	return a, nil
}

// String renders the address with EIP-55 mixed-case checksum.
func (a Address) String() string {
	lower := hex.EncodeToString(a[:])
	k := sha3.NewLegacyKeccak256()
	k.Write([]byte(lower))
	digest := k.Sum(nil)

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' {
			// Uppercase when the corresponding checksum nibble >= 8.
			nibble := digest[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c = c - 'a' + 'A'
			}
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// IsZero reports whether the address is all zeroes.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseHash parses a 0x-prefixed (or bare) 64-hex-digit hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != 2*len(h) {
		return h, fmt.Errorf("parse hash %q: want %d hex digits, got %d", s, 2*len(h), len(raw))
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return h, fmt.Errorf("parse hash %q: %w", s, err)
	}
	copy(h[:], b)
	return h, nil
}

// String renders the hash as 0x-prefixed lowercase hex.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Keccak256 returns the keccak-256 digest of the concatenated inputs.
func Keccak256(data ...[]byte) Hash {
	k := sha3.NewLegacyKeccak256()
	for _, d := range data {
		k.Write(d)
	}
	var h Hash
	copy(h[:], k.Sum(nil))
	return h
}
