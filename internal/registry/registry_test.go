package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddressRoundTrip(t *testing.T) {
	// EIP-55 reference vectors.
	for _, want := range []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
	} {
		a, err := ParseAddress(want)
		require.NoError(t, err)
		assert.Equal(t, want, a.String(), "checksum rendering must match EIP-55")
	}
}

func TestParseAddressAcceptsAnyCase(t *testing.T) {
	lower, err := ParseAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	upper, err := ParseAddress("0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED")
	require.NoError(t, err)
	assert.Equal(t, lower, upper)
}

func TestParseAddressRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "0x1234", "0xZZeb6053f3e94c9b9a09f33669435e7ef1beaed", "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed00"} {
		_, err := ParseAddress(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestAddressJSON(t *testing.T) {
	a, err := ParseAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	require.NoError(t, err)

	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"`, string(data))

	var back Address
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, a, back)
}

func TestParseHash(t *testing.T) {
	h := Keccak256([]byte("hello"))
	back, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, back)

	_, err = ParseHash("0xabcd")
	assert.Error(t, err)
}

func TestKeccak256KnownVector(t *testing.T) {
	// keccak256("") is the well-known empty digest.
	h := Keccak256()
	assert.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", h.String())
}

func TestParseCAIP10(t *testing.T) {
	c, err := ParseCAIP10("eip155:84532:0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	require.NoError(t, err)
	assert.Equal(t, uint64(84532), c.ChainID)
	assert.Equal(t, "eip155:84532:0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", c.String())
}

func TestParseCAIP10Rejects(t *testing.T) {
	for _, s := range []string{
		"eip155:84532",
		"cosmos:hub:addr",
		"eip155:notanumber:0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"eip155:1:0x1234",
	} {
		_, err := ParseCAIP10(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestValidationStatusString(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "resolved", StatusResolved.String())
	assert.Equal(t, "unknown", ValidationStatus(9).String())
}
