package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustregd/internal/registry"
	"trustregd/internal/store"
)

func addr(b byte) registry.Address {
	var a registry.Address
	a[19] = b
	return a
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, nil)
}

func TestRegisterSequentialIDs(t *testing.T) {
	svc := newTestService(t)

	for want := uint64(1); want <= 3; want++ {
		id, err := svc.Register(addr(byte(want)), "https://a.example", 10)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestGetUnknownAgent(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Get(7)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestTransferOwnership(t *testing.T) {
	svc := newTestService(t)
	owner, next := addr(0x01), addr(0x02)

	id, err := svc.Register(owner, "u", 0)
	require.NoError(t, err)

	err = svc.TransferOwnership(addr(0x99), id, next)
	require.ErrorIs(t, err, registry.ErrNotOwner)

	require.NoError(t, svc.TransferOwnership(owner, id, next))

	agent, err := svc.Get(id)
	require.NoError(t, err)
	assert.Equal(t, next, agent.Owner)

	// The old owner lost mutation rights.
	err = svc.SetURI(owner, id, "new")
	require.ErrorIs(t, err, registry.ErrNotOwner)
}

func TestSetURI(t *testing.T) {
	svc := newTestService(t)
	owner := addr(0x01)

	id, err := svc.Register(owner, "https://old.example", 0)
	require.NoError(t, err)

	require.NoError(t, svc.SetURI(owner, id, "https://new.example"))

	agent, err := svc.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "https://new.example", agent.URI)
}

func TestSetWalletRequiresCommitment(t *testing.T) {
	svc := newTestService(t)
	owner, wallet := addr(0x01), addr(0x77)

	id, err := svc.Register(owner, "u", 0)
	require.NoError(t, err)

	// Wrong proof rejected.
	err = svc.SetWallet(owner, id, wallet, registry.Keccak256([]byte("bogus")))
	require.Error(t, err)

	agent, err := svc.Get(id)
	require.NoError(t, err)
	assert.Nil(t, agent.Wallet)

	require.NoError(t, svc.SetWallet(owner, id, wallet, WalletLinkCommitment(id, wallet)))

	agent, err = svc.Get(id)
	require.NoError(t, err)
	require.NotNil(t, agent.Wallet)
	assert.Equal(t, wallet, *agent.Wallet)
}

func TestWalletLinkCommitmentBindsBothInputs(t *testing.T) {
	w1, w2 := addr(0x01), addr(0x02)
	assert.NotEqual(t, WalletLinkCommitment(1, w1), WalletLinkCommitment(2, w1))
	assert.NotEqual(t, WalletLinkCommitment(1, w1), WalletLinkCommitment(1, w2))
}
