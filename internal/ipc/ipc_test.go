package ipc

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustregd/internal/aggregate"
	"trustregd/internal/events"
	"trustregd/internal/identity"
	"trustregd/internal/ledger"
	"trustregd/internal/store"
	"trustregd/internal/validation"
)

func testAddr(b byte) string {
	return fmt.Sprintf("0x%040x", int(b))
}

func testHash(b byte) string {
	return fmt.Sprintf("0x%064x", int(b))
}

func startServer(t *testing.T, devMode bool) (*Server, *IPCClient, *events.Bus) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(nil)
	t.Cleanup(func() { bus.Close() })

	handler := NewRegistryHandler(HandlerConfig{
		Store:      st,
		Identity:   identity.New(st, bus),
		Ledger:     ledger.New(st, bus),
		Aggregator: aggregate.New(st),
		Validation: validation.New(st, bus),
		Version:    "test",
		ChainID:    84532,
		DevMode:    devMode,
	})

	srv, err := NewServer(ServerConfig{
		SocketPath:     filepath.Join(dir, "trustregd.sock"),
		MaxConnections: 4,
	}, handler, bus, nil, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	client := NewClient(DefaultClientConfig(srv.SocketPath()))
	require.NoError(t, client.Connect())
	t.Cleanup(func() { client.Close() })

	return srv, client, bus
}

func TestHandshakeCarriesChainAndMode(t *testing.T) {
	_, client, _ := startServer(t, true)

	hs := client.Handshake()
	assert.Equal(t, uint64(84532), hs.ChainID)
	assert.True(t, hs.DevMode)
	assert.Equal(t, "test", hs.ServerVersion)
}

func TestStatusOnEmptyStore(t *testing.T) {
	_, client, _ := startServer(t, false)

	status, err := client.Status()
	require.NoError(t, err)
	assert.Zero(t, status.AgentCount)
	assert.Zero(t, status.ReplicatedBlock)
	assert.False(t, status.DevMode)
}

func TestAgentRoundTrip(t *testing.T) {
	_, client, _ := startServer(t, true)

	id, err := client.AgentRegister(testAddr(0xA1), "https://agent.example/registration.json")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	agent, err := client.AgentGet(id)
	require.NoError(t, err)
	assert.Equal(t, id, agent.AgentID)
	assert.Equal(t, "https://agent.example/registration.json", agent.URI)

	_, err = client.AgentGet(99)
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, ErrCodeNotFound, srvErr.Code)
}

func TestMutationsRejectedOutsideDevMode(t *testing.T) {
	_, client, _ := startServer(t, false)

	_, err := client.AgentRegister(testAddr(0xA1), "")
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, ErrCodeReadOnly, srvErr.Code)
}

func TestFeedbackOverIPC(t *testing.T) {
	_, client, _ := startServer(t, true)

	id, err := client.AgentRegister(testAddr(0xA1), "")
	require.NoError(t, err)

	idx, err := client.FeedbackGive(&FeedbackGiveRequest{
		AgentID: id,
		Client:  testAddr(0xC1),
		Value:   "95",
		Tag1:    "uptime",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), idx)

	idx2, err := client.FeedbackGive(&FeedbackGiveRequest{
		AgentID:       id,
		Client:        testAddr(0xC1),
		Value:         "5000",
		ValueDecimals: 2,
		Tag1:          "uptime",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx2)

	entry, err := client.FeedbackRead(id, testAddr(0xC1), 0)
	require.NoError(t, err)
	assert.Equal(t, "95", entry.Value)

	entries, err := client.FeedbackReadAll(&FeedbackReadAllRequest{AgentID: id, Tag1: "uptime"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	summary, err := client.FeedbackSummary(&FeedbackSummaryRequest{AgentID: id})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), summary.Count)
	assert.Equal(t, "14500", summary.Value)
	assert.Equal(t, uint8(2), summary.Decimals)

	require.NoError(t, client.FeedbackRevoke(&FeedbackRevokeRequest{
		Caller: testAddr(0xC1), AgentID: id, Client: testAddr(0xC1), Index: 0,
	}))

	summary, err = client.FeedbackSummary(&FeedbackSummaryRequest{AgentID: id})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), summary.Count)

	err = client.FeedbackRevoke(&FeedbackRevokeRequest{
		Caller: testAddr(0xC2), AgentID: id, Client: testAddr(0xC1), Index: 1,
	})
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, ErrCodeNotAuthor, srvErr.Code)
}

func TestSelfFeedbackRejectedOverIPC(t *testing.T) {
	_, client, _ := startServer(t, true)

	id, err := client.AgentRegister(testAddr(0xA1), "")
	require.NoError(t, err)

	_, err = client.FeedbackGive(&FeedbackGiveRequest{
		AgentID: id, Client: testAddr(0xA1), Value: "100",
	})
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, ErrCodeSelfFeedback, srvErr.Code)
}

func TestValidationOverIPC(t *testing.T) {
	_, client, _ := startServer(t, true)

	id, err := client.AgentRegister(testAddr(0xA1), "")
	require.NoError(t, err)

	require.NoError(t, client.ValidationCreate(&ValidationCreateRequest{
		Validator:   testAddr(0xB1),
		AgentID:     id,
		RequestHash: testHash(0x11),
	}))

	info, err := client.ValidationStatus(testHash(0x11))
	require.NoError(t, err)
	assert.Equal(t, "pending", info.Status)

	// Summary excludes pending.
	summary, err := client.ValidationSummary(&ValidationSummaryRequest{AgentID: id})
	require.NoError(t, err)
	assert.Zero(t, summary.Count)

	require.NoError(t, client.ValidationRespond(&ValidationRespondRequest{
		Caller:      testAddr(0xB1),
		RequestHash: testHash(0x11),
		Response:    100,
	}))

	summary, err = client.ValidationSummary(&ValidationSummaryRequest{AgentID: id})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), summary.Count)
	assert.Equal(t, float64(100), summary.AvgResponse)

	hashes, err := client.ValidationListByAgent(id)
	require.NoError(t, err)
	require.Len(t, hashes, 1)

	byValidator, err := client.ValidationListByValidator(testAddr(0xB1))
	require.NoError(t, err)
	assert.Equal(t, hashes, byValidator)
}

func TestEventStreaming(t *testing.T) {
	_, client, _ := startServer(t, true)

	require.NoError(t, client.Subscribe(string(events.TypeAgentRegistered)))

	_, err := client.AgentRegister(testAddr(0xA1), "")
	require.NoError(t, err)

	select {
	case ev := <-client.Events():
		assert.Equal(t, events.TypeAgentRegistered, ev.Type)
		assert.Equal(t, uint64(1), ev.AgentID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestProtocolHeaderRoundTrip(t *testing.T) {
	msg := NewMessage(MsgStatusRequest, 42, []byte(`{}`))

	var buf testBuffer
	require.NoError(t, msg.Write(&buf))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgStatusRequest, got.Header.Type)
	assert.Equal(t, uint32(42), got.Header.RequestID)
	assert.Equal(t, []byte(`{}`), got.Payload)
}

func TestReadMessageRejectsBadMagic(t *testing.T) {
	var buf testBuffer
	buf.Write(make([]byte, HeaderSize))

	_, err := ReadMessage(&buf)
	require.ErrorContains(t, err, "magic")
}

// testBuffer is a minimal read/write buffer for protocol tests.
type testBuffer struct {
	data []byte
}

func (b *testBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *testBuffer) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, fmt.Errorf("EOF")
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}
