package feed

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustregd/internal/events"
	"trustregd/internal/identity"
	"trustregd/internal/metrics"
	"trustregd/internal/registry"
	"trustregd/internal/store"
)

func addr(b byte) string {
	return fmt.Sprintf("0x%040x", int(b))
}

func hash(b byte) string {
	return fmt.Sprintf("0x%064x", int(b))
}

func mustAddr(t *testing.T, s string) registry.Address {
	t.Helper()
	a, err := registry.ParseAddress(s)
	require.NoError(t, err)
	return a
}

type fixture struct {
	dir   string
	store *store.Store
	feed  *Feed
	met   *metrics.TrustregdMetrics
}

func newFixture(t *testing.T, bus *events.Bus) *fixture {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "db", "trustregd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	met := metrics.NewTrustregdMetrics(metrics.NewRegistry("test"))
	f := New(Config{Dir: dir}, st, bus, met, nil)
	return &fixture{dir: dir, store: st, feed: f, met: met}
}

func (fx *fixture) writeSegment(t *testing.T, name string, lines ...Line) {
	t.Helper()

	path := filepath.Join(fx.dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	defer file.Close()

	enc := json.NewEncoder(file)
	for _, ln := range lines {
		require.NoError(t, enc.Encode(ln))
	}
}

func registerLine(block uint64, logIndex uint32, agentID uint64, owner string) Line {
	return Line{
		Block:    block,
		LogIndex: logIndex,
		Type:     LineAgentRegistered,
		AgentID:  agentID,
		Owner:    owner,
		URI:      fmt.Sprintf("https://agent%d.example/registration.json", agentID),
	}
}

func idx(i uint64) *uint64 { return &i }

func TestCatchUpRegistersAgents(t *testing.T) {
	fx := newFixture(t, nil)
	fx.writeSegment(t, "000001.jsonl",
		registerLine(10, 0, 1, addr(0xA1)),
		registerLine(10, 1, 2, addr(0xA2)),
		registerLine(12, 0, 3, addr(0xA3)),
	)

	require.NoError(t, fx.feed.CatchUp())

	svc := identity.New(fx.store, nil)
	for id := uint64(1); id <= 3; id++ {
		agent, err := svc.Get(id)
		require.NoError(t, err)
		assert.Equal(t, id, agent.ID)
	}

	cursor, err := fx.store.GetCursor()
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, uint64(12), cursor.Block)
	assert.Equal(t, uint32(0), cursor.LogIndex)
	assert.Equal(t, "000001.jsonl", cursor.Segment)

	assert.Equal(t, uint64(3), fx.met.EventsApplied.Value())
	assert.Equal(t, uint64(2), fx.met.BlocksApplied.Value())
	assert.Equal(t, int64(12), fx.met.ReplicatedBlock.Value())
}

func TestCatchUpIsIdempotent(t *testing.T) {
	fx := newFixture(t, nil)
	fx.writeSegment(t, "000001.jsonl", registerLine(5, 0, 1, addr(0xA1)))

	require.NoError(t, fx.feed.CatchUp())
	require.NoError(t, fx.feed.CatchUp())

	count, err := fx.store.CountAgents()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count, "re-scan must not re-apply lines")
	assert.Equal(t, uint64(1), fx.met.EventsApplied.Value())
}

func TestCatchUpPicksUpAppendedLines(t *testing.T) {
	fx := newFixture(t, nil)
	fx.writeSegment(t, "000001.jsonl", registerLine(5, 0, 1, addr(0xA1)))
	require.NoError(t, fx.feed.CatchUp())

	fx.writeSegment(t, "000001.jsonl",
		registerLine(6, 0, 2, addr(0xA2)),
		Line{
			Block: 7, Type: LineNewFeedback,
			AgentID: 1, Client: addr(0xC1),
			Value: "95", ValueDecimals: 0, Tag1: "uptime",
			Index: idx(0),
		},
	)
	require.NoError(t, fx.feed.CatchUp())

	entries, err := fx.store.ListFeedback(1, store.FeedbackFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "95", entries[0].Value.String())
	assert.Equal(t, uint64(7), entries[0].Block)
}

func TestCatchUpSpansSegments(t *testing.T) {
	fx := newFixture(t, nil)
	fx.writeSegment(t, "000001.jsonl", registerLine(5, 0, 1, addr(0xA1)))
	fx.writeSegment(t, "000002.jsonl", registerLine(9, 0, 2, addr(0xA2)))

	require.NoError(t, fx.feed.CatchUp())

	count, err := fx.store.CountAgents()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	cursor, err := fx.store.GetCursor()
	require.NoError(t, err)
	assert.Equal(t, "000002.jsonl", cursor.Segment)
}

func TestRejectedLinesDoNotAbortBlock(t *testing.T) {
	fx := newFixture(t, nil)
	owner := addr(0xA1)
	fx.writeSegment(t, "000001.jsonl",
		registerLine(5, 0, 1, owner),
		// Self-feedback: the chain would have reverted this.
		Line{Block: 6, LogIndex: 0, Type: LineNewFeedback, AgentID: 1, Client: owner, Value: "1"},
		Line{Block: 6, LogIndex: 1, Type: LineNewFeedback, AgentID: 1, Client: addr(0xC1), Value: "80"},
		Line{Block: 6, LogIndex: 2, Type: "Bogus"},
	)

	require.NoError(t, fx.feed.CatchUp())

	entries, err := fx.store.ListFeedback(1, store.FeedbackFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, mustAddr(t, addr(0xC1)), entries[0].Client)

	assert.Equal(t, uint64(2), fx.met.EventsRejected.Value())

	// The cursor still covers the rejected lines.
	cursor, err := fx.store.GetCursor()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), cursor.Block)
	assert.Equal(t, uint32(2), cursor.LogIndex)
}

func TestMalformedJSONIsSkipped(t *testing.T) {
	fx := newFixture(t, nil)
	path := filepath.Join(fx.dir, "000001.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0600))
	fx.writeSegment(t, "000001.jsonl", registerLine(5, 0, 1, addr(0xA1)))

	require.NoError(t, fx.feed.CatchUp())

	count, err := fx.store.CountAgents()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, uint64(1), fx.met.EventsRejected.Value())
}

func TestAgentIDClaimMismatchRejected(t *testing.T) {
	fx := newFixture(t, nil)
	// Claims id 7 but locally the next id is 1.
	fx.writeSegment(t, "000001.jsonl", registerLine(5, 0, 7, addr(0xA1)))

	require.NoError(t, fx.feed.CatchUp())

	count, err := fx.store.CountAgents()
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, uint64(1), fx.met.EventsRejected.Value())
}

func TestFeedbackIndexClaimMismatchRejected(t *testing.T) {
	fx := newFixture(t, nil)
	fx.writeSegment(t, "000001.jsonl",
		registerLine(5, 0, 1, addr(0xA1)),
		Line{Block: 6, Type: LineNewFeedback, AgentID: 1, Client: addr(0xC1), Value: "1", Index: idx(3)},
	)

	require.NoError(t, fx.feed.CatchUp())

	entries, err := fx.store.ListFeedback(1, store.FeedbackFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestValidationLifecycleThroughFeed(t *testing.T) {
	fx := newFixture(t, nil)
	validator := addr(0xB1)
	fx.writeSegment(t, "000001.jsonl",
		registerLine(5, 0, 1, addr(0xA1)),
		Line{
			Block: 6, LogIndex: 0, Time: 1700000000,
			Type:        LineValidationRequest,
			Validator:   validator,
			AgentID:     1,
			RequestURI:  "https://validator.example/req/1",
			RequestHash: hash(0x11),
		},
		Line{
			Block: 8, LogIndex: 0, Time: 1700000600,
			Type:        LineValidationResponse,
			Caller:      validator,
			AgentID:     1,
			RequestHash: hash(0x11),
			Response:    100,
			Tag:         "tee-attestation",
		},
	)

	require.NoError(t, fx.feed.CatchUp())

	h, err := registry.ParseHash(hash(0x11))
	require.NoError(t, err)
	req, err := fx.store.GetValidationRequest(h)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, registry.StatusResolved, req.Status)
	assert.Equal(t, uint8(100), req.Response)
	assert.Equal(t, int64(1700000600), req.LastUpdate, "LastUpdate comes from block time")
}

func TestOwnershipTransferThroughFeed(t *testing.T) {
	fx := newFixture(t, nil)
	oldOwner, newOwner := addr(0xA1), addr(0xA2)
	fx.writeSegment(t, "000001.jsonl",
		registerLine(5, 0, 1, oldOwner),
		Line{Block: 6, Type: LineOwnershipTransfer, Caller: oldOwner, AgentID: 1, NewOwner: newOwner},
	)

	require.NoError(t, fx.feed.CatchUp())

	agent, err := identity.New(fx.store, nil).Get(1)
	require.NoError(t, err)
	assert.Equal(t, mustAddr(t, newOwner), agent.Owner)
}

func TestWalletLinkThroughFeed(t *testing.T) {
	fx := newFixture(t, nil)
	owner := addr(0xA1)
	wallet := mustAddr(t, addr(0xD1))
	proof := identity.WalletLinkCommitment(1, wallet)

	fx.writeSegment(t, "000001.jsonl",
		registerLine(5, 0, 1, owner),
		Line{Block: 6, LogIndex: 0, Type: LineWalletLinked, Caller: owner, AgentID: 1, Wallet: wallet.String(), Proof: proof.String()},
		// Wrong proof for a second wallet: rejected.
		Line{Block: 6, LogIndex: 1, Type: LineWalletLinked, Caller: owner, AgentID: 1, Wallet: addr(0xD2), Proof: hash(0xFF)},
	)

	require.NoError(t, fx.feed.CatchUp())

	agent, err := identity.New(fx.store, nil).Get(1)
	require.NoError(t, err)
	require.NotNil(t, agent.Wallet)
	assert.Equal(t, wallet, *agent.Wallet)
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	fx := newFixture(t, bus)
	fx.writeSegment(t, "000001.jsonl",
		registerLine(5, 0, 1, addr(0xA1)),
		Line{Block: 6, Type: LineNewFeedback, AgentID: 1, Client: addr(0xC1), Value: "10"},
	)

	require.NoError(t, fx.feed.CatchUp())

	var got []events.Type
	for len(got) < 2 {
		ev := <-ch
		got = append(got, ev.Type)
	}
	assert.Equal(t, []events.Type{events.TypeAgentRegistered, events.TypeNewFeedback}, got)
}

func TestSegmentsSorted(t *testing.T) {
	fx := newFixture(t, nil)
	fx.writeSegment(t, "000002.jsonl", registerLine(9, 0, 2, addr(0xA2)))
	fx.writeSegment(t, "000001.jsonl", registerLine(5, 0, 1, addr(0xA1)))
	require.NoError(t, os.WriteFile(filepath.Join(fx.dir, "notes.txt"), []byte("x"), 0600))

	names, err := fx.feed.Segments()
	require.NoError(t, err)
	assert.Equal(t, []string{"000001.jsonl", "000002.jsonl"}, names)
}
