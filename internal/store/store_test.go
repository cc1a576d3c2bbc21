package store

import (
	"math/big"
	"path/filepath"
	"testing"

	"trustregd/internal/registry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAddr(b byte) registry.Address {
	var a registry.Address
	a[19] = b
	return a
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestInsertAndGetAgent(t *testing.T) {
	s := openTestStore(t)

	agent := &registry.Agent{
		ID:              1,
		Owner:           testAddr(0xaa),
		URI:             "https://agent.example/registration.json",
		RegisteredBlock: 100,
	}
	if err := s.InsertAgent(agent); err != nil {
		t.Fatalf("InsertAgent failed: %v", err)
	}

	got, err := s.GetAgent(1)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetAgent returned nil")
	}
	if got.Owner != agent.Owner {
		t.Error("Owner mismatch")
	}
	if got.URI != agent.URI {
		t.Errorf("URI mismatch: expected %s, got %s", agent.URI, got.URI)
	}
	if got.Wallet != nil {
		t.Error("expected nil wallet")
	}
}

func TestGetAgentNotFound(t *testing.T) {
	s := openTestStore(t)

	agent, err := s.GetAgent(999)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent != nil {
		t.Error("expected nil for nonexistent agent")
	}
}

func TestNextAgentIDStartsAtOne(t *testing.T) {
	s := openTestStore(t)

	id, err := s.NextAgentID()
	if err != nil {
		t.Fatalf("NextAgentID failed: %v", err)
	}
	if id != 1 {
		t.Errorf("expected first id 1, got %d", id)
	}

	if err := s.InsertAgent(&registry.Agent{ID: 1, Owner: testAddr(1), URI: "u"}); err != nil {
		t.Fatalf("InsertAgent failed: %v", err)
	}
	id, err = s.NextAgentID()
	if err != nil {
		t.Fatalf("NextAgentID failed: %v", err)
	}
	if id != 2 {
		t.Errorf("expected next id 2, got %d", id)
	}
}

func TestUpdateAgentWallet(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertAgent(&registry.Agent{ID: 1, Owner: testAddr(1), URI: "u"}); err != nil {
		t.Fatalf("InsertAgent failed: %v", err)
	}
	wallet := testAddr(0x77)
	if err := s.UpdateAgentWallet(1, wallet); err != nil {
		t.Fatalf("UpdateAgentWallet failed: %v", err)
	}

	got, err := s.GetAgent(1)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Wallet == nil || *got.Wallet != wallet {
		t.Error("wallet not stored")
	}
}

func TestUpdateAgentNotFound(t *testing.T) {
	s := openTestStore(t)

	err := s.UpdateAgentURI(42, "uri")
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func insertTestFeedback(t *testing.T, s *Store, agentID uint64, client registry.Address, index uint64, value int64, tag1 string) {
	t.Helper()
	e := &registry.FeedbackEntry{
		AgentID:      agentID,
		Client:       client,
		Index:        index,
		Value:        big.NewInt(value),
		Tag1:         tag1,
		FeedbackHash: registry.Keccak256([]byte(tag1)),
	}
	if err := s.InsertFeedback(e); err != nil {
		t.Fatalf("InsertFeedback failed: %v", err)
	}
}

func TestInsertAndGetFeedback(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertAgent(&registry.Agent{ID: 1, Owner: testAddr(1), URI: "u"}); err != nil {
		t.Fatalf("InsertAgent failed: %v", err)
	}

	client := testAddr(0x10)
	insertTestFeedback(t, s, 1, client, 0, 88, "starred")

	got, err := s.GetFeedback(1, client, 0)
	if err != nil {
		t.Fatalf("GetFeedback failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetFeedback returned nil")
	}
	if got.Value.Int64() != 88 {
		t.Errorf("Value mismatch: expected 88, got %s", got.Value)
	}
	if got.Tag1 != "starred" {
		t.Errorf("Tag1 mismatch: got %q", got.Tag1)
	}
	if got.Revoked || got.HasResponse {
		t.Error("fresh entry should be unrevoked and unanswered")
	}
}

func TestNextFeedbackIndexPerPair(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertAgent(&registry.Agent{ID: 1, Owner: testAddr(1), URI: "u"}); err != nil {
		t.Fatalf("InsertAgent failed: %v", err)
	}

	c1, c2 := testAddr(0x10), testAddr(0x20)
	insertTestFeedback(t, s, 1, c1, 0, 1, "")
	insertTestFeedback(t, s, 1, c1, 1, 2, "")
	insertTestFeedback(t, s, 1, c2, 0, 3, "")

	n, err := s.NextFeedbackIndex(1, c1)
	if err != nil {
		t.Fatalf("NextFeedbackIndex failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected next index 2 for c1, got %d", n)
	}
	n, err = s.NextFeedbackIndex(1, c2)
	if err != nil {
		t.Fatalf("NextFeedbackIndex failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected next index 1 for c2, got %d", n)
	}
}

func TestListFeedbackFilters(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertAgent(&registry.Agent{ID: 1, Owner: testAddr(1), URI: "u"}); err != nil {
		t.Fatalf("InsertAgent failed: %v", err)
	}

	c1, c2 := testAddr(0x10), testAddr(0x20)
	insertTestFeedback(t, s, 1, c1, 0, 10, "quality")
	insertTestFeedback(t, s, 1, c1, 1, 20, "speed")
	insertTestFeedback(t, s, 1, c2, 0, 30, "quality")

	all, err := s.ListFeedback(1, FeedbackFilter{})
	if err != nil {
		t.Fatalf("ListFeedback failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	// Global insertion order.
	if all[0].Value.Int64() != 10 || all[2].Value.Int64() != 30 {
		t.Error("entries not in insertion order")
	}

	byTag, err := s.ListFeedback(1, FeedbackFilter{Tag1: "quality"})
	if err != nil {
		t.Fatalf("ListFeedback failed: %v", err)
	}
	if len(byTag) != 2 {
		t.Errorf("expected 2 quality entries, got %d", len(byTag))
	}

	byClient, err := s.ListFeedback(1, FeedbackFilter{Clients: []registry.Address{c2}})
	if err != nil {
		t.Fatalf("ListFeedback failed: %v", err)
	}
	if len(byClient) != 1 || byClient[0].Client != c2 {
		t.Error("client filter mismatch")
	}

	none, err := s.ListFeedback(1, FeedbackFilter{Tag1: "missing"})
	if err != nil {
		t.Fatalf("ListFeedback failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected 0 entries for unknown tag, got %d", len(none))
	}
}

func TestListFeedbackExcludesRevoked(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertAgent(&registry.Agent{ID: 1, Owner: testAddr(1), URI: "u"}); err != nil {
		t.Fatalf("InsertAgent failed: %v", err)
	}

	client := testAddr(0x10)
	insertTestFeedback(t, s, 1, client, 0, 10, "")
	insertTestFeedback(t, s, 1, client, 1, 20, "")

	if err := s.MarkFeedbackRevoked(1, client, 0); err != nil {
		t.Fatalf("MarkFeedbackRevoked failed: %v", err)
	}

	visible, err := s.ListFeedback(1, FeedbackFilter{})
	if err != nil {
		t.Fatalf("ListFeedback failed: %v", err)
	}
	if len(visible) != 1 || visible[0].Index != 1 {
		t.Error("revoked entry should be excluded by default")
	}

	all, err := s.ListFeedback(1, FeedbackFilter{IncludeRevoked: true})
	if err != nil {
		t.Fatalf("ListFeedback failed: %v", err)
	}
	if len(all) != 2 {
		t.Error("IncludeRevoked should return the revoked entry")
	}
	if !all[0].Revoked {
		t.Error("revoked flag not persisted")
	}
}

func TestSetFeedbackResponse(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertAgent(&registry.Agent{ID: 1, Owner: testAddr(1), URI: "u"}); err != nil {
		t.Fatalf("InsertAgent failed: %v", err)
	}
	client := testAddr(0x10)
	insertTestFeedback(t, s, 1, client, 0, 10, "")

	hash := registry.Keccak256([]byte("response"))
	if err := s.SetFeedbackResponse(1, client, 0, "https://a/r.json", hash); err != nil {
		t.Fatalf("SetFeedbackResponse failed: %v", err)
	}

	got, err := s.GetFeedback(1, client, 0)
	if err != nil {
		t.Fatalf("GetFeedback failed: %v", err)
	}
	if !got.HasResponse || got.ResponseURI != "https://a/r.json" || got.ResponseHash != hash {
		t.Error("response not persisted")
	}
}

func TestValidationRequestRoundTrip(t *testing.T) {
	s := openTestStore(t)

	hash := registry.Keccak256([]byte("req-1"))
	req := &registry.ValidationRequest{
		RequestHash: hash,
		Validator:   testAddr(0x30),
		AgentID:     7,
		RequestURI:  "https://v/req.json",
		Status:      registry.StatusPending,
		LastUpdate:  1000,
	}
	if err := s.InsertValidationRequest(req); err != nil {
		t.Fatalf("InsertValidationRequest failed: %v", err)
	}

	got, err := s.GetValidationRequest(hash)
	if err != nil {
		t.Fatalf("GetValidationRequest failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetValidationRequest returned nil")
	}
	if got.Status != registry.StatusPending || got.Response != 0 {
		t.Error("pending request should have zero-valued response fields")
	}

	respHash := registry.Keccak256([]byte("resp"))
	if err := s.SetValidationResponse(hash, 200, "https://v/resp.json", respHash, "re-execution", 2000); err != nil {
		t.Fatalf("SetValidationResponse failed: %v", err)
	}

	got, err = s.GetValidationRequest(hash)
	if err != nil {
		t.Fatalf("GetValidationRequest failed: %v", err)
	}
	if got.Status != registry.StatusResolved || got.Response != 200 {
		t.Errorf("expected resolved/200, got %v/%d", got.Status, got.Response)
	}
	if got.Tag != "re-execution" || got.LastUpdate != 2000 {
		t.Error("response metadata not persisted")
	}
}

func TestValidationDuplicateHashRejected(t *testing.T) {
	s := openTestStore(t)

	hash := registry.Keccak256([]byte("dup"))
	req := &registry.ValidationRequest{RequestHash: hash, Validator: testAddr(1), AgentID: 1}
	if err := s.InsertValidationRequest(req); err != nil {
		t.Fatalf("InsertValidationRequest failed: %v", err)
	}
	if err := s.InsertValidationRequest(req); err == nil {
		t.Fatal("expected unique constraint violation")
	}
}

func TestListValidationIndexes(t *testing.T) {
	s := openTestStore(t)

	v1, v2 := testAddr(0x30), testAddr(0x40)
	for i, v := range []registry.Address{v1, v1, v2} {
		req := &registry.ValidationRequest{
			RequestHash: registry.Keccak256([]byte{byte(i)}),
			Validator:   v,
			AgentID:     1,
		}
		if err := s.InsertValidationRequest(req); err != nil {
			t.Fatalf("InsertValidationRequest failed: %v", err)
		}
	}

	byAgent, err := s.ListValidationByAgent(1)
	if err != nil {
		t.Fatalf("ListValidationByAgent failed: %v", err)
	}
	if len(byAgent) != 3 {
		t.Errorf("expected 3 requests for agent, got %d", len(byAgent))
	}

	byValidator, err := s.ListValidationByValidator(v1)
	if err != nil {
		t.Fatalf("ListValidationByValidator failed: %v", err)
	}
	if len(byValidator) != 2 {
		t.Errorf("expected 2 requests for validator, got %d", len(byValidator))
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := openTestStore(t)

	c, err := s.GetCursor()
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if c != nil {
		t.Fatal("expected nil cursor before ingestion")
	}

	err = s.InTx(func(tx *Tx) error {
		return tx.SetCursor(Cursor{Block: 123, LogIndex: 4, Segment: "000001.jsonl"})
	})
	if err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}

	c, err = s.GetCursor()
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if c == nil || c.Block != 123 || c.LogIndex != 4 || c.Segment != "000001.jsonl" {
		t.Errorf("cursor mismatch: %+v", c)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)

	err := s.InTx(func(tx *Tx) error {
		if err := tx.InsertAgent(&registry.Agent{ID: 1, Owner: testAddr(1), URI: "u"}); err != nil {
			return err
		}
		return registry.ErrNotFound
	})
	if err == nil {
		t.Fatal("expected error from InTx")
	}

	agent, err := s.GetAgent(1)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent != nil {
		t.Error("rolled-back insert should not be visible")
	}
}
