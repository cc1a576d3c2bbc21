package agentcard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCard = `{
  "type": "AgentCard",
  "name": "price-oracle",
  "description": "Fetches token prices",
  "image": "https://agent.example/public/logo.png",
  "services": [
    {"name": "mcp", "endpoint": "https://agent.example/mcp", "version": "2025-06-18"},
    {"name": "a2a", "endpoint": "https://agent.example/.well-known/agent-card.json"}
  ],
  "registrations": [
    {"agentId": 1686, "agentRegistry": "eip155:84532:0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
    {"agentId": 42, "agentRegistry": "eip155:1:0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"}
  ],
  "capabilities": ["search", "summarize"],
  "supportedTrust": ["reputation", "tee-attestation"],
  "x402Support": true,
  "active": true,
  "vendorMetadata": {"tier": "gold"}
}`

func TestParseTypedFields(t *testing.T) {
	card, err := Parse([]byte(sampleCard))
	require.NoError(t, err)

	assert.Equal(t, "AgentCard", card.Type)
	assert.Equal(t, "price-oracle", card.Name)
	assert.True(t, card.X402Support)
	assert.True(t, card.Active)
	require.Len(t, card.Services, 2)
	assert.Equal(t, "https://agent.example/mcp", card.Services[0].Endpoint)
	assert.Equal(t, []string{"reputation", "tee-attestation"}, card.SupportedTrust)
}

func TestParsePreservesUnknownFields(t *testing.T) {
	card, err := Parse([]byte(sampleCard))
	require.NoError(t, err)

	require.Contains(t, card.Extra, "vendorMetadata")
	assert.JSONEq(t, `{"tier": "gold"}`, string(card.Extra["vendorMetadata"]))
	assert.NotContains(t, card.Extra, "name", "recognized fields stay out of Extra")
}

func TestParseRejectsMissingRequired(t *testing.T) {
	_, err := Parse([]byte(`{"type": "AgentCard"}`))
	require.Error(t, err, "name is required")

	_, err = Parse([]byte(`{"name": "x"}`))
	require.Error(t, err, "type is required")
}

func TestParseRejectsWrongTypes(t *testing.T) {
	_, err := Parse([]byte(`{"type": "AgentCard", "name": "x", "x402Support": "yes"}`))
	require.Error(t, err)

	_, err = Parse([]byte(`{"type": "AgentCard", "name": "x", "registrations": [{"agentId": 0, "agentRegistry": "r"}]}`))
	require.Error(t, err, "agent ids start at 1")
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	require.Error(t, err)
}

func TestAgentIDsFiltersByChain(t *testing.T) {
	card, err := Parse([]byte(sampleCard))
	require.NoError(t, err)

	assert.Equal(t, []uint64{1686}, card.AgentIDs(84532))
	assert.Equal(t, []uint64{42}, card.AgentIDs(1))
	assert.Empty(t, card.AgentIDs(10))
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sampleCard))
	}))
	defer srv.Close()

	card, err := Fetch(context.Background(), srv.Client(), srv.URL+"/registration.json")
	require.NoError(t, err)
	assert.Equal(t, "price-oracle", card.Name)
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"AgentCard","name":"`))
		w.Write([]byte(strings.Repeat("a", MaxCardSize)))
		w.Write([]byte(`"}`))
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.Client(), srv.URL)
	require.ErrorContains(t, err, "exceeds")
}

func TestFetchRejectsNonHTTP(t *testing.T) {
	_, err := Fetch(context.Background(), nil, "ipfs://bafy.../card.json")
	require.Error(t, err)
}

func TestFetchRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.Client(), srv.URL)
	require.ErrorContains(t, err, "status 404")
}
