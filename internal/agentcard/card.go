// Package agentcard parses and validates ERC-8004 registration metadata
// documents (the JSON fetched from an agent's registration URI). The
// recognized fields are typed; anything else is carried as opaque
// pass-through data and never interpreted.
package agentcard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"trustregd/internal/registry"
)

// MaxCardSize caps a fetched registration document at 1 MiB.
const MaxCardSize = 1 << 20

// Service is one advertised endpoint (MCP, A2A, x402, OASF, ...).
type Service struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Version  string `json:"version,omitempty"`
}

// Registration links the document to an on-chain agent id. AgentRegistry
// is a CAIP-10 reference to the registry contract's chain and address.
type Registration struct {
	AgentID       uint64 `json:"agentId"`
	AgentRegistry string `json:"agentRegistry"`
}

// Card is a registration metadata document with the recognized fields
// typed and everything else preserved raw in Extra.
type Card struct {
	Type           string         `json:"type"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Image          string         `json:"image,omitempty"`
	Services       []Service      `json:"services,omitempty"`
	Registrations  []Registration `json:"registrations,omitempty"`
	Capabilities   []string       `json:"capabilities,omitempty"`
	SupportedTrust []string       `json:"supportedTrust,omitempty"`
	X402Support    bool           `json:"x402Support,omitempty"`
	Active         bool           `json:"active"`

	// Extra holds unrecognized top-level fields untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

var recognizedFields = map[string]bool{
	"type": true, "name": true, "description": true, "image": true,
	"services": true, "registrations": true, "capabilities": true,
	"supportedTrust": true, "x402Support": true, "active": true,
}

// Parse validates data against the registration schema and decodes it.
func Parse(data []byte) (*Card, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("parse registration document: %w", err)
	}
	if err := compiledSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("validate registration document: %w", err)
	}

	var card Card
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("decode registration document: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode registration document: %w", err)
	}
	for k, v := range raw {
		if !recognizedFields[k] {
			if card.Extra == nil {
				card.Extra = make(map[string]json.RawMessage)
			}
			card.Extra[k] = v
		}
	}
	return &card, nil
}

// AgentIDs returns the agent ids the document claims on the given chain,
// in document order. Registrations with unparseable registry references
// are skipped.
func (c *Card) AgentIDs(chainID uint64) []uint64 {
	var ids []uint64
	for _, reg := range c.Registrations {
		ref, err := registry.ParseCAIP10(reg.AgentRegistry)
		if err != nil {
			continue
		}
		if ref.ChainID == chainID {
			ids = append(ids, reg.AgentID)
		}
	}
	return ids
}

// Fetch retrieves and parses the registration document at uri. The body
// is capped at MaxCardSize.
func Fetch(ctx context.Context, client *http.Client, uri string) (*Card, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if !strings.HasPrefix(uri, "https://") && !strings.HasPrefix(uri, "http://") {
		return nil, fmt.Errorf("fetch registration document: unsupported uri %q", uri)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch registration document: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch registration document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch registration document: status %d from %s", resp.StatusCode, uri)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxCardSize+1))
	if err != nil {
		return nil, fmt.Errorf("fetch registration document: %w", err)
	}
	if len(data) > MaxCardSize {
		return nil, fmt.Errorf("fetch registration document: body exceeds %d bytes", MaxCardSize)
	}
	return Parse(data)
}

// registrationSchema is the JSON Schema for the recognized fields. Unknown
// top-level fields are allowed (pass-through).
const registrationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "name"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "image": {"type": "string"},
    "services": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "endpoint"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "endpoint": {"type": "string", "minLength": 1},
          "version": {"type": "string"}
        }
      }
    },
    "registrations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["agentId", "agentRegistry"],
        "properties": {
          "agentId": {"type": "integer", "minimum": 1},
          "agentRegistry": {"type": "string", "minLength": 1}
        }
      }
    },
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "supportedTrust": {"type": "array", "items": {"type": "string"}},
    "x402Support": {"type": "boolean"},
    "active": {"type": "boolean"}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("registration.schema.json", bytes.NewReader([]byte(registrationSchema))); err != nil {
		panic(fmt.Sprintf("agentcard: add schema resource: %v", err))
	}
	schema, err := compiler.Compile("registration.schema.json")
	if err != nil {
		panic(fmt.Sprintf("agentcard: compile schema: %v", err))
	}
	return schema
}
