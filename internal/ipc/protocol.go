// Package ipc provides inter-process communication between the trustregd
// daemon and client applications (trustregctl, third-party tools).
//
// The protocol is a request/response pattern over a Unix socket, with
// optional event streaming for registry updates. Messages are a fixed
// 16-byte header followed by a JSON payload.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"trustregd/internal/registry"
)

// Protocol version for compatibility checking.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x54525043 // "TRPC"
)

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Agent queries (0x02xx)
	MsgAgentGet          MessageType = 0x0200
	MsgAgentGetResp      MessageType = 0x0201
	MsgAgentRegister     MessageType = 0x0202
	MsgAgentRegisterResp MessageType = 0x0203

	// Feedback operations (0x03xx)
	MsgFeedbackRead        MessageType = 0x0300
	MsgFeedbackReadResp    MessageType = 0x0301
	MsgFeedbackReadAll     MessageType = 0x0302
	MsgFeedbackReadAllResp MessageType = 0x0303
	MsgFeedbackSummary     MessageType = 0x0304
	MsgFeedbackSummaryResp MessageType = 0x0305
	MsgFeedbackGive        MessageType = 0x0306
	MsgFeedbackGiveResp    MessageType = 0x0307
	MsgFeedbackRevoke      MessageType = 0x0308
	MsgFeedbackRevokeResp  MessageType = 0x0309
	MsgFeedbackRespond     MessageType = 0x030A
	MsgFeedbackRespondResp MessageType = 0x030B

	// Validation operations (0x04xx)
	MsgValidationStatus      MessageType = 0x0400
	MsgValidationStatusResp  MessageType = 0x0401
	MsgValidationSummary     MessageType = 0x0402
	MsgValidationSummaryResp MessageType = 0x0403
	MsgValidationList        MessageType = 0x0404
	MsgValidationListResp    MessageType = 0x0405
	MsgValidationCreate      MessageType = 0x0406
	MsgValidationCreateResp  MessageType = 0x0407
	MsgValidationRespond     MessageType = 0x0408
	MsgValidationRespondResp MessageType = 0x0409

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32 // Payload length, not including the header
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// MaxPayloadSize caps a single message payload.
const MaxPayloadSize = 16 * 1024 * 1024

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message to a writer.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Error codes carried in ErrorResponse.
const (
	ErrCodeUnknown          = 1
	ErrCodeInvalidRequest   = 2
	ErrCodeNotFound         = 3
	ErrCodePermissionDenied = 4
	ErrCodeInternal         = 5
	ErrCodeSelfFeedback     = 6
	ErrCodeNotAuthor        = 7
	ErrCodeAlreadyRevoked   = 8
	ErrCodeAlreadyResponded = 9
	ErrCodeNotOwner         = 10
	ErrCodeNotValidator     = 11
	ErrCodeDuplicateRequest = 12
	ErrCodeReadOnly         = 13
)

// ErrorResponse is sent when an operation fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HandshakeRequest is sent by the client to initiate a connection.
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge a connection.
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ChainID         uint64 `json:"chain_id"`
	DevMode         bool   `json:"dev_mode"`
}

// StatusRequest requests daemon status.
type StatusRequest struct{}

// StatusResponse contains daemon status.
type StatusResponse struct {
	Version         string        `json:"version"`
	StartedAt       time.Time     `json:"started_at"`
	Uptime          time.Duration `json:"uptime"`
	ChainID         uint64        `json:"chain_id"`
	DevMode         bool          `json:"dev_mode"`
	ReplicatedBlock uint64        `json:"replicated_block"`
	CursorSegment   string        `json:"cursor_segment,omitempty"`
	AgentCount      uint64        `json:"agent_count"`
	FeedbackCount   uint64        `json:"feedback_count"`
}

// AgentInfo is the wire form of an agent record.
type AgentInfo struct {
	AgentID         uint64 `json:"agent_id"`
	Owner           string `json:"owner"`
	URI             string `json:"uri,omitempty"`
	Wallet          string `json:"wallet,omitempty"`
	RegisteredBlock uint64 `json:"registered_block"`
}

func agentInfo(a *registry.Agent) AgentInfo {
	info := AgentInfo{
		AgentID:         a.ID,
		Owner:           a.Owner.String(),
		URI:             a.URI,
		RegisteredBlock: a.RegisteredBlock,
	}
	if a.Wallet != nil {
		info.Wallet = a.Wallet.String()
	}
	return info
}

// AgentGetRequest requests one agent by id.
type AgentGetRequest struct {
	AgentID uint64 `json:"agent_id"`
}

// AgentGetResponse contains the agent.
type AgentGetResponse struct {
	Agent AgentInfo `json:"agent"`
}

// AgentRegisterRequest registers an agent locally (dev mode only).
type AgentRegisterRequest struct {
	Owner string `json:"owner"`
	URI   string `json:"uri,omitempty"`
}

// AgentRegisterResponse contains the assigned id.
type AgentRegisterResponse struct {
	AgentID uint64 `json:"agent_id"`
}

// FeedbackInfo is the wire form of a feedback entry.
type FeedbackInfo struct {
	AgentID       uint64 `json:"agent_id"`
	Client        string `json:"client"`
	Index         uint64 `json:"index"`
	Value         string `json:"value"`
	ValueDecimals uint8  `json:"value_decimals"`
	Tag1          string `json:"tag1,omitempty"`
	Tag2          string `json:"tag2,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	FeedbackURI   string `json:"feedback_uri,omitempty"`
	FeedbackHash  string `json:"feedback_hash,omitempty"`
	Revoked       bool   `json:"revoked,omitempty"`
	ResponseURI   string `json:"response_uri,omitempty"`
	ResponseHash  string `json:"response_hash,omitempty"`
	HasResponse   bool   `json:"has_response,omitempty"`
	Block         uint64 `json:"block,omitempty"`
}

func feedbackInfo(e *registry.FeedbackEntry) FeedbackInfo {
	info := FeedbackInfo{
		AgentID:       e.AgentID,
		Client:        e.Client.String(),
		Index:         e.Index,
		Value:         e.Value.String(),
		ValueDecimals: e.ValueDecimals,
		Tag1:          e.Tag1,
		Tag2:          e.Tag2,
		Endpoint:      e.Endpoint,
		FeedbackURI:   e.FeedbackURI,
		Revoked:       e.Revoked,
		ResponseURI:   e.ResponseURI,
		HasResponse:   e.HasResponse,
		Block:         e.Block,
	}
	if e.FeedbackHash != (registry.Hash{}) {
		info.FeedbackHash = e.FeedbackHash.String()
	}
	if e.ResponseHash != (registry.Hash{}) {
		info.ResponseHash = e.ResponseHash.String()
	}
	return info
}

// FeedbackReadRequest requests one entry.
type FeedbackReadRequest struct {
	AgentID uint64 `json:"agent_id"`
	Client  string `json:"client"`
	Index   uint64 `json:"index"`
}

// FeedbackReadResponse contains one entry.
type FeedbackReadResponse struct {
	Entry FeedbackInfo `json:"entry"`
}

// FeedbackReadAllRequest requests an agent's entries with a filter.
type FeedbackReadAllRequest struct {
	AgentID        uint64   `json:"agent_id"`
	Clients        []string `json:"clients,omitempty"`
	Tag1           string   `json:"tag1,omitempty"`
	Tag2           string   `json:"tag2,omitempty"`
	IncludeRevoked bool     `json:"include_revoked,omitempty"`
}

// FeedbackReadAllResponse contains the matching entries in insertion order.
type FeedbackReadAllResponse struct {
	Entries []FeedbackInfo `json:"entries"`
}

// FeedbackSummaryRequest requests an aggregated summary.
type FeedbackSummaryRequest struct {
	AgentID uint64   `json:"agent_id"`
	Clients []string `json:"clients,omitempty"`
	Tag1    string   `json:"tag1,omitempty"`
	Tag2    string   `json:"tag2,omitempty"`
}

// FeedbackSummaryResponse contains the aggregate.
type FeedbackSummaryResponse struct {
	Count    uint64 `json:"count"`
	Value    string `json:"value"`
	Decimals uint8  `json:"decimals"`
}

// BigValue returns the summary value as a big integer.
func (r *FeedbackSummaryResponse) BigValue() (*big.Int, bool) {
	return new(big.Int).SetString(r.Value, 10)
}

// FeedbackGiveRequest appends feedback locally (dev mode only).
type FeedbackGiveRequest struct {
	AgentID       uint64 `json:"agent_id"`
	Client        string `json:"client"`
	Value         string `json:"value"`
	ValueDecimals uint8  `json:"value_decimals,omitempty"`
	Tag1          string `json:"tag1,omitempty"`
	Tag2          string `json:"tag2,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	FeedbackURI   string `json:"feedback_uri,omitempty"`
	FeedbackHash  string `json:"feedback_hash,omitempty"`
}

// FeedbackGiveResponse contains the assigned index.
type FeedbackGiveResponse struct {
	Index uint64 `json:"index"`
}

// FeedbackRevokeRequest revokes an entry (dev mode only).
type FeedbackRevokeRequest struct {
	Caller  string `json:"caller"`
	AgentID uint64 `json:"agent_id"`
	Client  string `json:"client"`
	Index   uint64 `json:"index"`
}

// FeedbackRevokeResponse acknowledges the revocation.
type FeedbackRevokeResponse struct{}

// FeedbackRespondRequest appends an owner response (dev mode only).
type FeedbackRespondRequest struct {
	Caller       string `json:"caller"`
	AgentID      uint64 `json:"agent_id"`
	Client       string `json:"client"`
	Index        uint64 `json:"index"`
	ResponseURI  string `json:"response_uri,omitempty"`
	ResponseHash string `json:"response_hash,omitempty"`
}

// FeedbackRespondResponse acknowledges the response.
type FeedbackRespondResponse struct{}

// ValidationInfo is the wire form of a validation request.
type ValidationInfo struct {
	RequestHash  string `json:"request_hash"`
	Validator    string `json:"validator"`
	AgentID      uint64 `json:"agent_id"`
	RequestURI   string `json:"request_uri,omitempty"`
	Status       string `json:"status"`
	Response     uint8  `json:"response,omitempty"`
	ResponseURI  string `json:"response_uri,omitempty"`
	ResponseHash string `json:"response_hash,omitempty"`
	Tag          string `json:"tag,omitempty"`
	LastUpdate   int64  `json:"last_update"`
	Block        uint64 `json:"block,omitempty"`
}

func validationInfo(r *registry.ValidationRequest) ValidationInfo {
	info := ValidationInfo{
		RequestHash: r.RequestHash.String(),
		Validator:   r.Validator.String(),
		AgentID:     r.AgentID,
		RequestURI:  r.RequestURI,
		Status:      r.Status.String(),
		Response:    r.Response,
		ResponseURI: r.ResponseURI,
		Tag:         r.Tag,
		LastUpdate:  r.LastUpdate,
		Block:       r.Block,
	}
	if r.ResponseHash != (registry.Hash{}) {
		info.ResponseHash = r.ResponseHash.String()
	}
	return info
}

// ValidationStatusRequest requests one validation request by hash.
type ValidationStatusRequest struct {
	RequestHash string `json:"request_hash"`
}

// ValidationStatusResponse contains the request.
type ValidationStatusResponse struct {
	Request ValidationInfo `json:"request"`
}

// ValidationSummaryRequest requests a resolved-only aggregate.
type ValidationSummaryRequest struct {
	AgentID    uint64   `json:"agent_id"`
	Validators []string `json:"validators,omitempty"`
	Tag        string   `json:"tag,omitempty"`
}

// ValidationSummaryResponse contains the aggregate.
type ValidationSummaryResponse struct {
	Count       uint64  `json:"count"`
	AvgResponse float64 `json:"avg_response"`
}

// ValidationListRequest requests request hashes by agent or by validator.
// Exactly one selector must be set.
type ValidationListRequest struct {
	AgentID   *uint64 `json:"agent_id,omitempty"`
	Validator string  `json:"validator,omitempty"`
}

// ValidationListResponse contains request hashes in insertion order.
type ValidationListResponse struct {
	Hashes []string `json:"hashes"`
}

// ValidationCreateRequest creates a pending request (dev mode only).
type ValidationCreateRequest struct {
	Validator   string `json:"validator"`
	AgentID     uint64 `json:"agent_id"`
	RequestURI  string `json:"request_uri,omitempty"`
	RequestHash string `json:"request_hash"`
}

// ValidationCreateResponse acknowledges the creation.
type ValidationCreateResponse struct{}

// ValidationRespondRequest resolves a pending request (dev mode only).
type ValidationRespondRequest struct {
	Caller       string `json:"caller"`
	RequestHash  string `json:"request_hash"`
	Response     uint8  `json:"response"`
	ResponseURI  string `json:"response_uri,omitempty"`
	ResponseHash string `json:"response_hash,omitempty"`
	Tag          string `json:"tag,omitempty"`
}

// ValidationRespondResponse acknowledges the resolution.
type ValidationRespondResponse struct{}

// SubscribeRequest requests event streaming. An empty type list means
// all events.
type SubscribeRequest struct {
	Types []string `json:"types,omitempty"`
}

// SubscribeResponse acknowledges a subscription.
type SubscribeResponse struct {
	Success bool `json:"success"`
}

// UnsubscribeRequest stops event streaming.
type UnsubscribeRequest struct{}

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes into a payload.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
