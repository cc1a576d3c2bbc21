package ipc

import (
	"context"
	"errors"
	"math/big"
	"time"

	"trustregd/internal/aggregate"
	"trustregd/internal/identity"
	"trustregd/internal/ledger"
	"trustregd/internal/registry"
	"trustregd/internal/store"
	"trustregd/internal/validation"
)

// RegistryHandler serves registry queries over IPC. Mutating operations
// are only honored in dev mode; a replicated store is read-only because
// local writes would diverge from the chain.
type RegistryHandler struct {
	store      *store.Store
	identity   *identity.Service
	ledger     *ledger.Ledger
	aggregator *aggregate.Aggregator
	validation *validation.Registry

	version   string
	chainID   uint64
	devMode   bool
	startedAt time.Time
}

// HandlerConfig configures a RegistryHandler.
type HandlerConfig struct {
	Store      *store.Store
	Identity   *identity.Service
	Ledger     *ledger.Ledger
	Aggregator *aggregate.Aggregator
	Validation *validation.Registry
	Version    string
	ChainID    uint64
	DevMode    bool
}

// NewRegistryHandler creates a handler over the given services.
func NewRegistryHandler(cfg HandlerConfig) *RegistryHandler {
	return &RegistryHandler{
		store:      cfg.Store,
		identity:   cfg.Identity,
		ledger:     cfg.Ledger,
		aggregator: cfg.Aggregator,
		validation: cfg.Validation,
		version:    cfg.Version,
		chainID:    cfg.ChainID,
		devMode:    cfg.DevMode,
		startedAt:  time.Now(),
	}
}

// HandleMessage dispatches one request message to its operation.
func (h *RegistryHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)

	case MsgAgentGet:
		return h.handleAgentGet(msg)
	case MsgAgentRegister:
		return h.devOnly(msg, h.handleAgentRegister)

	case MsgFeedbackRead:
		return h.handleFeedbackRead(msg)
	case MsgFeedbackReadAll:
		return h.handleFeedbackReadAll(msg)
	case MsgFeedbackSummary:
		return h.handleFeedbackSummary(msg)
	case MsgFeedbackGive:
		return h.devOnly(msg, h.handleFeedbackGive)
	case MsgFeedbackRevoke:
		return h.devOnly(msg, h.handleFeedbackRevoke)
	case MsgFeedbackRespond:
		return h.devOnly(msg, h.handleFeedbackRespond)

	case MsgValidationStatus:
		return h.handleValidationStatus(msg)
	case MsgValidationSummary:
		return h.handleValidationSummary(msg)
	case MsgValidationList:
		return h.handleValidationList(msg)
	case MsgValidationCreate:
		return h.devOnly(msg, h.handleValidationCreate)
	case MsgValidationRespond:
		return h.devOnly(msg, h.handleValidationRespond)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "unknown message type"), nil
	}
}

// ChainID returns the chain this daemon replicates.
func (h *RegistryHandler) ChainID() uint64 { return h.chainID }

// DevMode reports whether local mutations are allowed.
func (h *RegistryHandler) DevMode() bool { return h.devMode }

// Version returns the daemon version string.
func (h *RegistryHandler) Version() string { return h.version }

func (h *RegistryHandler) devOnly(msg *Message, fn func(*Message) (*Message, error)) (*Message, error) {
	if !h.devMode {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeReadOnly, "daemon is read-only; mutations require dev mode"), nil
	}
	return fn(msg)
}

func (h *RegistryHandler) handleStatus(msg *Message) (*Message, error) {
	resp := &StatusResponse{
		Version:   h.version,
		StartedAt: h.startedAt,
		Uptime:    time.Since(h.startedAt),
		ChainID:   h.chainID,
		DevMode:   h.devMode,
	}

	if cursor, err := h.store.GetCursor(); err == nil && cursor != nil {
		resp.ReplicatedBlock = cursor.Block
		resp.CursorSegment = cursor.Segment
	}
	if n, err := h.store.CountAgents(); err == nil {
		resp.AgentCount = n
	}
	if n, err := h.store.CountFeedback(); err == nil {
		resp.FeedbackCount = n
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *RegistryHandler) handleAgentGet(msg *Message) (*Message, error) {
	var req AgentGetRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}

	agent, err := h.identity.Get(req.AgentID)
	if err != nil {
		return h.errorMessage(msg, err), nil
	}
	return NewResponse(MsgAgentGetResp, msg.Header.RequestID, &AgentGetResponse{Agent: agentInfo(agent)})
}

func (h *RegistryHandler) handleAgentRegister(msg *Message) (*Message, error) {
	var req AgentRegisterRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}
	owner, err := registry.ParseAddress(req.Owner)
	if err != nil {
		return badRequest(msg, err), nil
	}

	id, err := h.identity.Register(owner, req.URI, 0)
	if err != nil {
		return h.errorMessage(msg, err), nil
	}
	return NewResponse(MsgAgentRegisterResp, msg.Header.RequestID, &AgentRegisterResponse{AgentID: id})
}

func (h *RegistryHandler) handleFeedbackRead(msg *Message) (*Message, error) {
	var req FeedbackReadRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}
	client, err := registry.ParseAddress(req.Client)
	if err != nil {
		return badRequest(msg, err), nil
	}

	entry, err := h.ledger.ReadOne(req.AgentID, client, req.Index)
	if err != nil {
		return h.errorMessage(msg, err), nil
	}
	return NewResponse(MsgFeedbackReadResp, msg.Header.RequestID, &FeedbackReadResponse{Entry: feedbackInfo(entry)})
}

func (h *RegistryHandler) handleFeedbackReadAll(msg *Message) (*Message, error) {
	var req FeedbackReadAllRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}
	clients, err := parseAddresses(req.Clients)
	if err != nil {
		return badRequest(msg, err), nil
	}

	entries, err := h.ledger.ReadAll(req.AgentID, store.FeedbackFilter{
		Clients:        clients,
		Tag1:           req.Tag1,
		Tag2:           req.Tag2,
		IncludeRevoked: req.IncludeRevoked,
	})
	if err != nil {
		return h.errorMessage(msg, err), nil
	}

	resp := &FeedbackReadAllResponse{Entries: make([]FeedbackInfo, len(entries))}
	for i := range entries {
		resp.Entries[i] = feedbackInfo(&entries[i])
	}
	return NewResponse(MsgFeedbackReadAllResp, msg.Header.RequestID, resp)
}

func (h *RegistryHandler) handleFeedbackSummary(msg *Message) (*Message, error) {
	var req FeedbackSummaryRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}
	clients, err := parseAddresses(req.Clients)
	if err != nil {
		return badRequest(msg, err), nil
	}

	summary, err := h.aggregator.Summary(req.AgentID, aggregate.NewTrustSet(clients...), req.Tag1, req.Tag2)
	if err != nil {
		return h.errorMessage(msg, err), nil
	}
	return NewResponse(MsgFeedbackSummaryResp, msg.Header.RequestID, &FeedbackSummaryResponse{
		Count:    summary.Count,
		Value:    summary.Value.String(),
		Decimals: summary.Decimals,
	})
}

func (h *RegistryHandler) handleFeedbackGive(msg *Message) (*Message, error) {
	var req FeedbackGiveRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}
	client, err := registry.ParseAddress(req.Client)
	if err != nil {
		return badRequest(msg, err), nil
	}
	value, ok := newBigInt(req.Value)
	if !ok {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "bad value"), nil
	}
	feedbackHash, err := parseOptionalHash(req.FeedbackHash)
	if err != nil {
		return badRequest(msg, err), nil
	}

	index, err := h.ledger.RecordFeedback(ledger.Submission{
		AgentID:       req.AgentID,
		Client:        client,
		Value:         value,
		ValueDecimals: req.ValueDecimals,
		Tag1:          req.Tag1,
		Tag2:          req.Tag2,
		Endpoint:      req.Endpoint,
		FeedbackURI:   req.FeedbackURI,
		FeedbackHash:  feedbackHash,
	})
	if err != nil {
		return h.errorMessage(msg, err), nil
	}
	return NewResponse(MsgFeedbackGiveResp, msg.Header.RequestID, &FeedbackGiveResponse{Index: index})
}

func (h *RegistryHandler) handleFeedbackRevoke(msg *Message) (*Message, error) {
	var req FeedbackRevokeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}
	caller, err := registry.ParseAddress(req.Caller)
	if err != nil {
		return badRequest(msg, err), nil
	}
	client, err := registry.ParseAddress(req.Client)
	if err != nil {
		return badRequest(msg, err), nil
	}

	if err := h.ledger.Revoke(caller, req.AgentID, client, req.Index); err != nil {
		return h.errorMessage(msg, err), nil
	}
	return NewResponse(MsgFeedbackRevokeResp, msg.Header.RequestID, &FeedbackRevokeResponse{})
}

func (h *RegistryHandler) handleFeedbackRespond(msg *Message) (*Message, error) {
	var req FeedbackRespondRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}
	caller, err := registry.ParseAddress(req.Caller)
	if err != nil {
		return badRequest(msg, err), nil
	}
	client, err := registry.ParseAddress(req.Client)
	if err != nil {
		return badRequest(msg, err), nil
	}
	responseHash, err := parseOptionalHash(req.ResponseHash)
	if err != nil {
		return badRequest(msg, err), nil
	}

	if err := h.ledger.AppendResponse(caller, req.AgentID, client, req.Index, req.ResponseURI, responseHash); err != nil {
		return h.errorMessage(msg, err), nil
	}
	return NewResponse(MsgFeedbackRespondResp, msg.Header.RequestID, &FeedbackRespondResponse{})
}

func (h *RegistryHandler) handleValidationStatus(msg *Message) (*Message, error) {
	var req ValidationStatusRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}
	hash, err := registry.ParseHash(req.RequestHash)
	if err != nil {
		return badRequest(msg, err), nil
	}

	request, err := h.validation.Status(hash)
	if err != nil {
		return h.errorMessage(msg, err), nil
	}
	return NewResponse(MsgValidationStatusResp, msg.Header.RequestID, &ValidationStatusResponse{Request: validationInfo(request)})
}

func (h *RegistryHandler) handleValidationSummary(msg *Message) (*Message, error) {
	var req ValidationSummaryRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}
	validators, err := parseAddresses(req.Validators)
	if err != nil {
		return badRequest(msg, err), nil
	}

	summary, err := h.validation.Summary(req.AgentID, aggregate.NewTrustSet(validators...), req.Tag)
	if err != nil {
		return h.errorMessage(msg, err), nil
	}
	return NewResponse(MsgValidationSummaryResp, msg.Header.RequestID, &ValidationSummaryResponse{
		Count:       summary.Count,
		AvgResponse: summary.AvgResponse,
	})
}

func (h *RegistryHandler) handleValidationList(msg *Message) (*Message, error) {
	var req ValidationListRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}

	var (
		hashes []registry.Hash
		err    error
	)
	switch {
	case req.AgentID != nil:
		hashes, err = h.validation.ListByAgent(*req.AgentID)
	case req.Validator != "":
		var validator registry.Address
		validator, err = registry.ParseAddress(req.Validator)
		if err != nil {
			return badRequest(msg, err), nil
		}
		hashes, err = h.validation.ListByValidator(validator)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "agent_id or validator required"), nil
	}
	if err != nil {
		return h.errorMessage(msg, err), nil
	}

	resp := &ValidationListResponse{Hashes: make([]string, len(hashes))}
	for i, hash := range hashes {
		resp.Hashes[i] = hash.String()
	}
	return NewResponse(MsgValidationListResp, msg.Header.RequestID, resp)
}

func (h *RegistryHandler) handleValidationCreate(msg *Message) (*Message, error) {
	var req ValidationCreateRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}
	validator, err := registry.ParseAddress(req.Validator)
	if err != nil {
		return badRequest(msg, err), nil
	}
	hash, err := registry.ParseHash(req.RequestHash)
	if err != nil {
		return badRequest(msg, err), nil
	}

	if err := h.validation.CreateRequest(validator, req.AgentID, req.RequestURI, hash, 0); err != nil {
		return h.errorMessage(msg, err), nil
	}
	return NewResponse(MsgValidationCreateResp, msg.Header.RequestID, &ValidationCreateResponse{})
}

func (h *RegistryHandler) handleValidationRespond(msg *Message) (*Message, error) {
	var req ValidationRespondRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return badRequest(msg, err), nil
	}
	caller, err := registry.ParseAddress(req.Caller)
	if err != nil {
		return badRequest(msg, err), nil
	}
	hash, err := registry.ParseHash(req.RequestHash)
	if err != nil {
		return badRequest(msg, err), nil
	}
	responseHash, err := parseOptionalHash(req.ResponseHash)
	if err != nil {
		return badRequest(msg, err), nil
	}

	if err := h.validation.SubmitResponse(caller, hash, req.Response, req.ResponseURI, responseHash, req.Tag); err != nil {
		return h.errorMessage(msg, err), nil
	}
	return NewResponse(MsgValidationRespondResp, msg.Header.RequestID, &ValidationRespondResponse{})
}

// errorMessage maps semantic errors to protocol error codes.
func (h *RegistryHandler) errorMessage(msg *Message, err error) *Message {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, registry.ErrNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, registry.ErrSelfFeedback):
		code = ErrCodeSelfFeedback
	case errors.Is(err, registry.ErrNotAuthor):
		code = ErrCodeNotAuthor
	case errors.Is(err, registry.ErrAlreadyRevoked):
		code = ErrCodeAlreadyRevoked
	case errors.Is(err, registry.ErrAlreadyResponded):
		code = ErrCodeAlreadyResponded
	case errors.Is(err, registry.ErrNotOwner):
		code = ErrCodeNotOwner
	case errors.Is(err, registry.ErrNotValidator):
		code = ErrCodeNotValidator
	case errors.Is(err, registry.ErrDuplicateRequest):
		code = ErrCodeDuplicateRequest
	}
	return NewErrorMessage(msg.Header.RequestID, code, err.Error())
}

func badRequest(msg *Message, err error) *Message {
	return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, err.Error())
}

func parseAddresses(in []string) ([]registry.Address, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]registry.Address, len(in))
	for i, s := range in {
		a, err := registry.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

func newBigInt(s string) (*big.Int, bool) {
	if s == "" {
		return new(big.Int), true
	}
	return new(big.Int).SetString(s, 10)
}

func parseOptionalHash(s string) (registry.Hash, error) {
	if s == "" {
		return registry.Hash{}, nil
	}
	return registry.ParseHash(s)
}
