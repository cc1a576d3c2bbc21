// Package feed ingests the chain-event feed: newline-delimited JSON
// segment files written in chain order by an extraction process. Each
// line is one registry event; lines sharing a block are applied in a
// single store transaction together with the cursor advance, so readers
// always observe whole blocks.
//
// Malformed lines and lines that violate registry invariants are
// rejected and logged; they never abort the surrounding block. A line
// whose claimed agent id or feedback index disagrees with the locally
// assigned one is treated the same way, since applying it would let
// local state diverge silently from the chain.
package feed

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"trustregd/internal/events"
	"trustregd/internal/identity"
	"trustregd/internal/ledger"
	"trustregd/internal/logging"
	"trustregd/internal/metrics"
	"trustregd/internal/registry"
	"trustregd/internal/store"
	"trustregd/internal/validation"
)

// Event type strings as they appear on feed lines.
const (
	LineAgentRegistered    = "AgentRegistered"
	LineOwnershipTransfer  = "OwnershipTransferred"
	LineURIUpdated         = "URIUpdated"
	LineWalletLinked       = "WalletLinked"
	LineNewFeedback        = "NewFeedback"
	LineFeedbackRevoked    = "FeedbackRevoked"
	LineResponseAppended   = "ResponseAppended"
	LineValidationRequest  = "ValidationRequest"
	LineValidationResponse = "ValidationResponse"
)

// Line is one feed event as written to a segment file. Which fields are
// meaningful depends on Type; unused fields are left empty by the writer.
type Line struct {
	Block    uint64 `json:"block"`
	LogIndex uint32 `json:"logIndex"`
	Time     int64  `json:"time,omitempty"`
	Type     string `json:"type"`

	// Caller is the externally-owned account that sent the transaction.
	Caller string `json:"caller,omitempty"`

	// Identity events.
	AgentID  uint64 `json:"agentId,omitempty"`
	Owner    string `json:"owner,omitempty"`
	NewOwner string `json:"newOwner,omitempty"`
	URI      string `json:"uri,omitempty"`
	Wallet   string `json:"wallet,omitempty"`
	Proof    string `json:"proof,omitempty"`

	// Feedback events. Index is a pointer because 0 is a valid index;
	// NewFeedback lines may omit it, revoke/response lines must not.
	Client        string  `json:"client,omitempty"`
	Index         *uint64 `json:"index,omitempty"`
	Value         string  `json:"value,omitempty"`
	ValueDecimals uint8   `json:"valueDecimals,omitempty"`
	Tag1          string  `json:"tag1,omitempty"`
	Tag2          string  `json:"tag2,omitempty"`
	Endpoint      string  `json:"endpoint,omitempty"`
	FeedbackURI   string  `json:"feedbackUri,omitempty"`
	FeedbackHash  string  `json:"feedbackHash,omitempty"`

	// Validation events.
	Validator   string `json:"validator,omitempty"`
	RequestURI  string `json:"requestUri,omitempty"`
	RequestHash string `json:"requestHash,omitempty"`
	Response    uint8  `json:"response,omitempty"`
	Tag         string `json:"tag,omitempty"`

	// Shared response fields.
	ResponseURI  string `json:"responseUri,omitempty"`
	ResponseHash string `json:"responseHash,omitempty"`
}

// after reports whether the line sits past the cursor position.
func (l *Line) after(c *store.Cursor) bool {
	if c == nil {
		return true
	}
	if l.Block != c.Block {
		return l.Block > c.Block
	}
	return l.LogIndex > c.LogIndex
}

// errReject marks a line-level failure: the line is dropped and counted,
// the block transaction continues.
type errReject struct {
	reason string
	err    error
}

func (e *errReject) Error() string {
	if e.err != nil {
		return e.reason + ": " + e.err.Error()
	}
	return e.reason
}

func (e *errReject) Unwrap() error { return e.err }

func rejectf(format string, args ...any) error {
	return &errReject{reason: fmt.Sprintf(format, args...)}
}

func rejectErr(reason string, err error) error {
	return &errReject{reason: reason, err: err}
}

// rejectable reports whether err is a per-line rejection rather than a
// storage failure. Registry invariant violations are rejections: the
// chain enforced the same rules, so such a line is corrupt feed output,
// not a reason to stall replication.
func rejectable(err error) bool {
	var r *errReject
	if errors.As(err, &r) {
		return true
	}
	for _, sentinel := range []error{
		registry.ErrNotFound,
		registry.ErrSelfFeedback,
		registry.ErrNotAuthor,
		registry.ErrNotOwner,
		registry.ErrNotValidator,
		registry.ErrAlreadyRevoked,
		registry.ErrAlreadyResponded,
		registry.ErrDuplicateRequest,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Config holds feed ingestion settings.
type Config struct {
	// Dir is the directory holding *.jsonl segment files.
	Dir string

	// PollInterval bounds how stale ingestion can get if file
	// notifications are lost. Zero means a 5s default.
	PollInterval time.Duration
}

// Feed tails the segment directory and replicates events into the store.
type Feed struct {
	dir  string
	poll time.Duration

	store *store.Store
	bus   *events.Bus
	met   *metrics.TrustregdMetrics
	log   *logging.Logger
}

// New creates a Feed. bus and met may be nil.
func New(cfg Config, st *store.Store, bus *events.Bus, met *metrics.TrustregdMetrics, log *logging.Logger) *Feed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &Feed{
		dir:   cfg.Dir,
		poll:  cfg.PollInterval,
		store: st,
		bus:   bus,
		met:   met,
		log:   log.WithComponent("feed"),
	}
}

// Segments returns the segment file names in the feed directory in
// lexicographic order, which the writer guarantees is chain order.
func (f *Feed) Segments() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read feed directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// CatchUp scans from the stored cursor to the end of the feed, applying
// every complete block it finds. It is safe to call repeatedly; a scan
// that finds nothing new is a no-op.
func (f *Feed) CatchUp() error {
	cursor, err := f.store.GetCursor()
	if err != nil {
		return err
	}

	segments, err := f.Segments()
	if err != nil {
		return err
	}

	for _, segment := range segments {
		if cursor != nil && segment < cursor.Segment {
			continue
		}
		cursor, err = f.scanSegment(segment, cursor)
		if err != nil {
			return fmt.Errorf("segment %s: %w", segment, err)
		}
	}
	return nil
}

// scanSegment applies the segment's lines past the cursor, one block per
// transaction, and returns the advanced cursor.
func (f *Feed) scanSegment(segment string, cursor *store.Cursor) (*store.Cursor, error) {
	file, err := os.Open(filepath.Join(f.dir, segment))
	if err != nil {
		return cursor, err
	}
	defer file.Close()

	var block []Line
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		next, err := f.applyBlock(segment, block)
		if err != nil {
			return err
		}
		cursor = next
		block = block[:0]
		return nil
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ln Line
		if err := json.Unmarshal(raw, &ln); err != nil {
			f.countRejected()
			f.log.Warn("malformed feed line",
				"segment", segment, "line", lineNo, "error", err)
			continue
		}
		if !ln.after(cursor) {
			continue
		}
		if len(block) > 0 && ln.Block != block[0].Block {
			if err := flush(); err != nil {
				return cursor, err
			}
		}
		block = append(block, ln)
	}
	if err := scanner.Err(); err != nil {
		f.countScanError()
		return cursor, fmt.Errorf("scan: %w", err)
	}
	if err := flush(); err != nil {
		return cursor, err
	}
	return cursor, nil
}

// applyBlock applies one block's lines and the cursor advance in a
// single transaction, then publishes the resulting events and updates
// replication metrics.
func (f *Feed) applyBlock(segment string, lines []Line) (*store.Cursor, error) {
	start := time.Now()
	blockNum := lines[0].Block

	var (
		applied  []events.Event
		rejected uint64
	)

	err := f.store.InTx(func(tx *store.Tx) error {
		clock := &lineClock{}
		ap := applier{
			identity:   identity.New(tx, nil),
			ledger:     ledger.New(tx, nil),
			validation: validation.NewWithClock(tx, nil, clock.Now),
			backend:    tx,
		}

		last := lines[0]
		for _, ln := range lines {
			last = ln
			clock.set(ln.Time)

			ev, err := ap.apply(&ln)
			if err == nil {
				applied = append(applied, ev)
				continue
			}
			if !rejectable(err) {
				return fmt.Errorf("block %d, log %d: %w", ln.Block, ln.LogIndex, err)
			}
			rejected++
			f.log.Warn("rejected feed event",
				"segment", segment,
				"block", ln.Block,
				"log_index", ln.LogIndex,
				"type", ln.Type,
				"error", err)
		}

		return tx.SetCursor(store.Cursor{
			Block:    last.Block,
			LogIndex: last.LogIndex,
			Segment:  segment,
		})
	})
	if err != nil {
		f.countScanError()
		return nil, err
	}

	if f.bus != nil {
		for _, ev := range applied {
			f.bus.Publish(ev)
		}
	}
	f.recordBlockMetrics(blockNum, uint64(len(applied)), rejected, time.Since(start))

	return &store.Cursor{
		Block:    lines[len(lines)-1].Block,
		LogIndex: lines[len(lines)-1].LogIndex,
		Segment:  segment,
	}, nil
}

func (f *Feed) recordBlockMetrics(block, applied, rejected uint64, elapsed time.Duration) {
	if f.met == nil {
		return
	}
	f.met.EventsApplied.Add(applied)
	f.met.EventsRejected.Add(rejected)
	f.met.BlocksApplied.Inc()
	f.met.ReplicatedBlock.Set(int64(block))
	f.met.BlockApplyTime.ObserveDuration(elapsed)

	if agents, err := f.store.CountAgents(); err == nil {
		f.met.AgentsIndexed.Set(int64(agents))
	}
	if entries, err := f.store.CountFeedback(); err == nil {
		f.met.FeedbackIndexed.Set(int64(entries))
	}
}

func (f *Feed) countRejected() {
	if f.met != nil {
		f.met.EventsRejected.Inc()
	}
}

func (f *Feed) countScanError() {
	if f.met != nil {
		f.met.FeedScanErrors.Inc()
	}
}

// lineClock feeds the event's block time into validation LastUpdate
// stamps. Lines without a time fall back to wall clock.
type lineClock struct {
	t time.Time
}

func (c *lineClock) set(unix int64) {
	if unix > 0 {
		c.t = time.Unix(unix, 0)
	} else {
		c.t = time.Time{}
	}
}

func (c *lineClock) Now() time.Time {
	if c.t.IsZero() {
		return time.Now()
	}
	return c.t
}

// applier dispatches one feed line to the semantic layer it belongs to.
// The layers run with a nil bus; Feed publishes after the transaction
// commits so subscribers never see uncommitted state.
type applier struct {
	identity   *identity.Service
	ledger     *ledger.Ledger
	validation *validation.Registry
	backend    store.Backend
}

func (a *applier) apply(ln *Line) (events.Event, error) {
	switch ln.Type {
	case LineAgentRegistered:
		return a.agentRegistered(ln)
	case LineOwnershipTransfer:
		return a.ownershipTransferred(ln)
	case LineURIUpdated:
		return a.uriUpdated(ln)
	case LineWalletLinked:
		return a.walletLinked(ln)
	case LineNewFeedback:
		return a.newFeedback(ln)
	case LineFeedbackRevoked:
		return a.feedbackRevoked(ln)
	case LineResponseAppended:
		return a.responseAppended(ln)
	case LineValidationRequest:
		return a.validationRequest(ln)
	case LineValidationResponse:
		return a.validationResponse(ln)
	default:
		return events.Event{}, rejectf("unknown event type %q", ln.Type)
	}
}

func (a *applier) agentRegistered(ln *Line) (events.Event, error) {
	owner, err := parseAddr("owner", ln.Owner)
	if err != nil {
		return events.Event{}, err
	}

	// The chain assigned the id; make sure we assign the same one.
	next, err := a.backend.NextAgentID()
	if err != nil {
		return events.Event{}, err
	}
	if ln.AgentID != 0 && ln.AgentID != next {
		return events.Event{}, rejectf("claimed agent id %d, local next is %d", ln.AgentID, next)
	}

	id, err := a.identity.Register(owner, ln.URI, ln.Block)
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{Type: events.TypeAgentRegistered, AgentID: id, Block: ln.Block}, nil
}

func (a *applier) ownershipTransferred(ln *Line) (events.Event, error) {
	caller, err := parseAddr("caller", ln.Caller)
	if err != nil {
		return events.Event{}, err
	}
	newOwner, err := parseAddr("newOwner", ln.NewOwner)
	if err != nil {
		return events.Event{}, err
	}
	if err := a.identity.TransferOwnership(caller, ln.AgentID, newOwner); err != nil {
		return events.Event{}, err
	}
	return events.Event{Type: events.TypeAgentUpdated, AgentID: ln.AgentID, Block: ln.Block}, nil
}

func (a *applier) uriUpdated(ln *Line) (events.Event, error) {
	caller, err := parseAddr("caller", ln.Caller)
	if err != nil {
		return events.Event{}, err
	}
	if err := a.identity.SetURI(caller, ln.AgentID, ln.URI); err != nil {
		return events.Event{}, err
	}
	return events.Event{Type: events.TypeAgentUpdated, AgentID: ln.AgentID, Block: ln.Block}, nil
}

func (a *applier) walletLinked(ln *Line) (events.Event, error) {
	caller, err := parseAddr("caller", ln.Caller)
	if err != nil {
		return events.Event{}, err
	}
	wallet, err := parseAddr("wallet", ln.Wallet)
	if err != nil {
		return events.Event{}, err
	}
	proof, err := parseHash("proof", ln.Proof)
	if err != nil {
		return events.Event{}, err
	}
	if err := a.identity.SetWallet(caller, ln.AgentID, wallet, proof); err != nil {
		if rejectable(err) {
			return events.Event{}, err
		}
		return events.Event{}, rejectErr("wallet link", err)
	}
	return events.Event{Type: events.TypeAgentUpdated, AgentID: ln.AgentID, Block: ln.Block}, nil
}

func (a *applier) newFeedback(ln *Line) (events.Event, error) {
	client, err := parseAddr("client", ln.Client)
	if err != nil {
		return events.Event{}, err
	}
	value := new(big.Int)
	if ln.Value != "" {
		if _, ok := value.SetString(ln.Value, 10); !ok {
			return events.Event{}, rejectf("bad value %q", ln.Value)
		}
	}
	var feedbackHash registry.Hash
	if ln.FeedbackHash != "" {
		feedbackHash, err = parseHash("feedbackHash", ln.FeedbackHash)
		if err != nil {
			return events.Event{}, err
		}
	}

	if ln.Index != nil {
		next, err := a.backend.NextFeedbackIndex(ln.AgentID, client)
		if err != nil {
			return events.Event{}, err
		}
		if *ln.Index != next {
			return events.Event{}, rejectf("claimed index %d, local next is %d", *ln.Index, next)
		}
	}

	index, err := a.ledger.RecordFeedback(ledger.Submission{
		AgentID:       ln.AgentID,
		Client:        client,
		Value:         value,
		ValueDecimals: ln.ValueDecimals,
		Tag1:          ln.Tag1,
		Tag2:          ln.Tag2,
		Endpoint:      ln.Endpoint,
		FeedbackURI:   ln.FeedbackURI,
		FeedbackHash:  feedbackHash,
		Block:         ln.Block,
	})
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{
		Type:    events.TypeNewFeedback,
		AgentID: ln.AgentID,
		Client:  client,
		Index:   index,
		Block:   ln.Block,
	}, nil
}

func (a *applier) feedbackRevoked(ln *Line) (events.Event, error) {
	client, err := parseAddr("client", ln.Client)
	if err != nil {
		return events.Event{}, err
	}
	caller := client
	if ln.Caller != "" {
		caller, err = parseAddr("caller", ln.Caller)
		if err != nil {
			return events.Event{}, err
		}
	}
	if ln.Index == nil {
		return events.Event{}, rejectf("missing index")
	}
	if err := a.ledger.Revoke(caller, ln.AgentID, client, *ln.Index); err != nil {
		return events.Event{}, err
	}
	return events.Event{
		Type:    events.TypeFeedbackRevoked,
		AgentID: ln.AgentID,
		Client:  client,
		Index:   *ln.Index,
		Block:   ln.Block,
	}, nil
}

func (a *applier) responseAppended(ln *Line) (events.Event, error) {
	caller, err := parseAddr("caller", ln.Caller)
	if err != nil {
		return events.Event{}, err
	}
	client, err := parseAddr("client", ln.Client)
	if err != nil {
		return events.Event{}, err
	}
	if ln.Index == nil {
		return events.Event{}, rejectf("missing index")
	}
	var responseHash registry.Hash
	if ln.ResponseHash != "" {
		responseHash, err = parseHash("responseHash", ln.ResponseHash)
		if err != nil {
			return events.Event{}, err
		}
	}
	if err := a.ledger.AppendResponse(caller, ln.AgentID, client, *ln.Index, ln.ResponseURI, responseHash); err != nil {
		return events.Event{}, err
	}
	return events.Event{
		Type:    events.TypeFeedbackResponded,
		AgentID: ln.AgentID,
		Client:  client,
		Index:   *ln.Index,
		Block:   ln.Block,
	}, nil
}

func (a *applier) validationRequest(ln *Line) (events.Event, error) {
	validator, err := parseAddr("validator", ln.Validator)
	if err != nil {
		return events.Event{}, err
	}
	requestHash, err := parseHash("requestHash", ln.RequestHash)
	if err != nil {
		return events.Event{}, err
	}
	if err := a.validation.CreateRequest(validator, ln.AgentID, ln.RequestURI, requestHash, ln.Block); err != nil {
		return events.Event{}, err
	}
	return events.Event{
		Type:        events.TypeValidationRequested,
		AgentID:     ln.AgentID,
		RequestHash: requestHash,
		Block:       ln.Block,
	}, nil
}

func (a *applier) validationResponse(ln *Line) (events.Event, error) {
	caller, err := parseAddr("caller", ln.Caller)
	if err != nil {
		return events.Event{}, err
	}
	requestHash, err := parseHash("requestHash", ln.RequestHash)
	if err != nil {
		return events.Event{}, err
	}
	var responseHash registry.Hash
	if ln.ResponseHash != "" {
		responseHash, err = parseHash("responseHash", ln.ResponseHash)
		if err != nil {
			return events.Event{}, err
		}
	}
	if err := a.validation.SubmitResponse(caller, requestHash, ln.Response, ln.ResponseURI, responseHash, ln.Tag); err != nil {
		return events.Event{}, err
	}
	return events.Event{
		Type:        events.TypeValidationResponded,
		AgentID:     ln.AgentID,
		RequestHash: requestHash,
		Block:       ln.Block,
	}, nil
}

func parseAddr(field, s string) (registry.Address, error) {
	if s == "" {
		return registry.Address{}, rejectf("missing %s", field)
	}
	a, err := registry.ParseAddress(s)
	if err != nil {
		return registry.Address{}, rejectErr("bad "+field, err)
	}
	return a, nil
}

func parseHash(field, s string) (registry.Hash, error) {
	if s == "" {
		return registry.Hash{}, rejectf("missing %s", field)
	}
	h, err := registry.ParseHash(s)
	if err != nil {
		return registry.Hash{}, rejectErr("bad "+field, err)
	}
	return h, nil
}
