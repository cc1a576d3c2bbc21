package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"trustregd/internal/events"
)

// Common client errors.
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// ServerError is a coded error returned by the daemon.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// ClientConfig configures the IPC client.
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults for the given socket.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "trustregctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// IPCClient communicates with the trustregd daemon.
type IPCClient struct {
	mu     sync.Mutex
	conn   net.Conn
	config ClientConfig

	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	eventChan chan events.Event

	handshake HandshakeResponse

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates an IPC client.
func NewClient(cfg ClientConfig) *IPCClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &IPCClient{
		config:    cfg,
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan events.Event, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect establishes the connection and performs the handshake.
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.config.SocketPath)
	if err != nil {
		c.mu.Unlock()
		if os.IsNotExist(err) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop()

	var resp HandshakeResponse
	err = c.Call(MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &resp)
	if err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	c.mu.Lock()
	c.handshake = resp
	c.mu.Unlock()
	return nil
}

// Handshake returns the server's handshake response.
func (c *IPCClient) Handshake() HandshakeResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshake
}

// Close shuts the connection down.
func (c *IPCClient) Close() error {
	c.cancel()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
	c.mu.Unlock()

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()

	c.wg.Wait()
	return nil
}

// Events returns the channel of streamed registry events. Subscribe
// must be called first.
func (c *IPCClient) Events() <-chan events.Event {
	return c.eventChan
}

func (c *IPCClient) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		msg, err := ReadMessage(conn)
		if err != nil {
			c.connected.Store(false)
			return
		}

		switch msg.Header.Type {
		case MsgPing:
			c.send(NewMessage(MsgPong, msg.Header.RequestID, nil))
		case MsgEvent:
			var ev events.Event
			if Decode(msg.Payload, &ev) == nil {
				select {
				case c.eventChan <- ev:
				default:
				}
			}
		default:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.Header.RequestID]
			if ok {
				delete(c.pending, msg.Header.RequestID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (c *IPCClient) send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.RequestTimeout))
	return msg.Write(c.conn)
}

// Call sends a request and decodes the expected response type into out.
// An MsgError reply becomes a *ServerError.
func (c *IPCClient) Call(reqType MessageType, req any, respType MessageType, out any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	payload, err := Encode(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	id := c.nextReqID.Add(1)
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.send(NewMessage(reqType, id, payload)); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return err
	}

	timeout := c.config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-c.ctx.Done():
		return ErrNotConnected
	case <-time.After(timeout):
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ErrTimeout
	case msg, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if msg.Header.Type == MsgError {
			var errResp ErrorResponse
			if err := Decode(msg.Payload, &errResp); err != nil {
				return fmt.Errorf("decode error response: %w", err)
			}
			return &ServerError{Code: errResp.Code, Message: errResp.Message}
		}
		if msg.Header.Type != respType {
			return fmt.Errorf("unexpected response type %#x", uint16(msg.Header.Type))
		}
		if out == nil {
			return nil
		}
		return Decode(msg.Payload, out)
	}
}

// Status fetches daemon status.
func (c *IPCClient) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.Call(MsgStatusRequest, &StatusRequest{}, MsgStatusResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AgentGet fetches one agent by id.
func (c *IPCClient) AgentGet(agentID uint64) (*AgentInfo, error) {
	var resp AgentGetResponse
	if err := c.Call(MsgAgentGet, &AgentGetRequest{AgentID: agentID}, MsgAgentGetResp, &resp); err != nil {
		return nil, err
	}
	return &resp.Agent, nil
}

// AgentRegister registers an agent (dev mode only).
func (c *IPCClient) AgentRegister(owner, uri string) (uint64, error) {
	var resp AgentRegisterResponse
	err := c.Call(MsgAgentRegister, &AgentRegisterRequest{Owner: owner, URI: uri}, MsgAgentRegisterResp, &resp)
	return resp.AgentID, err
}

// FeedbackRead fetches one feedback entry.
func (c *IPCClient) FeedbackRead(agentID uint64, client string, index uint64) (*FeedbackInfo, error) {
	var resp FeedbackReadResponse
	req := &FeedbackReadRequest{AgentID: agentID, Client: client, Index: index}
	if err := c.Call(MsgFeedbackRead, req, MsgFeedbackReadResp, &resp); err != nil {
		return nil, err
	}
	return &resp.Entry, nil
}

// FeedbackReadAll fetches an agent's entries with a filter.
func (c *IPCClient) FeedbackReadAll(req *FeedbackReadAllRequest) ([]FeedbackInfo, error) {
	var resp FeedbackReadAllResponse
	if err := c.Call(MsgFeedbackReadAll, req, MsgFeedbackReadAllResp, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// FeedbackSummary fetches an aggregated summary.
func (c *IPCClient) FeedbackSummary(req *FeedbackSummaryRequest) (*FeedbackSummaryResponse, error) {
	var resp FeedbackSummaryResponse
	if err := c.Call(MsgFeedbackSummary, req, MsgFeedbackSummaryResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FeedbackGive appends feedback (dev mode only).
func (c *IPCClient) FeedbackGive(req *FeedbackGiveRequest) (uint64, error) {
	var resp FeedbackGiveResponse
	err := c.Call(MsgFeedbackGive, req, MsgFeedbackGiveResp, &resp)
	return resp.Index, err
}

// FeedbackRevoke revokes an entry (dev mode only).
func (c *IPCClient) FeedbackRevoke(req *FeedbackRevokeRequest) error {
	return c.Call(MsgFeedbackRevoke, req, MsgFeedbackRevokeResp, &FeedbackRevokeResponse{})
}

// FeedbackRespond appends an owner response (dev mode only).
func (c *IPCClient) FeedbackRespond(req *FeedbackRespondRequest) error {
	return c.Call(MsgFeedbackRespond, req, MsgFeedbackRespondResp, &FeedbackRespondResponse{})
}

// ValidationStatus fetches one validation request by hash.
func (c *IPCClient) ValidationStatus(requestHash string) (*ValidationInfo, error) {
	var resp ValidationStatusResponse
	req := &ValidationStatusRequest{RequestHash: requestHash}
	if err := c.Call(MsgValidationStatus, req, MsgValidationStatusResp, &resp); err != nil {
		return nil, err
	}
	return &resp.Request, nil
}

// ValidationSummary fetches a resolved-only aggregate.
func (c *IPCClient) ValidationSummary(req *ValidationSummaryRequest) (*ValidationSummaryResponse, error) {
	var resp ValidationSummaryResponse
	if err := c.Call(MsgValidationSummary, req, MsgValidationSummaryResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidationListByAgent lists request hashes for an agent.
func (c *IPCClient) ValidationListByAgent(agentID uint64) ([]string, error) {
	var resp ValidationListResponse
	req := &ValidationListRequest{AgentID: &agentID}
	if err := c.Call(MsgValidationList, req, MsgValidationListResp, &resp); err != nil {
		return nil, err
	}
	return resp.Hashes, nil
}

// ValidationListByValidator lists request hashes for a validator.
func (c *IPCClient) ValidationListByValidator(validator string) ([]string, error) {
	var resp ValidationListResponse
	req := &ValidationListRequest{Validator: validator}
	if err := c.Call(MsgValidationList, req, MsgValidationListResp, &resp); err != nil {
		return nil, err
	}
	return resp.Hashes, nil
}

// ValidationCreate creates a pending request (dev mode only).
func (c *IPCClient) ValidationCreate(req *ValidationCreateRequest) error {
	return c.Call(MsgValidationCreate, req, MsgValidationCreateResp, &ValidationCreateResponse{})
}

// ValidationRespond resolves a pending request (dev mode only).
func (c *IPCClient) ValidationRespond(req *ValidationRespondRequest) error {
	return c.Call(MsgValidationRespond, req, MsgValidationRespondResp, &ValidationRespondResponse{})
}

// Subscribe starts event streaming for the given types (empty = all).
func (c *IPCClient) Subscribe(types ...string) error {
	var resp SubscribeResponse
	return c.Call(MsgSubscribe, &SubscribeRequest{Types: types}, MsgSubscribeResp, &resp)
}

// Unsubscribe stops event streaming.
func (c *IPCClient) Unsubscribe() error {
	return c.Call(MsgUnsubscribe, &UnsubscribeRequest{}, MsgUnsubscribeResp, nil)
}
