package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"trustregd/internal/events"
	"trustregd/internal/logging"
	"trustregd/internal/metrics"
)

// Handler processes IPC messages.
type Handler interface {
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
	ChainID() uint64
	DevMode() bool
	Version() string
}

// Server is the IPC server that manages client connections.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	socketPath  string
	permissions os.FileMode
	handler     Handler
	clients     map[uint64]*Client
	subscribers map[uint64]*subscription

	maxConnections int
	readTimeout    time.Duration
	writeTimeout   time.Duration

	bus *events.Bus
	met *metrics.TrustregdMetrics
	log *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextClientID atomic.Uint64
	nextMsgID    atomic.Uint32
}

// Client represents a connected client.
type Client struct {
	mu           sync.Mutex
	ID           uint64
	conn         net.Conn
	Name         string
	Version      string
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
}

type subscription struct {
	types map[string]bool // empty means all
}

func (s *subscription) wants(ev events.Event) bool {
	return len(s.types) == 0 || s.types[string(ev.Type)]
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string
	Permissions    string // octal, e.g. "0600"
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// NewServer creates an IPC server. bus and met may be nil; without a bus
// subscriptions are accepted but never fire.
func NewServer(cfg ServerConfig, handler Handler, bus *events.Bus, met *metrics.TrustregdMetrics, log *logging.Logger) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("socket path is required")
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	perms := os.FileMode(0600)
	if cfg.Permissions != "" {
		parsed, err := strconv.ParseUint(cfg.Permissions, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("parse socket permissions: %w", err)
		}
		perms = os.FileMode(parsed)
	}
	if log == nil {
		log = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:     cfg.SocketPath,
		permissions:    perms,
		handler:        handler,
		clients:        make(map[uint64]*Client),
		subscribers:    make(map[uint64]*subscription),
		maxConnections: cfg.MaxConnections,
		readTimeout:    cfg.ReadTimeout,
		writeTimeout:   cfg.WriteTimeout,
		bus:            bus,
		met:            met,
		log:            log.WithComponent("ipc"),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Start begins listening for connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, s.permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	if s.bus != nil {
		ch, cancel := s.bus.Subscribe(64)
		s.wg.Add(1)
		go s.eventBroadcaster(ch, cancel)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		if ok, err := VerifyPeerIsCurrentUser(conn); err == nil && !ok {
			s.log.Warn("rejected connection from another user")
			conn.Close()
			continue
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()
		if count >= s.maxConnections {
			s.log.Warn("connection limit reached", "limit", s.maxConnections)
			conn.Close()
			continue
		}

		client := &Client{
			ID:           s.nextClientID.Add(1),
			conn:         conn,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()
		if s.met != nil {
			s.met.IPCConnections.Inc()
		}

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		client.conn.Close()
		if s.met != nil {
			s.met.IPCConnections.Dec()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.sendMessage(client, NewMessage(MsgPing, s.nextMsgID.Add(1), nil))
				continue
			}
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		start := time.Now()
		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrCodeInternal, err.Error())
		}
		if s.met != nil {
			s.met.QueriesTotal.Inc()
			s.met.QueryDuration.ObserveDuration(time.Since(start))
		}

		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgPong:
		return nil, nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgSubscribe:
		return s.handleSubscribe(client, msg)
	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)

	default:
		if s.handler == nil {
			return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "no handler"), nil
		}
		return s.handler.HandleMessage(s.ctx, client, msg)
	}
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "invalid handshake"), nil
	}

	client.mu.Lock()
	client.Name = req.ClientName
	client.Version = req.ClientVersion
	client.mu.Unlock()

	resp := &HandshakeResponse{
		ProtocolVersion: ProtocolVersion,
	}
	if s.handler != nil {
		resp.ServerVersion = s.handler.Version()
		resp.ChainID = s.handler.ChainID()
		resp.DevMode = s.handler.DevMode()
	}
	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "invalid subscribe request"), nil
	}

	sub := &subscription{types: make(map[string]bool, len(req.Types))}
	for _, t := range req.Types {
		sub.types[t] = true
	}

	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{Success: true})
}

func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.mu.Lock()
	delete(s.subscribers, client.ID)
	s.mu.Unlock()
	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

func (s *Server) eventBroadcaster(ch <-chan events.Event, cancel func()) {
	defer s.wg.Done()
	defer cancel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(ev)
		}
	}
}

func (s *Server) broadcast(ev events.Event) {
	payload, err := Encode(ev)
	if err != nil {
		return
	}

	s.mu.RLock()
	var targets []*Client
	for id, sub := range s.subscribers {
		if !sub.wants(ev) {
			continue
		}
		if client, ok := s.clients[id]; ok {
			targets = append(targets, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range targets {
		msg := NewMessage(MsgEvent, s.nextMsgID.Add(1), payload)
		s.sendMessage(client, msg)
	}
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return msg.Write(client.conn)
}
