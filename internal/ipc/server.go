package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler processes IPC messages.
type Handler interface {
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server accepts vsock connections from the Parent Coordinator (or, during
// key exchange, from peer enclaves) and dispatches messages to a Handler.
type Server struct {
	mu       sync.RWMutex
	listener net.Listener
	handler  Handler
	clients  map[string]*Client
	version  string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
}

// Client represents a connected peer.
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	Version        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Version:        "1.0.0",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 32,
	}
}

// NewServer creates a new IPC server around an already-listening net.Listener.
// Callers construct the listener themselves (vsock.Listen on the enclave
// side, net.Listen on a host-side peer) so that Server stays transport
// agnostic.
func NewServer(listener net.Listener, cfg ServerConfig, handler Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		listener: listener,
		handler:  handler,
		version:  cfg.Version,
		clients:  make(map[string]*Client),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins accepting connections. It returns immediately; Stop blocks
// until all in-flight connections have drained or a timeout elapses.
func (s *Server) Start() error {
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

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

	return nil
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

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()

		if count >= 32 {
			conn.Close()
			continue
		}

		client := &Client{
			ID:           uuid.NewString(),
			conn:         conn,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.sendPing(client)
				continue
			}
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, "internal_error", err.Error())
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

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	default:
		if s.handler != nil {
			return s.handler.HandleMessage(s.ctx, client, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, "invalid_request", "no handler registered"), nil
	}
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := msg.Decode(&req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, "invalid_request", "malformed handshake"), nil
	}

	resp := &HandshakeResponse{
		ServerVersion:   s.version,
		ProtocolVersion: ProtocolVersion,
	}

	out, err := NewJSONMessage(MsgHandshakeAck, msg.Header.RequestID, resp)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(client.conn)
}

func (s *Server) sendPing(client *Client) {
	msg := NewMessage(MsgPing, s.nextRequestID.Add(1), nil)
	s.sendMessage(client, msg)
}

// NewErrorMessage builds an error response message.
func NewErrorMessage(requestID uint32, code, message string) *Message {
	resp := &ErrorResponse{Code: code, Message: message}
	out, err := NewJSONMessage(MsgError, requestID, resp)
	if err != nil {
		return NewMessage(MsgError, requestID, nil)
	}
	return out
}

// NewResponse encodes v as JSON and wraps it in a response message. If
// encoding fails it returns the encoding error and no message.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	return NewJSONMessage(msgType, requestID, v)
}
