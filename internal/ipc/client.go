// Package ipc provides the client used by the Parent Coordinator to call
// the four enclave RPCs, and by an enclave to call into a peer during key
// exchange. The transport connection is supplied by the caller (a vsock
// dial on the host side, an accepted vsock connection wrapped as a client
// on the peer side) so this package stays agnostic of AF_VSOCK vs. TCP.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Common client errors.
var (
	ErrNotConnected   = errors.New("ipc: not connected")
	ErrConnectionLost = errors.New("ipc: connection lost")
	ErrTimeout        = errors.New("ipc: request timeout")
)

// RemoteError wraps an ErrorResponse returned by the remote side of Call,
// preserving its stable code so callers can classify the failure (e.g.
// against enclaveerr.FromCode) instead of parsing an error string.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ipc: %s: %s", e.Code, e.Message)
}

// Client is a request/response client over a single persistent connection.
type Client struct {
	mu   sync.RWMutex
	conn net.Conn

	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	requestTimeout time.Duration
}

// RequestClient wraps a net.Conn and starts its read loop. The caller has
// already dialed the connection (vsock.Dial, net.Dial, or an in-memory
// net.Pipe for tests).
func RequestClient(conn net.Conn, requestTimeout time.Duration) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		conn:           conn,
		pending:        make(map[uint32]chan *Message),
		ctx:            ctx,
		cancel:         cancel,
		requestTimeout: requestTimeout,
	}
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// Handshake performs the initial protocol handshake.
func (c *Client) Handshake(clientVersion string) (*HandshakeResponse, error) {
	msg, err := NewJSONMessage(MsgHandshake, c.nextReqID.Add(1), &HandshakeRequest{
		ClientVersion:   clientVersion,
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(msg)
	if err != nil {
		return nil, err
	}
	if resp.Header.Type != MsgHandshakeAck {
		return nil, fmt.Errorf("ipc: unexpected handshake response type: %d", resp.Header.Type)
	}

	var ack HandshakeResponse
	if err := resp.Decode(&ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Call sends a request of the given type and decodes the response payload
// into out. A response of type MsgError is translated into a Go error.
func (c *Client) Call(reqType MessageType, in any, out any) error {
	msg, err := NewJSONMessage(reqType, c.nextReqID.Add(1), in)
	if err != nil {
		return err
	}

	resp, err := c.do(msg)
	if err != nil {
		return err
	}

	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if decErr := resp.Decode(&errResp); decErr != nil {
			return fmt.Errorf("ipc: error response with unreadable payload: %w", decErr)
		}
		return &RemoteError{Code: errResp.Code, Message: errResp.Message}
	}

	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// Close shuts down the client and its read loop.
func (c *Client) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	return nil
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	c.connected.Store(false)

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected reports whether the underlying connection is still live.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) do(msg *Message) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	reqID := msg.Header.RequestID
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := msg.Write(conn); err != nil {
		c.close()
		return nil, fmt.Errorf("ipc: write request: %w", err)
	}

	timeout := c.requestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			c.close()
			return
		}

		if msg.Header.Type == MsgPong {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.Header.RequestID]
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	}
}
