// Package hubws provides the outbound WebSocket session client used by the
// Hub Connection Manager to maintain one independent session per hub
// endpoint.
package hubws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// InboundMessage is a raw frame received from a hub endpoint, handed to the
// Hub Connection Manager's dispatcher.
type InboundMessage struct {
	Data []byte
	Err  error
}

// Client is one outbound WebSocket session to a single hub endpoint.
//
// Grounded on MrWong99-glyphoxa's Gemini Live provider
// (pkg/provider/s2s/gemini/gemini.go): websocket.Dial with a DialOptions
// header map, a read-loop goroutine pushing decoded frames onto a channel,
// and a separate keepalive-ping loop, both cancelled via a session-owned
// context. There is no outbound WebSocket client elsewhere in this
// codebase, so this component is new; the coder/websocket usage pattern
// is adopted wholesale from the Gemini provider since it is the only
// reference exercising that library as a client.
type Client struct {
	endpointURL string
	headers     http.Header
	logger      *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	inbound  chan InboundMessage
	closed   bool
	doneOnce sync.Once
	done     chan struct{}
}

// New builds a hub WebSocket client for one endpoint. headers is typically
// used to carry an authentication token configured for the endpoint.
func New(endpointURL string, headers http.Header, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpointURL: endpointURL,
		headers:     headers,
		logger:      logger,
		inbound:     make(chan InboundMessage, 64),
		done:        make(chan struct{}),
	}
}

// Connect dials the endpoint and starts the read and keepalive loops.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.endpointURL, &websocket.DialOptions{
		HTTPHeader: c.headers,
	})
	if err != nil {
		return fmt.Errorf("hubws: dial %s: %w", c.endpointURL, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.ctx = sessCtx
	c.cancel = cancel
	c.closed = false
	c.mu.Unlock()

	go c.readLoop()
	go c.keepaliveLoop()
	return nil
}

// Inbound returns the channel on which received frames (or a terminal read
// error) are delivered. Closed when the read loop exits.
func (c *Client) Inbound() <-chan InboundMessage {
	return c.inbound
}

func (c *Client) readLoop() {
	defer close(c.inbound)

	c.mu.Lock()
	conn := c.conn
	ctx := c.ctx
	c.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // session closed deliberately
			}
			c.inbound <- InboundMessage{Err: err}
			return
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		c.inbound <- InboundMessage{Data: cp}
	}
}

func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	c.mu.Lock()
	conn := c.conn
	ctx := c.ctx
	c.mu.Unlock()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			if err := conn.Ping(pingCtx); err != nil {
				c.logger.Warn("hubws: ping failed", "endpoint", c.endpointURL, "error", err)
			}
			cancel()
		}
	}
}

// Send writes data as a single text frame.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("hubws: not connected")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close tears down the session. Idempotent and safe to call concurrently
// with Send/readLoop.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.closed = true
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}

// IsConnected reports whether the session has an active connection and has
// not been explicitly closed.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}
