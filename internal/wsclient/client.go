// Package wsclient is a small WebSocket client for the matching protocol,
// used by the load generator and by end-to-end tests. It speaks the same
// gobwas/ws framing as the server and fans incoming frames out by type.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/peerprep/matching/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user connection.
type Client struct {
	conn     net.Conn
	writeMu  sync.Mutex
	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	frames   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to rawURL, passing token as the ?token query parameter when
// it is non-empty.
func Dial(ctx context.Context, rawURL, token string) (*Client, error) {
	if token != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("wsclient: parse url: %w", err)
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		frames:   make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send encodes msg as JSON and writes it as a text frame.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsclient: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Match enters the pool.
func (c *Client) Match(difficulties, tags []string) error {
	if difficulties == nil {
		difficulties = []string{}
	}
	if tags == nil {
		tags = []string{}
	}
	return c.Send(protocol.MatchMsg{Type: protocol.TypeMatch, Difficulties: difficulties, Tags: tags})
}

// Abort withdraws a pending request.
func (c *Client) Abort() error {
	return c.Send(protocol.AbortMsg{Type: protocol.TypeAbort})
}

// On registers a handler for a server message type, replacing any previous
// one. Handlers run on the read goroutine. Frames without a handler are
// delivered to Next instead.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Next returns the next unhandled frame, or an error when ctx ends or the
// connection closes first.
func (c *Client) Next(ctx context.Context) (string, json.RawMessage, error) {
	select {
	case data, ok := <-c.frames:
		if !ok {
			return "", nil, fmt.Errorf("wsclient: connection closed")
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return "", nil, fmt.Errorf("wsclient: decode frame: %w", err)
		}
		return env.Type, data, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Expect waits for the next unhandled frame and checks its type.
func (c *Client) Expect(ctx context.Context, msgType string) (json.RawMessage, error) {
	got, data, err := c.Next(ctx)
	if err != nil {
		return nil, err
	}
	if got != msgType {
		return data, fmt.Errorf("wsclient: expected %q, got %q: %s", msgType, got, data)
	}
	return data, nil
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is closed by either side.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer close(c.frames)
	defer c.Close()

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
			continue
		}
		select {
		case c.frames <- data:
		case <-c.done:
			return
		}
	}
}
