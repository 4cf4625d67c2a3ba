// Package client is a WebSocket load test client for the togedog chat
// gateway. It dials with gobwas/ws, waits for the connected event, and can
// join a room and send chat lines while tracking per-connection metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeJoin        = "join"
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected   = "connected"
	TypeAddMessage  = "add_message"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// AddMessage is the subset of an add_message event the load test reads.
type AddMessage struct {
	UserID    int64  `json:"user_id"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
	Time      string `json:"time"`
	System    bool   `json:"system"`
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	RateLimited      int64
	Errors           int64
}

// Client is one simulated chat user.
type Client struct {
	conn      net.Conn
	userID    int64
	connID    atomic.Value // string
	connected chan struct{}

	writeMu  sync.Mutex
	handlers sync.Map // type -> func(json.RawMessage)

	start       time.Time
	connectNano atomic.Int64
	received    atomic.Int64
	sent        atomic.Int64
	limited     atomic.Int64
	errors      atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects userID to the gateway at baseURL (e.g. ws://host:8080/ws).
// token is optional. The read loop starts immediately; use WaitConnected
// before joining.
func Dial(ctx context.Context, baseURL string, userID int64, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("userId", strconv.FormatInt(userID, 10))
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if br != nil {
		// The connected event may already sit in the handshake buffer.
		conn = &bufferedConn{Conn: conn, r: br}
	}

	c := &Client{
		conn:      conn,
		userID:    userID,
		connected: make(chan struct{}),
		start:     start,
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type bufferedConn struct {
	net.Conn
	r interface{ Read([]byte) (int, error) }
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// UserID returns the user this client connected as.
func (c *Client) UserID() int64 { return c.userID }

// ConnID returns the server-assigned connection id, or "" before connected.
func (c *Client) ConnID() string {
	v, _ := c.connID.Load().(string)
	return v
}

// WaitConnected blocks until the connected event arrives.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before connected event")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On registers a handler for a server message type, replacing any earlier
// one. Handlers run on the read loop goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers.Store(msgType, handler)
}

// Join enters roomID.
func (c *Client) Join(roomID int64, nickname string) error {
	return c.send(map[string]any{
		"type":     TypeJoin,
		"room":     roomID,
		"nickname": nickname,
		"userId":   c.userID,
	})
}

// Say sends a chat line to roomID. currentTime is relayed back untouched by
// the server, which the rooms scenario uses to carry the send timestamp.
func (c *Client) Say(roomID int64, text, currentTime string) error {
	return c.send(map[string]any{
		"type":        TypeSendMessage,
		"message":     text,
		"room":        roomID,
		"currentTime": currentTime,
		"userId":      c.userID,
	})
}

// Ping sends a keepalive ping.
func (c *Client) Ping() error {
	return c.send(map[string]string{"type": TypePing})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// GetMetrics returns a snapshot of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   time.Duration(c.connectNano.Load()),
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		RateLimited:      c.limited.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var env struct {
			Type   string `json:"type"`
			ConnID string `json:"conn_id"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			c.errors.Add(1)
			continue
		}

		switch env.Type {
		case TypeConnected:
			c.connID.Store(env.ConnID)
			c.connectNano.Store(int64(time.Since(c.start)))
			select {
			case <-c.connected:
			default:
				close(c.connected)
			}
		case TypeRateLimited:
			c.limited.Add(1)
		case TypeError:
			c.errors.Add(1)
		}

		if h, ok := c.handlers.Load(env.Type); ok {
			h.(func(json.RawMessage))(json.RawMessage(data))
		}
	}
}
