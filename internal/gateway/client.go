package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Client is one WebSocket subscriber. The gateway only pushes; inbound
// messages are read to service control frames and otherwise discarded.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan protocol.Frame
	seq  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan protocol.Frame, sendBufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// SendEvent queues an event frame. Slow clients drop frames rather than
// blocking the broadcaster.
func (c *Client) SendEvent(name string, payload any) {
	f := protocol.Frame{Type: protocol.FrameTypeEvent, Event: name, Payload: payload, Seq: c.seq.Add(1)}
	select {
	case <-c.done:
	case c.send <- f:
	default:
		slog.Warn("gateway.client_slow", "id", c.id, "event", name)
	}
}

// Run pumps frames until ctx ends or the connection fails.
func (c *Client) Run(ctx context.Context) {
	go c.readLoop()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				slog.Debug("gateway.write_failed", "id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
