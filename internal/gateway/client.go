package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
	"github.com/agentdock/agentdock/pkg/ws"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound queue bound per connection
	maxQueue = 256
)

type outFrame struct {
	data     []byte
	critical bool
}

// Client is one websocket connection. Its outbound queue is bounded: on
// overflow the oldest text/thinking event is dropped first; a connection
// too slow even for structural events is closed rather than silently
// losing them.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	mu       sync.Mutex
	queue    []outFrame
	closed   bool
	done     chan struct{}
	notify   chan struct{}
	dropped  int
	shutOnce sync.Once

	// attachments holds the session ids this client observes. Guarded by
	// the hub's lock.
	attachments map[string]bool

	logger *logger.Logger
}

func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:          id,
		conn:        conn,
		hub:         hub,
		done:        make(chan struct{}),
		notify:      make(chan struct{}, 1),
		attachments: make(map[string]bool),
		logger:      log.WithFields(zap.String("client_id", id)),
	}
}

// ID implements ws.Conn.
func (c *Client) ID() string {
	return c.id
}

// isCritical reports whether an event must never be dropped silently.
// Only live text/thinking chunks are expendable; a reconnecting client
// recovers them from history.
func isCritical(event any) bool {
	switch event.(type) {
	case v1.TextOutputEvent, v1.ThinkingOutputEvent:
		return false
	default:
		return true
	}
}

// Enqueue implements ws.Conn. It reports false when the frame was dropped.
func (c *Client) Enqueue(event any) bool {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to marshal event", zap.Error(err))
		return false
	}
	critical := isCritical(event)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	if len(c.queue) >= maxQueue {
		evicted := false
		for i := range c.queue {
			if !c.queue[i].critical {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				c.dropped++
				evicted = true
				break
			}
		}
		if !evicted {
			if critical {
				// A backlog of structural events means the client is
				// effectively dead; close instead of losing the frame.
				c.mu.Unlock()
				c.logger.Warn("closing slow client with critical backlog")
				c.shutdown()
				return false
			}
			c.dropped++
			c.mu.Unlock()
			return false
		}
	}

	c.queue = append(c.queue, outFrame{data: data, critical: critical})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// shutdown marks the client closed and wakes the write pump so it can
// send a close frame. Safe to call more than once.
func (c *Client) shutdown() {
	c.shutOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) pop() (outFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return outFrame{}, false
	}
	frame := c.queue[0]
	c.queue = c.queue[1:]
	return frame, true
}

// ReadPump reads inbound frames and dispatches them. Command handling
// runs asynchronously so a slow session cannot starve the read loop.
func (c *Client) ReadPump(ctx context.Context, dispatch func(context.Context, *Client, *ws.Frame)) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		frame, err := ws.ParseFrame(message)
		if err != nil {
			c.Enqueue(v1.ErrorEvent{
				Type:    v1.EventError,
				Code:    v1.ErrProtocol,
				Message: err.Error(),
			})
			continue
		}

		go dispatch(ctx, c, frame)
	}
}

// WritePump drains the outbound queue onto the connection and keeps the
// peer alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.notify:
			for {
				frame, ok := c.pop()
				if !ok {
					break
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
					return
				}
			}

		case <-c.done:
			// Flush whatever is left, then close.
			for {
				frame, ok := c.pop()
				if !ok {
					break
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
					return
				}
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
