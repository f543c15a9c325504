package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	readLimit    = 32768
	pingInterval = 30 * time.Second
)

type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// done is closed when the hub drops the client. send is never closed
	// so that readPump can reply without racing the hub.
	done      chan struct{}
	closeOnce sync.Once

	subMu    sync.RWMutex
	attached map[string]struct{}
}

func newClient(conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      hub,
		done:     make(chan struct{}),
		attached: make(map[string]struct{}),
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(readLimit)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				c.hub.logger.Debug("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("invalid client message", "client_id", c.id, "error", err)
			c.hub.SendError(c, "", "invalid message format")
			continue
		}
		c.hub.handleMessage(ctx, c, msg)
	}
}

func (c *Client) attach(tabID string) {
	c.subMu.Lock()
	c.attached[tabID] = struct{}{}
	c.subMu.Unlock()
}

func (c *Client) detach(tabID string) {
	c.subMu.Lock()
	delete(c.attached, tabID)
	c.subMu.Unlock()
}

func (c *Client) wantsTab(tabID string) bool {
	if tabID == "" {
		return true
	}
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.attached[tabID]
	return ok
}

// enqueue queues a frame without blocking. It reports false when the
// buffer is full or the client is gone.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case msg := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}
