// Package hub serves tabs to remote surfaces over websockets. Clients
// attach to tabs, send keystrokes, lines, resizes and control keys, and
// receive batched output and tab status.
package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/flowterm/internal/tab"
)

const defaultBatchInterval = 50 * time.Millisecond

type Hub struct {
	ctrl   Controller
	token  string
	logger *slog.Logger

	clients    map[string]*Client
	register   chan *clientRegistration
	unregister chan *Client
	broadcast  chan hubBroadcast
	mu         sync.RWMutex

	tabs   []tab.Info
	tabsMu sync.RWMutex

	rateLimiter  *RateLimiter
	batchEnabled atomic.Bool
	running      atomic.Bool
}

type clientRegistration struct {
	client      *Client
	initialTabs []byte
}

type Options struct {
	Token string
	// BatchInterval is how long output is held to be sent in one frame.
	BatchInterval time.Duration
	Logger        *slog.Logger
}

func New(ctrl Controller, opts Options) *Hub {
	h := &Hub{
		ctrl:       ctrl,
		token:      opts.Token,
		logger:     opts.Logger,
		clients:    make(map[string]*Client),
		register:   make(chan *clientRegistration, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan hubBroadcast, 256),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	interval := opts.BatchInterval
	if interval <= 0 {
		interval = defaultBatchInterval
	}
	h.batchEnabled.Store(true)
	h.rateLimiter = NewRateLimiter(interval, func(tabID string, msg OutputMessage) {
		h.sendOutput(msg)
	})
	if ctrl != nil {
		h.tabs = ctrl.List()
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.rateLimiter.FlushAll()
			h.mu.Lock()
			for _, c := range h.clients {
				c.close()
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			if reg.initialTabs != nil {
				reg.client.enqueue(reg.initialTabs)
			}
			go reg.client.writePump(ctx)
			go reg.client.readPump(ctx)
			h.logger.Info("client connected", "client_id", reg.client.id, "clients", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.close()
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", "client_id", client.id, "clients", h.ClientCount())

		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

func (h *Hub) broadcastToClients(msg hubBroadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wantsTab(msg.tabID) {
			continue
		}
		if !c.enqueue(msg.data) {
			h.logger.Warn("client send buffer full, dropping message", "client_id", c.id)
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	client := newClient(conn, h)
	initialTabs, _ := json.Marshal(TabsMessage{Type: "tabs", List: h.Tabs()})

	select {
	case h.register <- &clientRegistration{client: client, initialTabs: initialTabs}:
	default:
		h.logger.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

// Tabs returns the last tab list seen.
func (h *Hub) Tabs() []tab.Info {
	h.tabsMu.RLock()
	defer h.tabsMu.RUnlock()
	list := make([]tab.Info, len(h.tabs))
	copy(list, h.tabs)
	return list
}

// TabOutput implements tab.Sink.
func (h *Hub) TabOutput(tabID string, data []byte) {
	if h.batchEnabled.Load() {
		h.rateLimiter.Add(tabID, data)
		return
	}
	h.sendOutput(OutputMessage{Type: "output", Tab: tabID, Text: string(data), Ts: time.Now().UnixMilli()})
}

// TabStatus implements tab.Sink. Buffered output of the tab goes out first.
func (h *Hub) TabStatus(info tab.Info) {
	h.rateLimiter.Flush(info.ID)
	h.send(StatusMessage{Type: "status", Tab: info}, "")
}

// TabsChanged implements tab.Sink.
func (h *Hub) TabsChanged(tabs []tab.Info) {
	h.tabsMu.Lock()
	h.tabs = tabs
	h.tabsMu.Unlock()
	h.send(TabsMessage{Type: "tabs", List: tabs}, "")
}

func (h *Hub) sendOutput(msg OutputMessage) {
	h.send(msg, msg.Tab)
}

func (h *Hub) send(msg any, tabID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal hub message", "error", err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data, tabID: tabID}:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "tab_id", tabID)
	}
}

func (h *Hub) SendError(client *Client, tabID, message string) {
	data, err := json.Marshal(ErrorMessage{Type: "error", Tab: tabID, Message: message})
	if err != nil {
		return
	}
	client.enqueue(data)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) SetBatchEnabled(enabled bool) {
	h.batchEnabled.Store(enabled)
}

func (h *Hub) FlushPendingOutput() {
	h.rateLimiter.FlushAll()
}

func (h *Hub) handleMessage(ctx context.Context, c *Client, msg ClientMessage) {
	if h.ctrl == nil {
		h.SendError(c, msg.Tab, "no tabs available")
		return
	}
	var err error
	switch msg.Type {
	case TypeAttach:
		err = h.attach(c, msg.Tab)
	case TypeInput:
		if msg.Data != "" {
			err = h.ctrl.Input(msg.Tab, []byte(msg.Data))
		}
	case TypeLine:
		err = h.ctrl.Line(msg.Tab, msg.Line)
	case TypeResize:
		err = h.ctrl.Resize(msg.Tab, msg.Rows, msg.Cols)
	case TypeControl:
		if msg.Code != "" {
			err = h.ctrl.Control(msg.Tab, msg.Code)
		}
	case TypeNewTab:
		var id string
		if id, err = h.ctrl.Open(ctx, msg.Profile, msg.Title); err == nil {
			err = h.attach(c, id)
		}
	case TypeCloseTab:
		c.detach(msg.Tab)
		err = h.ctrl.Close(ctx, msg.Tab)
	case TypeRestart:
		err = h.ctrl.Restart(ctx, msg.Tab)
	default:
		err = errors.New("unknown message type: " + msg.Type)
	}
	if err != nil {
		h.logger.Debug("client message failed", "client_id", c.id, "type", msg.Type, "tab_id", msg.Tab, "error", err)
		h.SendError(c, msg.Tab, err.Error())
	}
}

// attach replays the tab's scrollback to c and subscribes it to further
// output.
func (h *Hub) attach(c *Client, tabID string) error {
	h.rateLimiter.Flush(tabID)
	scroll, err := h.ctrl.Attach(tabID)
	if err != nil {
		return err
	}
	if len(scroll) > 0 {
		data, err := json.Marshal(OutputMessage{Type: "output", Tab: tabID, Text: string(scroll), Replay: true, Ts: time.Now().UnixMilli()})
		if err != nil {
			return err
		}
		c.enqueue(data)
	}
	c.attach(tabID)
	return nil
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.close()
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		h.logger.Warn("unregister channel full, forcing close", "client_id", c.id)
		c.close()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
