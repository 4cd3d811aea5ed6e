package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-trainbot/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	clientQueueCap = 256
)

// Hub manages WebSocket clients and fans bus events out to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan types.Event
	mu         sync.RWMutex
	logger     *slog.Logger
}

// Client is one connected dashboard. A client may narrow its view to a
// set of bots with subscribe_bot messages; global events always pass.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	bots map[string]bool // empty = all bots
}

// NewHub creates the hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan types.Event, 256),
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run is the hub loop; call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("dashboard client connected", "count", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("dashboard client disconnected", "count", n)

		case evt := <-h.broadcast:
			h.deliver(evt)
		}
	}
}

// Broadcast queues an event for fan-out without blocking the caller.
func (h *Hub) Broadcast(evt types.Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", evt.Type)
	}
}

func (h *Hub) deliver(evt types.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal event failed", "type", evt.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(evt.BotID) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow client: drop this frame for it rather than stalling.
		}
	}
}

func (c *Client) wants(botID string) bool {
	if botID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bots) == 0 || c.bots[botID]
}

// clientMsg is an inbound control message from the dashboard.
type clientMsg struct {
	Type  string `json:"type"`
	BotID string `json:"bot_id,omitempty"`
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			c.enqueue(map[string]string{"type": "pong"})
		case "subscribe_bot":
			if msg.BotID != "" {
				c.mu.Lock()
				c.bots[msg.BotID] = true
				c.mu.Unlock()
			}
		case "unsubscribe_bot":
			c.mu.Lock()
			delete(c.bots, msg.BotID)
			c.mu.Unlock()
		}
	}
}

func (c *Client) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// NewClient registers a connection with the hub and starts its pumps.
// init is the snapshot frame sent before any broadcast reaches the
// client.
func NewClient(hub *Hub, conn *websocket.Conn, init types.Event) *Client {
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, clientQueueCap),
		bots: make(map[string]bool),
	}
	client.enqueue(init)
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
	return client
}
