// Package ws pushes live engine events to dashboard clients over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Message types sent to clients.
const (
	TypeStatus   = "status"
	TypeTriangle = "triangle"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS and auth middleware in front of /ws.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type outbound struct {
	kind string
	data []byte
}

// subscribeMsg narrows the message types a client receives.
type subscribeMsg struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// Hub fans events out to connected clients. It also pushes a status
// snapshot on connect and every statusEvery while running.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}

	status      func() domain.BotStatus
	statusEvery time.Duration
	dropped     atomic.Int64
	logger      *slog.Logger

	mu sync.RWMutex
}

// NewHub creates a Hub. status may be nil.
func NewHub(status func() domain.BotStatus, statusEvery time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*client]bool),
		broadcast:   make(chan outbound, 256),
		register:    make(chan *client),
		unregister:  make(chan *client),
		done:        make(chan struct{}),
		status:      status,
		statusEvery: statusEvery,
		logger:      logger.With(slog.String("component", "ws_hub")),
	}
}

// Run is the hub event loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	var tick <-chan time.Time
	if h.status != nil && h.statusEvery > 0 {
		t := time.NewTicker(h.statusEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("clients", h.Clients()))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("clients", h.Clients()))

		case msg := <-h.broadcast:
			h.fanOut(msg)

		case <-tick:
			if data, err := encode(TypeStatus, h.status()); err == nil {
				h.fanOut(outbound{kind: TypeStatus, data: data})
			}
		}
	}
}

func (h *Hub) fanOut(msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(msg.kind) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			h.dropped.Add(1)
		}
	}
}

// PublishTriangle queues a lifecycle event for every subscribed client. It
// never blocks; events are dropped when the hub is backed up.
func (h *Hub) PublishTriangle(_ context.Context, ev domain.TriangleEvent) error {
	data, err := encode(TypeTriangle, ev)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- outbound{kind: TypeTriangle, data: data}:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded for slow consumers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{TypeStatus: true, TypeTriangle: true},
	}

	if h.status != nil {
		if data, err := encode(TypeStatus, h.status()); err == nil {
			c.send <- data
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func encode(kind string, payload any) ([]byte, error) {
	return json.Marshal(envelope{Type: kind, Payload: payload})
}

func (c *client) wants(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[kind]
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) != nil {
			continue
		}
		c.mu.Lock()
		for _, t := range sub.Subscribe {
			c.subs[t] = true
		}
		for _, t := range sub.Unsubscribe {
			delete(c.subs, t)
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
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
