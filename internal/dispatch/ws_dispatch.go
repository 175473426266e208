package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/emergency-connect/internal/models"
	"github.com/example/emergency-connect/internal/observability"
)

// HubConfig tunes the heartbeat and per-client buffering.
type HubConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
}

func (c HubConfig) withDefaults() HubConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Client is one subscriber. Its scopes are derived from its identity at
// join time and never change.
type Client struct {
	ID       string
	Identity models.Identity
	scopes   []string
	send     chan []byte
	once     sync.Once
}

func NewClient(id models.Identity, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:       uuid.NewString(),
		Identity: id,
		scopes:   ScopesFor(id),
		send:     make(chan []byte, buffer),
	}
}

// Messages exposes queued frames. The channel closes when the client leaves.
func (c *Client) Messages() <-chan []byte { return c.send }

func (c *Client) close() { c.once.Do(func() { close(c.send) }) }

// Hub routes events to clients joined to matching scopes.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}

	cfg      HubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
		cfg:     cfg.withDefaults(),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) Join(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	for _, s := range c.scopes {
		room, ok := h.rooms[s]
		if !ok {
			room = make(map[*Client]struct{})
			h.rooms[s] = room
		}
		room[c] = struct{}{}
	}
	observability.WSConnections.Inc()
	h.logger.Debug("ws client joined", "client", c.ID, "user_id", c.Identity.UserID, "role", c.Identity.Role)
}

func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for _, s := range c.scopes {
		if room, ok := h.rooms[s]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, s)
			}
		}
	}
	c.close()
	observability.WSConnections.Dec()
	h.logger.Debug("ws client left", "client", c.ID)
}

// Send implements Sink. A full client buffer drops the frame for that client.
func (h *Hub) Send(_ context.Context, scopes []string, ev Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := make(map[*Client]struct{})
	for _, s := range scopes {
		for c := range h.rooms[s] {
			if _, ok := delivered[c]; ok {
				continue
			}
			delivered[c] = struct{}{}
			select {
			case c.send <- frame:
			default:
				observability.MessagesDropped.Inc()
				h.logger.Warn("ws buffer full, dropping message", "client", c.ID, "event", ev.Type)
			}
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomSize(scope string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[scope])
}

// ServeWS upgrades an authenticated request and blocks until the connection
// closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, id models.Identity) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := NewClient(id, h.cfg.SendBuffer)
	h.Join(c)
	go h.writePump(c, conn)
	h.readPump(c, conn)
	return nil
}

func (h *Hub) readPump(c *Client, conn *websocket.Conn) {
	defer func() {
		h.Leave(c)
		conn.Close()
	}()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws read error", "client", c.ID, "error", err)
			}
			return
		}
		h.handleMessage(c, msg)
	}
}

// handleMessage answers application level pings. Subscriptions are fixed by
// identity so nothing else is accepted from clients.
func (h *Hub) handleMessage(c *Client, msg []byte) {
	var in struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &in); err != nil || in.Type != "ping" {
		return
	}
	frame, _ := json.Marshal(Event{Type: EventPong, Timestamp: time.Now().UTC()})
	select {
	case c.send <- frame:
	default:
	}
}

func (h *Hub) writePump(c *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
