package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

// Event is the envelope written to websocket clients
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	SentAt  time.Time   `json:"sent_at"`
}

// Client is one websocket connection. gorilla connections allow a single
// concurrent writer, so every write goes through mu.
type Client struct {
	UserID uuid.UUID
	conn   *websocket.Conn
	mu     sync.Mutex
}

// NewClient wraps an upgraded connection
func NewClient(userID uuid.UUID, conn *websocket.Conn) *Client {
	return &Client{UserID: userID, conn: conn}
}

// WriteJSON writes v with a deadline
func (c *Client) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Ping writes a ping control frame. The browser answers with a pong without
// any application code, which keeps an idle connection inside its read deadline.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Hub tracks connected clients per user and pushes events to them.
// Users without a live connection are skipped; nothing is queued.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]struct{}
	logger  *logrus.Logger
}

// NewHub creates an empty hub
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a connection for its user
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.UserID] == nil {
		h.clients[c.UserID] = make(map[*Client]struct{})
	}
	h.clients[c.UserID][c] = struct{}{}
}

// Unregister removes a connection
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[c.UserID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.UserID)
		}
	}
}

// Connected reports how many connections a user has open
func (h *Hub) Connected(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Publish sends the event to every connection of the given users.
// A connection that fails to accept the write is closed and dropped.
func (h *Hub) Publish(userIDs []uuid.UUID, eventType string, payload interface{}) {
	event := Event{Type: eventType, Payload: payload, SentAt: time.Now().UTC()}

	seen := make(map[uuid.UUID]struct{}, len(userIDs))
	var targets []*Client

	h.mu.RLock()
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		for c := range h.clients[id] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.WriteJSON(event); err != nil {
			h.logger.WithError(err).WithField("user_id", c.UserID).Debug("Dropping websocket client after failed write")
			h.Unregister(c)
			_ = c.Close()
		}
	}
}
