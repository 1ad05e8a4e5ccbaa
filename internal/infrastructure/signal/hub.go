package signal

import (
	"sync"
	"time"

	"parley/internal/core/domain"
	"parley/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// client pairs a websocket with its write lock. gorilla permits one
// concurrent writer per connection; every frame leaving the process goes
// through writeJSON.
type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *client) writeJSON(v interface{}, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(v)
}

func (c *client) close() {
	c.mu.Lock()
	c.closed = true
	c.conn.Close()
	c.mu.Unlock()
}

// Hub owns the live connection map and is the event sink the services fan
// out through. Delivery is best effort: events to a vanished connection are
// dropped, a failed write disqualifies only that frame.
type Hub struct {
	mu      sync.RWMutex
	clients map[domain.ConnectionID]*client

	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

func NewHub(writeTimeout time.Duration, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:      make(map[domain.ConnectionID]*client),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (h *Hub) register(connID domain.ConnectionID, conn *websocket.Conn) *client {
	cl := &client{conn: conn}
	h.mu.Lock()
	h.clients[connID] = cl
	h.mu.Unlock()
	return cl
}

func (h *Hub) unregister(connID domain.ConnectionID) {
	h.mu.Lock()
	cl, ok := h.clients[connID]
	delete(h.clients, connID)
	h.mu.Unlock()
	if ok {
		cl.close()
	}
}

func (h *Hub) lookup(connID domain.ConnectionID) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cl, ok := h.clients[connID]
	return cl, ok
}

// Send delivers one event frame to a single connection.
func (h *Hub) Send(connID domain.ConnectionID, event string, payload any) {
	cl, ok := h.lookup(connID)
	if !ok {
		return
	}
	if err := cl.writeJSON(Event{Type: event, Payload: payload}, h.writeTimeout); err != nil {
		h.logger.Debugw("event write failed", "connection_id", connID, "event", event, "error", err)
	}
}

// Broadcast delivers one event frame to every live connection.
func (h *Hub) Broadcast(event string, payload any) {
	h.mu.RLock()
	targets := make(map[domain.ConnectionID]*client, len(h.clients))
	for id, cl := range h.clients {
		targets[id] = cl
	}
	h.mu.RUnlock()

	frame := Event{Type: event, Payload: payload}
	for id, cl := range targets {
		if err := cl.writeJSON(frame, h.writeTimeout); err != nil {
			h.logger.Debugw("broadcast write failed", "connection_id", id, "event", event, "error", err)
		}
	}
}

// Shutdown tells every client the server is going away and closes the
// sockets. Reader goroutines observe the close and run their normal teardown.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[domain.ConnectionID]*client)
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, cl := range clients {
		cl.mu.Lock()
		if !cl.closed {
			cl.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			cl.conn.WriteMessage(websocket.CloseMessage, msg)
		}
		cl.closed = true
		cl.conn.Close()
		cl.mu.Unlock()
	}
}

// Count reports the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var _ ports.EventSink = (*Hub)(nil)
