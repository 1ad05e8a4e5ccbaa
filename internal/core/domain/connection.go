package domain

import "sync"

type ConnectionID string

// Connection is the ephemeral handle for one live signaling session. It is
// created by the gateway on upgrade and destroyed on disconnect. Identity is
// attached lazily: a connection may stay unauthenticated for its whole life.
//
// Room membership is mirrored here from the room registry; the registry is the
// single writer of both sides, callers only read.
type Connection struct {
	ID ConnectionID

	mu       sync.RWMutex
	userID   UserID
	username string
	rooms    map[RoomID]struct{}
}

func NewConnection(id ConnectionID) *Connection {
	return &Connection{
		ID:    id,
		rooms: make(map[RoomID]struct{}),
	}
}

// SetIdentity attaches the authenticated user to the connection.
func (c *Connection) SetIdentity(userID UserID, username string) {
	c.mu.Lock()
	c.userID = userID
	c.username = username
	c.mu.Unlock()
}

// Identity returns the authenticated user, or ok=false when the connection
// has not authenticated yet.
func (c *Connection) Identity() (UserID, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.username, c.userID != ""
}

func (c *Connection) UserID() UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID != ""
}

// AddRoom records room membership. Only the room registry calls this.
func (c *Connection) AddRoom(roomID RoomID) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

// RemoveRoom drops room membership. Only the room registry calls this.
func (c *Connection) RemoveRoom(roomID RoomID) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *Connection) InRoom(roomID RoomID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms returns a snapshot of the joined room ids.
func (c *Connection) Rooms() []RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RoomID, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}
