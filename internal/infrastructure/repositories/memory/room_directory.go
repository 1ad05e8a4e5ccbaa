package memory

import (
	"context"
	"sync"

	"parley/internal/core/domain"
	"parley/internal/core/ports"
)

// MemoryRoomDirectory is the in-process stand-in for the external room
// metadata service. Rooms are provisioned through the admin methods; a room
// with no access list is open to any authenticated user.
type MemoryRoomDirectory struct {
	mu sync.RWMutex
	// rooms maps room id to its access list; an empty list means open.
	rooms map[domain.RoomID]map[domain.UserID]struct{}
	// memberships maps a user to their standing rooms, rejoined at login.
	memberships map[domain.UserID]map[domain.RoomID]struct{}
}

func NewMemoryRoomDirectory() *MemoryRoomDirectory {
	return &MemoryRoomDirectory{
		rooms:       make(map[domain.RoomID]map[domain.UserID]struct{}),
		memberships: make(map[domain.UserID]map[domain.RoomID]struct{}),
	}
}

// ProvisionRoom registers a room, open to everyone when userIDs is empty.
func (d *MemoryRoomDirectory) ProvisionRoom(ctx context.Context, roomID domain.RoomID, userIDs ...domain.UserID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acl := make(map[domain.UserID]struct{}, len(userIDs))
	for _, id := range userIDs {
		acl[id] = struct{}{}
	}
	d.rooms[roomID] = acl
	return nil
}

// GrantMembership records a standing membership for rejoin at login.
func (d *MemoryRoomDirectory) GrantMembership(ctx context.Context, userID domain.UserID, roomID domain.RoomID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.memberships[userID]; !ok {
		d.memberships[userID] = make(map[domain.RoomID]struct{})
	}
	d.memberships[userID][roomID] = struct{}{}
	return nil
}

func (d *MemoryRoomDirectory) RoomExists(ctx context.Context, roomID domain.RoomID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, exists := d.rooms[roomID]
	return exists, nil
}

func (d *MemoryRoomDirectory) AuthorizeJoin(ctx context.Context, userID domain.UserID, roomID domain.RoomID) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	acl, exists := d.rooms[roomID]
	if !exists {
		return domain.ErrRoomNotFound
	}
	if len(acl) == 0 {
		return nil
	}
	if _, allowed := acl[userID]; !allowed {
		return domain.ErrNotRoomMember
	}
	return nil
}

func (d *MemoryRoomDirectory) RoomsForUser(ctx context.Context, userID domain.UserID) ([]domain.RoomID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rooms := d.memberships[userID]
	out := make([]domain.RoomID, 0, len(rooms))
	for roomID := range rooms {
		out = append(out, roomID)
	}
	return out, nil
}

var (
	_ ports.RoomDirectory = (*MemoryRoomDirectory)(nil)
	_ ports.RoomAdmin     = (*MemoryRoomDirectory)(nil)
)
