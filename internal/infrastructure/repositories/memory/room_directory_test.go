package memory

import (
	"context"
	"sort"
	"testing"

	"parley/internal/core/domain"
)

func TestAuthorizeJoin(t *testing.T) {
	dir := NewMemoryRoomDirectory()
	ctx := context.Background()
	if err := dir.ProvisionRoom(ctx, "open-room"); err != nil {
		t.Fatalf("ProvisionRoom() error = %v", err)
	}
	if err := dir.ProvisionRoom(ctx, "private-room", "alice", "bob"); err != nil {
		t.Fatalf("ProvisionRoom() error = %v", err)
	}

	tests := []struct {
		name    string
		userID  domain.UserID
		roomID  domain.RoomID
		wantErr error
	}{
		{"open room admits anyone", "carol", "open-room", nil},
		{"listed user admitted", "alice", "private-room", nil},
		{"unlisted user rejected", "carol", "private-room", domain.ErrNotRoomMember},
		{"unknown room", "alice", "no-such-room", domain.ErrRoomNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := dir.AuthorizeJoin(ctx, tt.userID, tt.roomID); err != tt.wantErr {
				t.Errorf("AuthorizeJoin() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoomExists(t *testing.T) {
	dir := NewMemoryRoomDirectory()
	ctx := context.Background()
	if err := dir.ProvisionRoom(ctx, "room1"); err != nil {
		t.Fatalf("ProvisionRoom() error = %v", err)
	}

	exists, err := dir.RoomExists(ctx, "room1")
	if err != nil || !exists {
		t.Errorf("RoomExists(room1) = (%v, %v), want (true, nil)", exists, err)
	}
	exists, err = dir.RoomExists(ctx, "room2")
	if err != nil || exists {
		t.Errorf("RoomExists(room2) = (%v, %v), want (false, nil)", exists, err)
	}
}

func TestRoomsForUser(t *testing.T) {
	dir := NewMemoryRoomDirectory()
	ctx := context.Background()
	for _, roomID := range []domain.RoomID{"room1", "room2", "room2"} { // repeat grant is a no-op
		if err := dir.GrantMembership(ctx, "alice", roomID); err != nil {
			t.Fatalf("GrantMembership() error = %v", err)
		}
	}

	rooms, err := dir.RoomsForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("RoomsForUser() error = %v", err)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	if len(rooms) != 2 || rooms[0] != "room1" || rooms[1] != "room2" {
		t.Errorf("RoomsForUser() = %v, want [room1 room2]", rooms)
	}

	rooms, err = dir.RoomsForUser(ctx, "nobody")
	if err != nil || len(rooms) != 0 {
		t.Errorf("RoomsForUser(nobody) = (%v, %v), want empty", rooms, err)
	}
}
