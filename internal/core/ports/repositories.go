package ports

import (
	"context"

	"parley/internal/core/domain"
)

// MessageStore is the boundary to the external chat message persistence.
// Durability of a message is established by Save returning nil; delivery is a
// separate, later concern.
type MessageStore interface {
	Save(ctx context.Context, msg *domain.ChatMessage) error
	GetByID(ctx context.Context, id string) (*domain.ChatMessage, error)
	// ListConversation returns messages exchanged between two users, newest
	// first, paginated. page starts at 1.
	ListConversation(ctx context.Context, a, b domain.UserID, page, limit int) ([]*domain.ChatMessage, error)
	// UpdateStatus transitions a message status. It reports whether the stored
	// message actually changed, so callers can keep repeat calls idempotent.
	UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) (bool, error)
}

// RoomDirectory is the boundary to the external room metadata service. The
// registry never creates room metadata; it only checks existence and
// authorization, and discovers a user's standing memberships at login.
type RoomDirectory interface {
	RoomExists(ctx context.Context, roomID domain.RoomID) (bool, error)
	AuthorizeJoin(ctx context.Context, userID domain.UserID, roomID domain.RoomID) error
	RoomsForUser(ctx context.Context, userID domain.UserID) ([]domain.RoomID, error)
}

// RoomAdmin is the provisioning side of the room metadata service, exposed on
// the HTTP admin surface. Directories that proxy a fully external service do
// not implement it.
type RoomAdmin interface {
	// ProvisionRoom registers a room. An empty access list leaves it open to
	// any authenticated user.
	ProvisionRoom(ctx context.Context, roomID domain.RoomID, userIDs ...domain.UserID) error
	// GrantMembership records a standing membership, rejoined at login.
	GrantMembership(ctx context.Context, userID domain.UserID, roomID domain.RoomID) error
}

// Notifier hands a message off to the offline-notification collaborator.
// Fire and forget: failures are logged by callers, never surfaced to senders.
type Notifier interface {
	NotifyOffline(ctx context.Context, msg *domain.ChatMessage) error
}
