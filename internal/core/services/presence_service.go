package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"parley/internal/core/domain"
	"parley/internal/core/ports"

	"go.uber.org/zap"
)

// Events emitted by the presence registry.
const (
	EventUserStatusChanged = "userStatusChanged"
	EventOnlineUsersList   = "onlineUsersList"
	EventUserTyping        = "userTyping"
)

// PresenceService is the process-wide registry of online users. At most one
// entry exists per user; a reconnect overwrites the connection id, so the
// freshest connection wins. Broadcasts are best effort with no ack or retry.
type PresenceService struct {
	mu      sync.RWMutex
	entries map[domain.UserID]*domain.PresenceEntry

	events ports.EventSink
	logger *zap.SugaredLogger
}

func NewPresenceService(events ports.EventSink, logger *zap.SugaredLogger) *PresenceService {
	return &PresenceService{
		entries: make(map[domain.UserID]*domain.PresenceEntry),
		events:  events,
		logger:  logger,
	}
}

// SetOnline registers the user as online. Idempotent; repeating it refreshes
// lastSeen and rebinds the connection.
func (s *PresenceService) SetOnline(ctx context.Context, userID domain.UserID, username string, connID domain.ConnectionID) {
	s.mu.Lock()
	prev, existed := s.entries[userID]
	s.entries[userID] = &domain.PresenceEntry{
		UserID:       userID,
		ConnectionID: connID,
		Username:     username,
		LastSeen:     time.Now(),
	}
	s.mu.Unlock()

	if existed && prev.ConnectionID != connID {
		s.logger.Infow("presence rebound to newer connection",
			"user_id", userID,
			"old_connection", prev.ConnectionID,
			"new_connection", connID,
		)
	}

	// Only the offline->online edge is broadcast.
	if !existed {
		s.events.Broadcast(EventUserStatusChanged, map[string]interface{}{
			"userId": userID,
			"status": "online",
		})
	}
}

// SetOffline removes the user's presence entry. A stale disconnect (the user
// already reconnected on another connection) is ignored.
func (s *PresenceService) SetOffline(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) {
	s.mu.Lock()
	entry, existed := s.entries[userID]
	if existed && entry.ConnectionID != connID {
		// Newer connection owns the entry now.
		s.mu.Unlock()
		return
	}
	delete(s.entries, userID)
	s.mu.Unlock()

	if existed {
		s.events.Broadcast(EventUserStatusChanged, map[string]interface{}{
			"userId": userID,
			"status": "offline",
		})
	}
}

// Typing routes the indicator to the receiver's current connection. Silently
// dropped when the receiver is offline; there is no queueing.
func (s *PresenceService) Typing(ctx context.Context, senderID, receiverID domain.UserID, isTyping bool) {
	connID, ok := s.ConnectionFor(receiverID)
	if !ok {
		return
	}
	s.events.Send(connID, EventUserTyping, map[string]interface{}{
		"userId":   senderID,
		"isTyping": isTyping,
	})
}

// OnlineUsers returns a stable-ordered snapshot of the registry.
func (s *PresenceService) OnlineUsers() []domain.PresenceEntry {
	s.mu.RLock()
	out := make([]domain.PresenceEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, *entry)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ConnectionFor resolves a user's current connection.
func (s *PresenceService) ConnectionFor(userID domain.UserID) (domain.ConnectionID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[userID]
	if !ok {
		return "", false
	}
	return entry.ConnectionID, true
}

var _ ports.Presence = (*PresenceService)(nil)
