package memory

import (
	"context"
	"sync"
	"time"

	"parley/internal/core/domain"
	"parley/internal/core/ports"
)

// MemoryMessageStore keeps chat messages in process memory. Suitable for a
// single instance; multi-instance deployments use the Redis store.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[string]*domain.ChatMessage
	// conversations holds message ids per user pair, oldest first.
	conversations map[string][]string
}

func NewMemoryMessageStore() ports.MessageStore {
	return &MemoryMessageStore{
		messages:      make(map[string]*domain.ChatMessage),
		conversations: make(map[string][]string),
	}
}

// conversationKey is order-independent so both directions land in one list.
func conversationKey(a, b domain.UserID) string {
	if a < b {
		return string(a) + ":" + string(b)
	}
	return string(b) + ":" + string(a)
}

func (s *MemoryMessageStore) Save(ctx context.Context, msg *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *msg
	s.messages[msg.ID] = &cp

	key := conversationKey(msg.SenderID, msg.ReceiverID)
	s.conversations[key] = append(s.conversations[key], msg.ID)
	return nil
}

func (s *MemoryMessageStore) GetByID(ctx context.Context, id string) (*domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, exists := s.messages[id]
	if !exists {
		return nil, domain.ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s *MemoryMessageStore) ListConversation(ctx context.Context, a, b domain.UserID, page, limit int) ([]*domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.conversations[conversationKey(a, b)]

	// Page newest first.
	start := (page - 1) * limit
	if start >= len(ids) {
		return nil, nil
	}
	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}

	out := make([]*domain.ChatMessage, 0, end-start)
	for i := 0; i < end-start; i++ {
		id := ids[len(ids)-1-start-i]
		if msg, ok := s.messages[id]; ok {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryMessageStore) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, exists := s.messages[id]
	if !exists {
		return false, domain.ErrMessageNotFound
	}
	if msg.Status == status {
		return false, nil
	}
	msg.Status = status
	msg.UpdatedAt = time.Now()
	return true, nil
}
