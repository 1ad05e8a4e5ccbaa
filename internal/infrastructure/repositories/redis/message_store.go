package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"parley/internal/core/domain"
	"parley/internal/core/ports"
	"parley/pkg/distributed"

	"github.com/redis/go-redis/v9"
)

type RedisMessageStore struct {
	client *redis.Client
	prefix string
}

func NewRedisMessageStore(client *redis.Client) ports.MessageStore {
	return &RedisMessageStore{
		client: client,
		prefix: "parley:message:",
	}
}

func (r *RedisMessageStore) messageKey(id string) string {
	return r.prefix + id
}

// conversationKey is order-independent so both directions of a conversation
// index into the same list.
func (r *RedisMessageStore) conversationKey(a, b domain.UserID) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("parley:conv:%s:%s", a, b)
}

func (r *RedisMessageStore) Save(ctx context.Context, msg *domain.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := r.client.Set(ctx, r.messageKey(msg.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set message in Redis: %w", err)
	}

	// Conversation index is oldest-first; pagination reads from the tail.
	convKey := r.conversationKey(msg.SenderID, msg.ReceiverID)
	if err := r.client.RPush(ctx, convKey, msg.ID).Err(); err != nil {
		return fmt.Errorf("failed to index message in Redis: %w", err)
	}

	return nil
}

func (r *RedisMessageStore) GetByID(ctx context.Context, id string) (*domain.ChatMessage, error) {
	data, err := r.client.Get(ctx, r.messageKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message from Redis: %w", err)
	}

	var msg domain.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

func (r *RedisMessageStore) ListConversation(ctx context.Context, a, b domain.UserID, page, limit int) ([]*domain.ChatMessage, error) {
	convKey := r.conversationKey(a, b)

	total, err := r.client.LLen(ctx, convKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation length: %w", err)
	}

	// Newest first: page 1 is the tail of the list.
	end := total - int64(page-1)*int64(limit) - 1
	if end < 0 {
		return []*domain.ChatMessage{}, nil
	}
	start := end - int64(limit) + 1
	if start < 0 {
		start = 0
	}

	ids, err := r.client.LRange(ctx, convKey, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation index: %w", err)
	}

	messages := make([]*domain.ChatMessage, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		msg, err := r.GetByID(ctx, ids[i])
		if err == domain.ErrMessageNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *RedisMessageStore) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) (bool, error) {
	// Status moves through read-modify-write; the lock keeps concurrent
	// delivered/seen transitions from different instances from clobbering
	// each other.
	lock := distributed.NewLock(r.client, "parley:lock:message:"+id, 5*time.Second)
	if err := lock.Acquire(ctx, 2*time.Second); err != nil {
		return false, err
	}
	defer lock.Release(ctx)

	msg, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}

	if msg.Status == status {
		return false, nil
	}

	msg.Status = status
	msg.UpdatedAt = time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := r.client.Set(ctx, r.messageKey(id), data, 0).Err(); err != nil {
		return false, fmt.Errorf("failed to update message in Redis: %w", err)
	}
	return true, nil
}

var _ ports.MessageStore = (*RedisMessageStore)(nil)
