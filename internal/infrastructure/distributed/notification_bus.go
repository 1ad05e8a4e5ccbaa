package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"parley/internal/core/domain"
	"parley/internal/core/ports"
	"parley/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const notificationChannel = "parley:notifications"

// Notification is the envelope published for messages addressed to users with
// no live connection. A push-delivery worker on any instance picks it up.
type Notification struct {
	InstanceID string        `json:"instance_id"`
	Timestamp  time.Time     `json:"timestamp"`
	UserID     domain.UserID `json:"user_id"`
	MessageID  string        `json:"message_id"`
	SenderID   domain.UserID `json:"sender_id"`
	Preview    string        `json:"preview,omitempty"`
}

// NotificationBus publishes offline-delivery notifications over Redis pub/sub
// so that a single delivery worker can serve every gateway instance.
type NotificationBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

func NewNotificationBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *NotificationBus {
	return &NotificationBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

// NotifyOffline publishes a notification for the message receiver.
func (b *NotificationBus) NotifyOffline(ctx context.Context, msg *domain.ChatMessage) error {
	n := Notification{
		InstanceID: b.instanceID,
		Timestamp:  time.Now(),
		UserID:     msg.ReceiverID,
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		Preview:    preview(msg),
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := b.client.Publish(ctx, notificationChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	b.logger.Debugw("published offline notification",
		"user_id", n.UserID,
		"message_id", n.MessageID,
	)

	return nil
}

// Subscribe consumes notifications and calls handler for each one. It blocks
// until ctx is cancelled. Notifications published by this instance are
// delivered too; delivery workers are expected to be instance-agnostic.
func (b *NotificationBus) Subscribe(ctx context.Context, handler func(*Notification) error) error {
	if b.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	b.pubsub = b.client.Subscribe(ctx, notificationChannel)
	defer b.pubsub.Close()

	ch := b.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				b.logger.Warnw("failed to unmarshal notification",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if err := handler(&n); err != nil {
				b.logger.Warnw("error handling notification",
					"user_id", n.UserID,
					"message_id", n.MessageID,
					"error", err,
				)
			}
		}
	}
}

// preview trims text content for the push payload; binary types carry none.
func preview(msg *domain.ChatMessage) string {
	if msg.Type != domain.MessageTypeText {
		return ""
	}
	return utils.TruncateString(msg.Content, 80)
}

// NoopNotifier drops notifications; used when Redis is disabled.
type NoopNotifier struct{}

func (NoopNotifier) NotifyOffline(ctx context.Context, msg *domain.ChatMessage) error {
	return nil
}

var (
	_ ports.Notifier = (*NotificationBus)(nil)
	_ ports.Notifier = NoopNotifier{}
)
