package services

import (
	"context"
	"time"

	"parley/internal/core/domain"
	"parley/internal/core/ports"
	"parley/pkg/retry"
	"parley/pkg/utils"
	"parley/pkg/validation"

	"go.uber.org/zap"
)

// EventReceiveMessage is pushed to the receiver's live connection when a
// direct message arrives.
const EventReceiveMessage = "receiveMessage"

// notifyRetry covers the offline-notification handoff. Delivery of the
// message itself never goes through here.
var notifyRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// MessageService relays direct chat messages between users. Persistence
// comes first: a message is written to the store before any delivery
// attempt, so a crash between the two loses delivery, never the message.
type MessageService struct {
	store    ports.MessageStore
	presence ports.Presence
	events   ports.EventSink
	notifier ports.Notifier
	logger   *zap.SugaredLogger
}

func NewMessageService(store ports.MessageStore, presence ports.Presence, events ports.EventSink, notifier ports.Notifier, logger *zap.SugaredLogger) *MessageService {
	return &MessageService{
		store:    store,
		presence: presence,
		events:   events,
		notifier: notifier,
		logger:   logger,
	}
}

// Send persists the message, delivers it to the receiver's connection when
// one exists, and returns the sender's receipt with the echoed tempId. A
// missing receiver is not an error; the receipt just carries delivered=false.
func (s *MessageService) Send(ctx context.Context, senderID domain.UserID, req ports.SendMessageRequest) (*ports.SendReceipt, error) {
	if err := validation.ValidateUserID(string(req.ReceiverID)); err != nil {
		return nil, err
	}
	content := utils.SanitizeString(req.Content)
	if err := validation.ValidateMessageContent(content); err != nil {
		return nil, err
	}
	msgType := req.Type
	if msgType == "" {
		msgType = domain.MessageTypeText
	}
	if !msgType.Valid() {
		return nil, domain.ErrInvalidMessageType
	}

	now := utils.Now()
	msg := &domain.ChatMessage{
		ID:         utils.GenerateMessageID(),
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Content:    content,
		Type:       msgType,
		Status:     domain.StatusNotDelivered,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Save(ctx, msg); err != nil {
		return nil, err
	}

	delivered := false
	if connID, online := s.presence.ConnectionFor(req.ReceiverID); online {
		s.events.Send(connID, EventReceiveMessage, msg)
		if _, err := s.store.UpdateStatus(ctx, msg.ID, domain.StatusDelivered); err != nil {
			s.logger.Warnw("delivery status update failed", "message_id", msg.ID, "error", err)
		} else {
			msg.Status = domain.StatusDelivered
		}
		delivered = true
	} else {
		s.notifyOffline(msg)
	}

	s.logger.Infow("message relayed",
		"message_id", msg.ID,
		"sender_id", senderID,
		"receiver_id", req.ReceiverID,
		"delivered", delivered,
	)
	return &ports.SendReceipt{Message: msg, Delivered: delivered, TempID: req.TempID}, nil
}

// notifyOffline hands the message to the notification collaborator in the
// background. Failures are logged and dropped; durability already happened.
func (s *MessageService) notifyOffline(msg *domain.ChatMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := retry.Do(ctx, notifyRetry, func() error {
			return s.notifier.NotifyOffline(ctx, msg)
		})
		if err != nil {
			s.logger.Warnw("offline notification failed",
				"message_id", msg.ID,
				"receiver_id", msg.ReceiverID,
				"error", err,
			)
		}
	}()
}

// MarkAsRead marks a delivered message as seen. Only the recorded receiver
// may do so; repeating the call is a no-op.
func (s *MessageService) MarkAsRead(ctx context.Context, messageID string, readerID domain.UserID) error {
	msg, err := s.store.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.ReceiverID != readerID {
		return domain.ErrNotMessageReceiver
	}
	changed, err := s.store.UpdateStatus(ctx, messageID, domain.StatusSeen)
	if err != nil {
		return err
	}
	if changed {
		s.logger.Debugw("message marked as read", "message_id", messageID, "reader_id", readerID)
	}
	return nil
}

// History pages through the conversation between two users, newest first.
func (s *MessageService) History(ctx context.Context, userID, otherID domain.UserID, page, limit int) ([]*domain.ChatMessage, error) {
	page, limit, err := validation.ValidatePagination(page, limit)
	if err != nil {
		return nil, err
	}
	return s.store.ListConversation(ctx, userID, otherID, page, limit)
}

var _ ports.MessageRelay = (*MessageService)(nil)
