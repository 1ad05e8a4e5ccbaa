package domain

import "time"

// MessageStatus tracks delivery progression of a chat message.
type MessageStatus string

const (
	StatusNotDelivered MessageStatus = "NotDelivered"
	StatusDelivered    MessageStatus = "Delivered"
	StatusSeen         MessageStatus = "Seen"
)

// MessageType distinguishes payload kinds; the relay treats content opaquely.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// ChatMessage is owned by the external message store; the relay only reads and
// writes it through the MessageStore port.
type ChatMessage struct {
	ID         string        `json:"id"`
	SenderID   UserID        `json:"senderId"`
	ReceiverID UserID        `json:"receiverId"`
	Content    string        `json:"content"`
	Type       MessageType   `json:"type"`
	Status     MessageStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}
