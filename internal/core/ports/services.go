package ports

import (
	"context"
	"encoding/json"

	"parley/internal/core/domain"
)

// EventSink delivers server-initiated events to live connections. The
// signaling gateway implements it; services stay transport-agnostic.
// Delivery is best effort: a send to a vanished connection is dropped.
type EventSink interface {
	Send(connID domain.ConnectionID, event string, payload any)
	Broadcast(event string, payload any)
}

// TransportOptions selects the direction(s) of a transport to be created on
// the SFU engine. SCTP capabilities are passed through opaquely.
type TransportOptions struct {
	Producing        bool            `json:"producing"`
	Consuming        bool            `json:"consuming"`
	SCTPCapabilities json.RawMessage `json:"sctpCapabilities,omitempty"`
}

// TransportInfo carries the engine's transport parameters back to the client
// untouched; only the id is interpreted locally.
type TransportInfo struct {
	ID     domain.TransportID `json:"id"`
	Params json.RawMessage    `json:"params"`
}

// ConsumerInfo is the engine's answer to a consume request. The consumer
// starts paused; resuming is a client-driven step outside this subsystem.
type ConsumerInfo struct {
	ID            string            `json:"id"`
	ProducerID    domain.ProducerID `json:"producerId"`
	Kind          domain.MediaKind  `json:"kind"`
	RTPParameters json.RawMessage   `json:"rtpParameters"`
}

// SFUControl is the control API of the external media relay engine. All
// transports, producers, consumers and per-room routers live on the engine;
// this subsystem only mirrors ids.
//
// Implementations must map engine failures onto the domain taxonomy:
// unreachable engine or 5xx -> domain.ErrUpstreamUnavailable, unknown room or
// producer -> the respective not-found sentinel, capability mismatch ->
// domain.ErrIncompatibleCapabilities. Calls are not retried automatically.
type SFUControl interface {
	RouterCapabilities(ctx context.Context, roomID domain.RoomID) (json.RawMessage, error)
	CreateTransport(ctx context.Context, roomID domain.RoomID, opts TransportOptions) (*TransportInfo, error)
	ConnectTransport(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID, kind domain.MediaKind, rtpParameters, appData json.RawMessage) (domain.ProducerID, error)
	Consume(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ConsumerInfo, error)
	CloseProducer(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) error
	CloseTransport(ctx context.Context, roomID domain.RoomID, transportID domain.TransportID) error
	Health(ctx context.Context) error
}

// RoomRegistry is the authoritative in-memory map of rooms, members and
// producer records. All mutations for one room are serialized; snapshot reads
// are taken under the same serialization so they are atomic with mutations.
type RoomRegistry interface {
	// Join adds the connection to the room (idempotent) and returns the active
	// producer snapshot for immediate consumption.
	Join(ctx context.Context, conn *domain.Connection, roomID domain.RoomID) ([]domain.ProducerSummary, error)
	// Leave removes membership, tears down every producer owned by the
	// connection and deletes the room when it becomes empty. A second leave
	// for the same pair succeeds without a second departure broadcast.
	Leave(ctx context.Context, conn *domain.Connection, roomID domain.RoomID, isDisconnect bool) error
	// LeaveAll drives Leave for every room the connection joined. Used by the
	// gateway's disconnect path.
	LeaveAll(ctx context.Context, conn *domain.Connection)

	// AddProducer files a relay-confirmed producer and fans out newProducer to
	// the other members. It fails with domain.ErrProducerOwnerGone when the
	// owner disconnected while the relay call was in flight.
	AddProducer(ctx context.Context, roomID domain.RoomID, rec domain.ProducerRecord) error
	// RemoveProducer drops the record and fans out producerClosed. Idempotent:
	// removing an unknown producer returns domain.ErrProducerNotFound.
	RemoveProducer(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) (*domain.ProducerRecord, error)

	Producer(roomID domain.RoomID, producerID domain.ProducerID) (*domain.ProducerRecord, error)
	Producers(roomID domain.RoomID) []domain.ProducerSummary
	IsMember(roomID domain.RoomID, connID domain.ConnectionID) bool
	Members(roomID domain.RoomID) []domain.RoomMember
	RoomCount() int
}

// MediaSession bridges signaling operations onto the SFU engine and mirrors
// the results into the room registry.
type MediaSession interface {
	RouterCapabilities(ctx context.Context, conn *domain.Connection, roomID domain.RoomID) (json.RawMessage, error)
	CreateTransport(ctx context.Context, conn *domain.Connection, roomID domain.RoomID, opts TransportOptions) (*TransportInfo, error)
	ConnectTransport(ctx context.Context, conn *domain.Connection, roomID domain.RoomID, transportID domain.TransportID, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, conn *domain.Connection, roomID domain.RoomID, transportID domain.TransportID, kind domain.MediaKind, rtpParameters, appData json.RawMessage, source domain.ProducerSource) (domain.ProducerID, error)
	Consume(ctx context.Context, conn *domain.Connection, roomID domain.RoomID, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ConsumerInfo, error)
	CloseProducer(ctx context.Context, conn *domain.Connection, roomID domain.RoomID, producerID domain.ProducerID) error
	// CleanupConnection tears down every transport the connection owns, in
	// every room. Local state is cleared even when the engine is unreachable.
	CleanupConnection(ctx context.Context, conn *domain.Connection)
}

// Presence is the process-wide registry of online users.
type Presence interface {
	SetOnline(ctx context.Context, userID domain.UserID, username string, connID domain.ConnectionID)
	SetOffline(ctx context.Context, userID domain.UserID, connID domain.ConnectionID)
	Typing(ctx context.Context, senderID, receiverID domain.UserID, isTyping bool)
	OnlineUsers() []domain.PresenceEntry
	ConnectionFor(userID domain.UserID) (domain.ConnectionID, bool)
}

// SendMessageRequest is the relay input for one chat message.
type SendMessageRequest struct {
	ReceiverID domain.UserID      `json:"receiverId"`
	Content    string             `json:"content"`
	Type       domain.MessageType `json:"type"`
	TempID     string             `json:"tempId"`
}

// SendReceipt acknowledges the sender, echoing tempId for optimistic-UI
// reconciliation.
type SendReceipt struct {
	Message   *domain.ChatMessage `json:"message"`
	Delivered bool                `json:"delivered"`
	TempID    string              `json:"tempId"`
}

// MessageRelay persists and delivers chat messages.
type MessageRelay interface {
	Send(ctx context.Context, senderID domain.UserID, req SendMessageRequest) (*SendReceipt, error)
	MarkAsRead(ctx context.Context, messageID string, readerID domain.UserID) error
	History(ctx context.Context, userID, otherID domain.UserID, page, limit int) ([]*domain.ChatMessage, error)
}
