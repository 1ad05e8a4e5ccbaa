package signal

import (
	"encoding/json"
	"errors"

	"parley/internal/core/domain"
	apperrors "parley/pkg/errors"
)

// Envelope is the wire frame for every client request. Requests carrying an
// id expect exactly one response frame echoing it; id-less requests are fire
// and forget.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers one correlated request. Exactly one of Payload and Error
// is set. Server-initiated events never carry an id.
type Response struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// Event is a server-initiated frame.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorBody is the machine-readable error shape sent to clients.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client request types.
const (
	TypeAuthenticate             = "authenticate"
	TypeJoinRoom                 = "joinRoom"
	TypeLeaveRoom                = "leaveRoom"
	TypeGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	TypeCreateWebRtcTransport    = "createWebRtcTransport"
	TypeConnectWebRtcTransport   = "connectWebRtcTransport"
	TypeProduce                  = "produce"
	TypeConsume                  = "consume"
	TypeStartScreenShare         = "startScreenShare"
	TypeStopScreenShare          = "stopScreenShare"
	TypeSendMessage              = "sendMessage"
	TypeGetMessages              = "getMessages"
	TypeMarkMessageAsRead        = "markMessageAsRead"
	TypeTyping                   = "typing"
	TypeGetOnlineUsers           = "getOnlineUsers"
)

// Gateway-emitted event types. Room, presence and chat events come from the
// services that own them.
const (
	EventMessageSent  = "messageSent"
	EventMessageError = "messageError"
)

type authenticatePayload struct {
	Token string `json:"token"`
}

type roomPayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

type createTransportPayload struct {
	RoomID           domain.RoomID   `json:"roomId"`
	Producing        bool            `json:"producing"`
	Consuming        bool            `json:"consuming"`
	SCTPCapabilities json.RawMessage `json:"sctpCapabilities,omitempty"`
}

type connectTransportPayload struct {
	RoomID         domain.RoomID      `json:"roomId"`
	TransportID    domain.TransportID `json:"transportId"`
	DTLSParameters json.RawMessage    `json:"dtlsParameters"`
}

type producePayload struct {
	RoomID        domain.RoomID      `json:"roomId"`
	TransportID   domain.TransportID `json:"transportId"`
	Kind          domain.MediaKind   `json:"kind"`
	RTPParameters json.RawMessage    `json:"rtpParameters"`
	AppData       json.RawMessage    `json:"appData,omitempty"`
}

type consumePayload struct {
	RoomID          domain.RoomID      `json:"roomId"`
	TransportID     domain.TransportID `json:"transportId"`
	ProducerID      domain.ProducerID  `json:"producerId"`
	RTPCapabilities json.RawMessage    `json:"rtpCapabilities"`
}

type closeProducerPayload struct {
	RoomID     domain.RoomID     `json:"roomId"`
	ProducerID domain.ProducerID `json:"producerId"`
}

type sendMessagePayload struct {
	ReceiverID domain.UserID      `json:"receiverId"`
	Content    string             `json:"content"`
	Type       domain.MessageType `json:"type"`
	TempID     string             `json:"tempId"`
}

type getMessagesPayload struct {
	ReceiverID domain.UserID `json:"receiverId"`
	Page       int           `json:"page"`
	Limit      int           `json:"limit"`
}

type markMessageAsReadPayload struct {
	MessageID string `json:"messageId"`
}

type typingPayload struct {
	ReceiverID domain.UserID `json:"receiverId"`
	IsTyping   bool          `json:"isTyping"`
}

// errorBody maps an operation error onto the wire error shape. Domain
// sentinels get stable codes; anything unrecognized is reported as internal
// without leaking detail.
func errorBody(err error) *ErrorBody {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return &ErrorBody{Code: string(appErr.Code), Message: appErr.Message}
	}

	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		return &ErrorBody{Code: string(apperrors.ErrCodeNotAuthenticated), Message: err.Error()}
	case errors.Is(err, domain.ErrAuthenticationFailed):
		return &ErrorBody{Code: string(apperrors.ErrCodeAuthentication), Message: err.Error()}
	case errors.Is(err, domain.ErrRoomNotFound):
		return &ErrorBody{Code: string(apperrors.ErrCodeRoomNotFound), Message: err.Error()}
	case errors.Is(err, domain.ErrNotRoomMember):
		return &ErrorBody{Code: string(apperrors.ErrCodeForbidden), Message: err.Error()}
	case errors.Is(err, domain.ErrProducerNotFound), errors.Is(err, domain.ErrProducerOwnerGone):
		return &ErrorBody{Code: string(apperrors.ErrCodeProducerNotFound), Message: err.Error()}
	case errors.Is(err, domain.ErrTransportNotFound):
		return &ErrorBody{Code: string(apperrors.ErrCodeTransportNotFound), Message: err.Error()}
	case errors.Is(err, domain.ErrIncompatibleCapabilities):
		return &ErrorBody{Code: string(apperrors.ErrCodeIncompatibleCaps), Message: err.Error()}
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return &ErrorBody{Code: string(apperrors.ErrCodeUpstream), Message: "media relay unavailable"}
	case errors.Is(err, domain.ErrMessageNotFound):
		return &ErrorBody{Code: string(apperrors.ErrCodeMessageNotFound), Message: err.Error()}
	case errors.Is(err, domain.ErrNotMessageReceiver):
		return &ErrorBody{Code: string(apperrors.ErrCodeForbidden), Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidMediaKind),
		errors.Is(err, domain.ErrInvalidTransportOptions),
		errors.Is(err, domain.ErrInvalidNegotiationBlob),
		errors.Is(err, domain.ErrInvalidMessageType):
		return &ErrorBody{Code: string(apperrors.ErrCodeValidation), Message: err.Error()}
	default:
		return &ErrorBody{Code: string(apperrors.ErrCodeInternal), Message: "internal error"}
	}
}
