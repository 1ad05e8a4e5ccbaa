package domain

import "errors"

var (
	ErrNotAuthenticated         = errors.New("connection not authenticated")
	ErrAuthenticationFailed     = errors.New("authentication failed")
	ErrRoomNotFound             = errors.New("room not found")
	ErrNotRoomMember            = errors.New("connection is not a room member")
	ErrProducerNotFound         = errors.New("producer not found")
	ErrTransportNotFound        = errors.New("transport not found")
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
	ErrUpstreamUnavailable      = errors.New("media relay unavailable")
	ErrMessageNotFound          = errors.New("message not found")
	ErrNotMessageReceiver       = errors.New("only the receiver may mark a message as read")
	ErrProducerOwnerGone        = errors.New("producer owner is no longer a room member")
	ErrInvalidMediaKind         = errors.New("invalid media kind")
	ErrInvalidTransportOptions  = errors.New("transport must be producing, consuming or both")
	ErrInvalidNegotiationBlob   = errors.New("malformed negotiation payload")
	ErrInvalidMessageType       = errors.New("invalid message type")
)
