package domain

import "encoding/json"

type RoomID string

type ProducerID string

type TransportID string

// MediaKind mirrors the SFU engine's media kinds.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// ProducerSource is the appData.type tag carried by every producer.
type ProducerSource string

const (
	SourceWebcam ProducerSource = "webcam"
	SourceScreen ProducerSource = "screen"
)

// ProducerRecord mirrors one SFU-side producer into the room registry.
// It exists from relay-confirmed production until explicit close, owning
// transport close, or owning connection disconnect.
type ProducerRecord struct {
	ID                ProducerID
	OwnerUserID       UserID
	OwnerConnectionID ConnectionID
	Kind              MediaKind
	TransportID       TransportID
	Source            ProducerSource
	RTPParameters     json.RawMessage
	AppData           json.RawMessage
}

// ProducerSummary is the projection handed to joiners so they can request
// consumption immediately.
type ProducerSummary struct {
	ID          ProducerID     `json:"producerId"`
	Kind        MediaKind      `json:"kind"`
	OwnerUserID UserID         `json:"ownerUserId"`
	Source      ProducerSource `json:"type"`
}

func (r ProducerRecord) Summary() ProducerSummary {
	return ProducerSummary{
		ID:          r.ID,
		Kind:        r.Kind,
		OwnerUserID: r.OwnerUserID,
		Source:      r.Source,
	}
}

// RoomMember pairs a member connection with its user identity.
type RoomMember struct {
	ConnectionID ConnectionID `json:"connectionId"`
	UserID       UserID       `json:"userId"`
	Username     string       `json:"username"`
}
