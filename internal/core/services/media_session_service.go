package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"parley/internal/core/domain"
	"parley/internal/core/ports"
	"parley/pkg/cache"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SessionPhase tracks how far a connection's negotiation with the relay
// engine has progressed inside one room.
type SessionPhase int

const (
	PhaseUninitialized SessionPhase = iota
	PhaseCapabilitiesKnown
	PhaseTransportsReady
	PhaseConnected
	PhaseActive
	PhaseTerminated
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseCapabilitiesKnown:
		return "capabilities_known"
	case PhaseTransportsReady:
		return "transports_ready"
	case PhaseConnected:
		return "connected"
	case PhaseActive:
		return "active"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type sessionKey struct {
	connID domain.ConnectionID
	roomID domain.RoomID
}

// mediaSession is the per connection-in-room negotiation state. Transports
// themselves live on the engine; only their ids are recorded here.
type mediaSession struct {
	phase      SessionPhase
	transports map[domain.TransportID]struct{}
}

// dtlsParameters is the shape of the client's handshake blob. Role is kept a
// string; the fingerprint list is what actually gets schema-checked.
type dtlsParameters struct {
	Role         string                   `json:"role"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

// codecList pulls just the codec mime types out of an rtpParameters blob.
type codecList struct {
	Codecs []struct {
		MimeType string `json:"mimeType"`
	} `json:"codecs"`
}

// MediaSessionService bridges signaling operations onto the SFU engine and
// mirrors confirmed producers into the room registry. Negotiation payloads
// are opaque to the rest of the system; this service schema-checks them at
// the boundary and otherwise passes them through byte-for-byte.
type MediaSessionService struct {
	sfu    ports.SFUControl
	rooms  ports.RoomRegistry
	caps   *cache.Cache[json.RawMessage]
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[sessionKey]*mediaSession
}

func NewMediaSessionService(sfu ports.SFUControl, rooms ports.RoomRegistry, caps *cache.Cache[json.RawMessage], logger *zap.SugaredLogger) *MediaSessionService {
	return &MediaSessionService{
		sfu:      sfu,
		rooms:    rooms,
		caps:     caps,
		logger:   logger,
		sessions: make(map[sessionKey]*mediaSession),
	}
}

func (s *MediaSessionService) requireMember(conn *domain.Connection, roomID domain.RoomID) error {
	if !conn.Authenticated() {
		return domain.ErrNotAuthenticated
	}
	if !s.rooms.IsMember(roomID, conn.ID) {
		return domain.ErrNotRoomMember
	}
	return nil
}

// session returns the negotiation state for the pair, creating it on first
// touch. Caller holds no locks.
func (s *MediaSessionService) session(conn domain.ConnectionID, roomID domain.RoomID) *mediaSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{connID: conn, roomID: roomID}
	sess, ok := s.sessions[key]
	if !ok {
		sess = &mediaSession{
			phase:      PhaseUninitialized,
			transports: make(map[domain.TransportID]struct{}),
		}
		s.sessions[key] = sess
	}
	return sess
}

func (s *MediaSessionService) advance(conn domain.ConnectionID, roomID domain.RoomID, phase SessionPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{connID: conn, roomID: roomID}]
	if ok && sess.phase < phase {
		sess.phase = phase
	}
}

// RouterCapabilities returns the room router's negotiation capabilities,
// lazily creating the router on the engine. Results are cached per room so a
// burst of joiners does not hammer the engine.
func (s *MediaSessionService) RouterCapabilities(ctx context.Context, conn *domain.Connection, roomID domain.RoomID) (json.RawMessage, error) {
	if err := s.requireMember(conn, roomID); err != nil {
		return nil, err
	}

	s.session(conn.ID, roomID)

	if caps, ok := s.caps.Get(string(roomID)); ok {
		s.advance(conn.ID, roomID, PhaseCapabilitiesKnown)
		return caps, nil
	}

	caps, err := s.sfu.RouterCapabilities(ctx, roomID)
	if err != nil {
		return nil, err
	}
	s.caps.Set(string(roomID), caps)
	s.advance(conn.ID, roomID, PhaseCapabilitiesKnown)
	return caps, nil
}

// CreateTransport asks the engine for a transport and records the id as
// owned by this connection. The returned parameters are relayed untouched.
func (s *MediaSessionService) CreateTransport(ctx context.Context, conn *domain.Connection, roomID domain.RoomID, opts ports.TransportOptions) (*ports.TransportInfo, error) {
	if err := s.requireMember(conn, roomID); err != nil {
		return nil, err
	}
	if !opts.Producing && !opts.Consuming {
		return nil, domain.ErrInvalidTransportOptions
	}
	if len(opts.SCTPCapabilities) > 0 {
		var sctp webrtc.SCTPCapabilities
		if err := json.Unmarshal(opts.SCTPCapabilities, &sctp); err != nil {
			return nil, domain.ErrInvalidNegotiationBlob
		}
	}

	info, err := s.sfu.CreateTransport(ctx, roomID, opts)
	if err != nil {
		return nil, err
	}

	sess := s.session(conn.ID, roomID)
	s.mu.Lock()
	sess.transports[info.ID] = struct{}{}
	s.mu.Unlock()
	s.advance(conn.ID, roomID, PhaseTransportsReady)

	s.logger.Infow("transport created",
		"room_id", roomID,
		"connection_id", conn.ID,
		"transport_id", info.ID,
		"producing", opts.Producing,
		"consuming", opts.Consuming,
	)
	return info, nil
}

// ConnectTransport completes the security handshake for one owned transport.
// A failure is fatal only to that transport.
func (s *MediaSessionService) ConnectTransport(ctx context.Context, conn *domain.Connection, roomID domain.RoomID, transportID domain.TransportID, dtls json.RawMessage) error {
	if err := s.requireMember(conn, roomID); err != nil {
		return err
	}
	if !s.ownsTransport(conn.ID, roomID, transportID) {
		return domain.ErrTransportNotFound
	}

	var params dtlsParameters
	if err := json.Unmarshal(dtls, &params); err != nil || len(params.Fingerprints) == 0 {
		return domain.ErrInvalidNegotiationBlob
	}

	if err := s.sfu.ConnectTransport(ctx, roomID, transportID, dtls); err != nil {
		return err
	}
	s.advance(conn.ID, roomID, PhaseConnected)
	return nil
}

// Produce registers a media producer on the engine and files the record in
// the room registry, which fans out newProducer. If the owner vanished while
// the engine call was in flight the fresh producer is closed again.
func (s *MediaSessionService) Produce(ctx context.Context, conn *domain.Connection, roomID domain.RoomID, transportID domain.TransportID, kind domain.MediaKind, rtpParameters, appData json.RawMessage, source domain.ProducerSource) (domain.ProducerID, error) {
	if err := s.requireMember(conn, roomID); err != nil {
		return "", err
	}
	if !kind.Valid() {
		return "", domain.ErrInvalidMediaKind
	}
	if !s.ownsTransport(conn.ID, roomID, transportID) {
		return "", domain.ErrTransportNotFound
	}
	var rtp codecList
	if err := json.Unmarshal(rtpParameters, &rtp); err != nil || len(rtp.Codecs) == 0 {
		return "", domain.ErrInvalidNegotiationBlob
	}
	if source == "" {
		source = domain.SourceWebcam
	}

	producerID, err := s.sfu.Produce(ctx, roomID, transportID, kind, rtpParameters, appData)
	if err != nil {
		return "", err
	}

	userID := conn.UserID()
	rec := domain.ProducerRecord{
		ID:                producerID,
		OwnerUserID:       userID,
		OwnerConnectionID: conn.ID,
		Kind:              kind,
		TransportID:       transportID,
		Source:            source,
		RTPParameters:     rtpParameters,
		AppData:           appData,
	}
	if err := s.rooms.AddProducer(ctx, roomID, rec); err != nil {
		// The owner raced away between the engine call and the filing;
		// close the orphan immediately rather than waiting for reaping.
		if closeErr := s.sfu.CloseProducer(ctx, roomID, producerID); closeErr != nil {
			s.logger.Warnw("orphaned producer teardown failed",
				"room_id", roomID,
				"producer_id", producerID,
				"error", closeErr,
			)
		}
		return "", err
	}

	s.advance(conn.ID, roomID, PhaseActive)
	s.logger.Infow("producer created",
		"room_id", roomID,
		"producer_id", producerID,
		"kind", kind,
		"source", source,
		"user_id", userID,
	)
	return producerID, nil
}

// Consume validates the producer and pre-checks codec compatibility against
// the consumer's capabilities before touching the engine: an incompatible
// consumer must not disturb the producer.
func (s *MediaSessionService) Consume(ctx context.Context, conn *domain.Connection, roomID domain.RoomID, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ports.ConsumerInfo, error) {
	if err := s.requireMember(conn, roomID); err != nil {
		return nil, err
	}
	if !s.ownsTransport(conn.ID, roomID, transportID) {
		return nil, domain.ErrTransportNotFound
	}

	rec, err := s.rooms.Producer(roomID, producerID)
	if err != nil {
		return nil, err
	}

	if !capabilitiesCompatible(rec.RTPParameters, rtpCapabilities) {
		return nil, domain.ErrIncompatibleCapabilities
	}

	info, err := s.sfu.Consume(ctx, roomID, transportID, producerID, rtpCapabilities)
	if err != nil {
		return nil, err
	}
	s.advance(conn.ID, roomID, PhaseActive)
	return info, nil
}

// CloseProducer tears the producer down on the engine and removes the
// record. Only the owner may close a producer. Stop-screen-share is this
// operation applied to the screen producer.
func (s *MediaSessionService) CloseProducer(ctx context.Context, conn *domain.Connection, roomID domain.RoomID, producerID domain.ProducerID) error {
	if err := s.requireMember(conn, roomID); err != nil {
		return err
	}

	rec, err := s.rooms.Producer(roomID, producerID)
	if err != nil {
		return err
	}
	if rec.OwnerConnectionID != conn.ID {
		return domain.ErrProducerNotFound
	}

	if _, err := s.rooms.RemoveProducer(ctx, roomID, producerID); err != nil {
		return err
	}
	if err := s.sfu.CloseProducer(ctx, roomID, producerID); err != nil {
		// Record is gone and peers are notified; the engine reaps the rest.
		s.logger.Warnw("remote producer teardown failed",
			"room_id", roomID,
			"producer_id", producerID,
			"error", err,
		)
	}
	return nil
}

// CleanupConnection terminates every session the connection holds and
// deletes its transports on the engine. Local state is cleared even when the
// engine is unreachable.
func (s *MediaSessionService) CleanupConnection(ctx context.Context, conn *domain.Connection) {
	s.mu.Lock()
	owned := make(map[domain.RoomID][]domain.TransportID)
	for key, sess := range s.sessions {
		if key.connID != conn.ID {
			continue
		}
		for id := range sess.transports {
			owned[key.roomID] = append(owned[key.roomID], id)
		}
		sess.phase = PhaseTerminated
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	for roomID, transports := range owned {
		for _, id := range transports {
			if err := s.sfu.CloseTransport(ctx, roomID, id); err != nil {
				s.logger.Warnw("remote transport teardown failed",
					"room_id", roomID,
					"transport_id", id,
					"connection_id", conn.ID,
					"error", err,
				)
			}
		}
	}
}

func (s *MediaSessionService) ownsTransport(conn domain.ConnectionID, roomID domain.RoomID, transportID domain.TransportID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{connID: conn, roomID: roomID}]
	if !ok {
		return false
	}
	_, ok = sess.transports[transportID]
	return ok
}

// Phase reports the current negotiation phase for a connection in a room.
func (s *MediaSessionService) Phase(conn domain.ConnectionID, roomID domain.RoomID) SessionPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{connID: conn, roomID: roomID}]
	if !ok {
		return PhaseUninitialized
	}
	return sess.phase
}

// capabilitiesCompatible reports whether the consumer's capability set shares
// at least one codec mime type with the producer's parameters. The engine
// performs the authoritative match; this pre-check exists so an obviously
// incompatible consume fails fast without a round trip.
func capabilitiesCompatible(producerRTP, consumerCaps json.RawMessage) bool {
	var prod codecList
	if err := json.Unmarshal(producerRTP, &prod); err != nil || len(prod.Codecs) == 0 {
		// Unparseable producer parameters: defer to the engine.
		return true
	}

	var caps webrtc.RTPCapabilities
	if err := json.Unmarshal(consumerCaps, &caps); err != nil {
		return false
	}
	for _, pc := range prod.Codecs {
		for _, cc := range caps.Codecs {
			if strings.EqualFold(pc.MimeType, cc.MimeType) {
				return true
			}
		}
	}
	return false
}

var _ ports.MediaSession = (*MediaSessionService)(nil)
