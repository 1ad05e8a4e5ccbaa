package services

import (
	"context"
	"sync"

	"parley/internal/core/domain"
	"parley/internal/core/ports"

	"go.uber.org/zap"
)

// Events emitted by the room registry.
const (
	EventUserJoinedRoom = "userJoinedRoom"
	EventUserLeftRoom   = "userLeftRoom"
	EventNewProducer    = "newProducer"
	EventProducerClosed = "producerClosed"
)

// producerCloser is the slice of the SFU control API the registry needs for
// leave-path teardown.
type producerCloser interface {
	CloseProducer(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) error
}

// roomState holds one room's members and producer records. Its mutex
// serializes every mutation and snapshot for the room; once gone is set the
// state is dead and waiters must re-resolve through the registry map.
type roomState struct {
	id domain.RoomID

	mu        sync.Mutex
	gone      bool
	members   map[domain.ConnectionID]domain.RoomMember
	producers map[domain.ProducerID]domain.ProducerRecord
}

func newRoomState(id domain.RoomID) *roomState {
	return &roomState{
		id:        id,
		members:   make(map[domain.ConnectionID]domain.RoomMember),
		producers: make(map[domain.ProducerID]domain.ProducerRecord),
	}
}

// RoomRegistry is the authoritative map of room -> members -> producers.
// A room exists exactly while its member set is non-empty. The registry is
// the single writer of both room membership and Connection.rooms, which keeps
// the two views consistent.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomState

	directory ports.RoomDirectory
	sfu       producerCloser
	events    ports.EventSink
	logger    *zap.SugaredLogger
}

func NewRoomRegistry(directory ports.RoomDirectory, sfu producerCloser, events ports.EventSink, logger *zap.SugaredLogger) *RoomRegistry {
	return &RoomRegistry{
		rooms:     make(map[domain.RoomID]*roomState),
		directory: directory,
		sfu:       sfu,
		events:    events,
		logger:    logger,
	}
}

// lockRoom returns the room's state with its mutex held, creating the room
// when create is set. A nil return means the room does not exist.
func (r *RoomRegistry) lockRoom(roomID domain.RoomID, create bool) *roomState {
	for {
		r.mu.Lock()
		room, ok := r.rooms[roomID]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			room = newRoomState(roomID)
			r.rooms[roomID] = room
		}
		r.mu.Unlock()

		room.mu.Lock()
		if room.gone {
			// Lost a race with empty-room deletion; resolve again.
			room.mu.Unlock()
			continue
		}
		return room
	}
}

// dropIfEmpty deletes the room when its member set emptied. Caller holds
// room.mu.
func (r *RoomRegistry) dropIfEmpty(room *roomState) {
	if len(room.members) > 0 {
		return
	}
	room.gone = true

	r.mu.Lock()
	if current, ok := r.rooms[room.id]; ok && current == room {
		delete(r.rooms, room.id)
	}
	r.mu.Unlock()

	r.logger.Infow("room deleted", "room_id", room.id)
}

// Join adds the connection to the room and returns the active-producer
// snapshot. Idempotent: a repeated join returns the snapshot without a second
// broadcast.
func (r *RoomRegistry) Join(ctx context.Context, conn *domain.Connection, roomID domain.RoomID) ([]domain.ProducerSummary, error) {
	userID, username, ok := conn.Identity()
	if !ok {
		return nil, domain.ErrNotAuthenticated
	}

	if err := r.directory.AuthorizeJoin(ctx, userID, roomID); err != nil {
		return nil, err
	}

	room := r.lockRoom(roomID, true)
	defer room.mu.Unlock()

	created := len(room.members) == 0
	_, already := room.members[conn.ID]
	if !already {
		room.members[conn.ID] = domain.RoomMember{
			ConnectionID: conn.ID,
			UserID:       userID,
			Username:     username,
		}
		conn.AddRoom(roomID)

		for connID := range room.members {
			if connID == conn.ID {
				continue
			}
			r.events.Send(connID, EventUserJoinedRoom, map[string]interface{}{
				"roomId":   roomID,
				"userId":   userID,
				"username": username,
			})
		}
	}

	if created {
		r.logger.Infow("room created", "room_id", roomID, "user_id", userID)
	}

	return producerSnapshot(room), nil
}

// Leave removes the membership, tears down every producer the connection
// owns, and deletes the room when it becomes empty. A second leave for the
// same pair is a silent success; only the first emits the departure
// broadcast.
func (r *RoomRegistry) Leave(ctx context.Context, conn *domain.Connection, roomID domain.RoomID, isDisconnect bool) error {
	room := r.lockRoom(roomID, false)
	if room == nil {
		conn.RemoveRoom(roomID)
		return nil
	}

	member, wasMember := room.members[conn.ID]
	if !wasMember {
		room.mu.Unlock()
		conn.RemoveRoom(roomID)
		return nil
	}

	delete(room.members, conn.ID)
	conn.RemoveRoom(roomID)

	// Remove owned producers and notify the surviving members before the
	// remote teardown: peer notification must not wait on the engine.
	var closed []domain.ProducerRecord
	for id, rec := range room.producers {
		if rec.OwnerConnectionID == conn.ID {
			delete(room.producers, id)
			closed = append(closed, rec)
		}
	}

	for connID := range room.members {
		for _, rec := range closed {
			r.events.Send(connID, EventProducerClosed, map[string]interface{}{
				"roomId":     roomID,
				"producerId": rec.ID,
			})
		}
		r.events.Send(connID, EventUserLeftRoom, map[string]interface{}{
			"roomId": roomID,
			"userId": member.UserID,
		})
	}

	r.dropIfEmpty(room)
	room.mu.Unlock()

	for _, rec := range closed {
		if err := r.sfu.CloseProducer(ctx, roomID, rec.ID); err != nil {
			// Local state is already clean; the engine reaps on its own.
			r.logger.Warnw("remote producer teardown failed",
				"room_id", roomID,
				"producer_id", rec.ID,
				"disconnect", isDisconnect,
				"error", err,
			)
		}
	}

	r.logger.Infow("connection left room",
		"room_id", roomID,
		"connection_id", conn.ID,
		"user_id", member.UserID,
		"disconnect", isDisconnect,
		"producers_closed", len(closed),
	)
	return nil
}

// LeaveAll drives Leave for every room the connection joined. Used by the
// gateway's disconnect path.
func (r *RoomRegistry) LeaveAll(ctx context.Context, conn *domain.Connection) {
	for _, roomID := range conn.Rooms() {
		if err := r.Leave(ctx, conn, roomID, true); err != nil {
			r.logger.Warnw("disconnect leave failed",
				"room_id", roomID,
				"connection_id", conn.ID,
				"error", err,
			)
		}
	}
}

// AddProducer files a relay-confirmed producer and fans out newProducer to
// the other members. If the owner disconnected while the relay call was in
// flight the record is rejected so the caller can tear it down immediately.
func (r *RoomRegistry) AddProducer(ctx context.Context, roomID domain.RoomID, rec domain.ProducerRecord) error {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return domain.ErrRoomNotFound
	}
	defer room.mu.Unlock()

	if _, ok := room.members[rec.OwnerConnectionID]; !ok {
		return domain.ErrProducerOwnerGone
	}

	room.producers[rec.ID] = rec

	for connID := range room.members {
		if connID == rec.OwnerConnectionID {
			continue
		}
		r.events.Send(connID, EventNewProducer, map[string]interface{}{
			"roomId":     roomID,
			"producerId": rec.ID,
			"kind":       rec.Kind,
			"userId":     rec.OwnerUserID,
			"type":       rec.Source,
		})
	}
	return nil
}

// RemoveProducer drops the record and fans out producerClosed to every other
// member. The SFU-side teardown belongs to the caller.
func (r *RoomRegistry) RemoveProducer(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) (*domain.ProducerRecord, error) {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return nil, domain.ErrRoomNotFound
	}
	defer room.mu.Unlock()

	rec, ok := room.producers[producerID]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	delete(room.producers, producerID)

	for connID := range room.members {
		if connID == rec.OwnerConnectionID {
			continue
		}
		r.events.Send(connID, EventProducerClosed, map[string]interface{}{
			"roomId":     roomID,
			"producerId": rec.ID,
		})
	}
	return &rec, nil
}

// Producer looks up one producer record.
func (r *RoomRegistry) Producer(roomID domain.RoomID, producerID domain.ProducerID) (*domain.ProducerRecord, error) {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return nil, domain.ErrRoomNotFound
	}
	defer room.mu.Unlock()

	rec, ok := room.producers[producerID]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	return &rec, nil
}

// Producers returns an atomic snapshot of the room's active producers.
func (r *RoomRegistry) Producers(roomID domain.RoomID) []domain.ProducerSummary {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return nil
	}
	defer room.mu.Unlock()
	return producerSnapshot(room)
}

// IsMember reports whether the connection currently belongs to the room.
func (r *RoomRegistry) IsMember(roomID domain.RoomID, connID domain.ConnectionID) bool {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return false
	}
	defer room.mu.Unlock()
	_, ok := room.members[connID]
	return ok
}

// Members returns a snapshot of the room membership.
func (r *RoomRegistry) Members(roomID domain.RoomID) []domain.RoomMember {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return nil
	}
	defer room.mu.Unlock()

	out := make([]domain.RoomMember, 0, len(room.members))
	for _, m := range room.members {
		out = append(out, m)
	}
	return out
}

// RoomCount reports the number of live rooms.
func (r *RoomRegistry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ProducerCount reports the number of live producer records across rooms.
func (r *RoomRegistry) ProducerCount() int {
	r.mu.RLock()
	rooms := make([]*roomState, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	n := 0
	for _, room := range rooms {
		room.mu.Lock()
		if !room.gone {
			n += len(room.producers)
		}
		room.mu.Unlock()
	}
	return n
}

func producerSnapshot(room *roomState) []domain.ProducerSummary {
	out := make([]domain.ProducerSummary, 0, len(room.producers))
	for _, rec := range room.producers {
		out = append(out, rec.Summary())
	}
	return out
}

var _ ports.RoomRegistry = (*RoomRegistry)(nil)
