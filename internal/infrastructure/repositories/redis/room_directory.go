package redis

import (
	"context"
	"fmt"

	"parley/internal/core/domain"
	"parley/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisRoomDirectory struct {
	client *redis.Client
}

func NewRedisRoomDirectory(client *redis.Client) *RedisRoomDirectory {
	return &RedisRoomDirectory{client: client}
}

func (r *RedisRoomDirectory) roomKey(roomID domain.RoomID) string {
	return fmt.Sprintf("parley:room:%s", roomID)
}

func (r *RedisRoomDirectory) roomMembersKey(roomID domain.RoomID) string {
	return fmt.Sprintf("parley:room:%s:members", roomID)
}

func (r *RedisRoomDirectory) userRoomsKey(userID domain.UserID) string {
	return fmt.Sprintf("parley:user:%s:rooms", userID)
}

// ProvisionRoom registers a room, open to everyone when userIDs is empty.
func (r *RedisRoomDirectory) ProvisionRoom(ctx context.Context, roomID domain.RoomID, userIDs ...domain.UserID) error {
	if err := r.client.Set(ctx, r.roomKey(roomID), 1, 0).Err(); err != nil {
		return fmt.Errorf("failed to register room in Redis: %w", err)
	}
	for _, userID := range userIDs {
		if err := r.client.SAdd(ctx, r.roomMembersKey(roomID), string(userID)).Err(); err != nil {
			return fmt.Errorf("failed to add room member in Redis: %w", err)
		}
	}
	return nil
}

// GrantMembership records a standing membership for rejoin at login.
func (r *RedisRoomDirectory) GrantMembership(ctx context.Context, userID domain.UserID, roomID domain.RoomID) error {
	if err := r.client.SAdd(ctx, r.userRoomsKey(userID), string(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to grant membership in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomDirectory) RoomExists(ctx context.Context, roomID domain.RoomID) (bool, error) {
	exists, err := r.client.Exists(ctx, r.roomKey(roomID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check room in Redis: %w", err)
	}
	return exists > 0, nil
}

func (r *RedisRoomDirectory) AuthorizeJoin(ctx context.Context, userID domain.UserID, roomID domain.RoomID) error {
	exists, err := r.RoomExists(ctx, roomID)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrRoomNotFound
	}

	membersKey := r.roomMembersKey(roomID)
	size, err := r.client.SCard(ctx, membersKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read room access list: %w", err)
	}
	if size == 0 {
		// No access list means the room is open.
		return nil
	}

	allowed, err := r.client.SIsMember(ctx, membersKey, string(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check room access list: %w", err)
	}
	if !allowed {
		return domain.ErrNotRoomMember
	}
	return nil
}

func (r *RedisRoomDirectory) RoomsForUser(ctx context.Context, userID domain.UserID) ([]domain.RoomID, error) {
	ids, err := r.client.SMembers(ctx, r.userRoomsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user rooms from Redis: %w", err)
	}

	rooms := make([]domain.RoomID, 0, len(ids))
	for _, id := range ids {
		rooms = append(rooms, domain.RoomID(id))
	}
	return rooms, nil
}

var (
	_ ports.RoomDirectory = (*RedisRoomDirectory)(nil)
	_ ports.RoomAdmin     = (*RedisRoomDirectory)(nil)
)
