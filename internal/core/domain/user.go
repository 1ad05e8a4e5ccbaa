package domain

import "time"

type UserID string

// PresenceEntry records one online user. At most one entry exists per user;
// a reconnect replaces the connection id (last connection wins).
type PresenceEntry struct {
	UserID       UserID       `json:"userId"`
	ConnectionID ConnectionID `json:"-"`
	Username     string       `json:"username"`
	LastSeen     time.Time    `json:"lastSeen"`
}
