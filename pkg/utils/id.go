package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateConnectionID generates a unique connection id.
func GenerateConnectionID() string {
	return GenerateID("conn")
}

// GenerateMessageID generates a unique chat message id.
func GenerateMessageID() string {
	return uuid.NewString()
}

// GenerateInstanceID identifies this server process, for example on the
// notification bus.
func GenerateInstanceID() string {
	return uuid.NewString()
}

// GenerateID generates a random id with a prefix.
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// GenerateRequestID generates a correlation id for server-originated requests.
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}
