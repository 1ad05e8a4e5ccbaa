package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex matches room, user and producer identifiers.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	maxIDLength      = 100
	maxContentLength = 4096
)

// ValidateRoomID validates a room identifier.
func ValidateRoomID(roomID string) error {
	return validateID("room id", roomID)
}

// ValidateUserID validates a user identifier.
func ValidateUserID(userID string) error {
	return validateID("user id", userID)
}

// ValidateTransportID validates an SFU transport identifier.
func ValidateTransportID(transportID string) error {
	return validateID("transport id", transportID)
}

// ValidateProducerID validates an SFU producer identifier.
func ValidateProducerID(producerID string) error {
	return validateID("producer id", producerID)
}

func validateID(what, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", what)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", what, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", what)
	}
	return nil
}

// ValidateMessageContent validates chat message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message content is required")
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return fmt.Errorf("message content is too long (max %d characters)", maxContentLength)
	}
	return nil
}

// ValidatePagination normalizes page/limit inputs, applying defaults when
// unset and rejecting out-of-range values.
func ValidatePagination(page, limit int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = 50
	}
	if page < 1 {
		return 0, 0, fmt.Errorf("page must be >= 1")
	}
	if limit < 1 || limit > 200 {
		return 0, 0, fmt.Errorf("limit must be between 1 and 200")
	}
	return page, limit, nil
}
