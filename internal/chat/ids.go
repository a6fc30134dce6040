package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("chat: invalid user id")
	// ErrInvalidConversationID indicates that a conversation identifier is empty or exceeds storage bounds.
	ErrInvalidConversationID = errors.New("chat: invalid conversation id")
	// ErrInvalidMessageID indicates that a message identifier is empty or exceeds storage bounds.
	ErrInvalidMessageID = errors.New("chat: invalid message id")
	// ErrInvalidTaskID indicates that a task identifier is empty or exceeds storage bounds.
	ErrInvalidTaskID = errors.New("chat: invalid task id")
	// ErrInvalidTimestamp indicates that a timestamp is missing or not ISO-8601.
	ErrInvalidTimestamp = errors.New("chat: invalid timestamp")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(value), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ConversationID represents a validated conversation identifier.
type ConversationID string

// NewConversationID validates raw input and returns a ConversationID.
func NewConversationID(rawInput string) (ConversationID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidConversationID)
	if err != nil {
		return "", err
	}
	return ConversationID(value), nil
}

// String returns the underlying string identifier.
func (id ConversationID) String() string {
	return string(id)
}

// MessageID represents a validated message identifier. Message identifiers are
// assigned by the sending client and act as the system-wide dedup key.
type MessageID string

// NewMessageID validates raw input and returns a MessageID.
func NewMessageID(rawInput string) (MessageID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidMessageID)
	if err != nil {
		return "", err
	}
	return MessageID(value), nil
}

// String returns the underlying string identifier.
func (id MessageID) String() string {
	return string(id)
}

// TaskID represents a validated task identifier.
type TaskID string

// NewTaskID validates raw input and returns a TaskID.
func NewTaskID(rawInput string) (TaskID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidTaskID)
	if err != nil {
		return "", err
	}
	return TaskID(value), nil
}

// String returns the underlying string identifier.
func (id TaskID) String() string {
	return string(id)
}

// ParseTimestamp parses an ISO-8601 timestamp as produced by clients and the server.
func ParseTimestamp(rawInput string) (time.Time, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, trimmed)
	}
	return parsed.UTC(), nil
}

// FormatTimestamp renders a timestamp in the wire format.
func FormatTimestamp(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

// UnixMillis converts a time to the millisecond precision used by persisted rows.
func UnixMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixMilli()
}

// FromUnixMillis converts a persisted millisecond value back to a UTC time.
// Zero maps to the zero time.
func FromUnixMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
