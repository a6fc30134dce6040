package chat

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConversationKind indicates an unknown conversation kind tag.
	ErrInvalidConversationKind = errors.New("chat: invalid conversation kind")
	// ErrInvalidMessageKind indicates an unknown message type tag.
	ErrInvalidMessageKind = errors.New("chat: invalid message kind")
	// ErrInvalidRole indicates an unknown membership role.
	ErrInvalidRole = errors.New("chat: invalid membership role")
	// ErrInvalidNotificationLevel indicates an unknown notification level.
	ErrInvalidNotificationLevel = errors.New("chat: invalid notification level")
)

// ConversationKind enumerates conversation shapes.
type ConversationKind string

const (
	// ConversationKindDirect is a one-to-one conversation.
	ConversationKindDirect ConversationKind = "direct"
	// ConversationKindGroup is a multi-participant conversation.
	ConversationKindGroup ConversationKind = "group"
)

// ParseConversationKind validates a wire tag. The legacy "dm" tag maps to direct.
func ParseConversationKind(rawInput string) (ConversationKind, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(ConversationKindDirect), "dm":
		return ConversationKindDirect, nil
	case string(ConversationKindGroup):
		return ConversationKindGroup, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidConversationKind, rawInput)
	}
}

// MessageKind enumerates message types.
type MessageKind string

const (
	// MessageKindText is a plain user message.
	MessageKindText MessageKind = "text"
	// MessageKindSystem is a generated notice.
	MessageKindSystem MessageKind = "system"
	// MessageKindTaskLink is a message that shares a task.
	MessageKindTaskLink MessageKind = "task_link"
)

// ParseMessageKind validates a wire type tag. The "task-link" and legacy
// "task_update" tags map to task_link.
func ParseMessageKind(rawInput string) (MessageKind, error) {
	switch MessageKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case MessageKindText:
		return MessageKindText, nil
	case MessageKindSystem:
		return MessageKindSystem, nil
	case MessageKindTaskLink, "task-link", "task_update":
		return MessageKindTaskLink, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMessageKind, rawInput)
	}
}

// Role enumerates membership roles.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleEditor    Role = "editor"
	RoleCommenter Role = "commenter"
)

// ParseRole validates a membership role.
func ParseRole(rawInput string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(rawInput))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleCommenter:
		return RoleCommenter, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// NotificationLevel controls which messages notify a member.
type NotificationLevel string

const (
	NotificationAll      NotificationLevel = "all"
	NotificationMentions NotificationLevel = "mentions"
	NotificationMuted    NotificationLevel = "muted"
)

// ParseNotificationLevel validates a notification level.
func ParseNotificationLevel(rawInput string) (NotificationLevel, error) {
	switch NotificationLevel(strings.ToLower(strings.TrimSpace(rawInput))) {
	case NotificationAll:
		return NotificationAll, nil
	case NotificationMentions:
		return NotificationMentions, nil
	case NotificationMuted:
		return NotificationMuted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidNotificationLevel, rawInput)
	}
}
