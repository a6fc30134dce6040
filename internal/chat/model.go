package chat

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoCurrentUser indicates that an operation requiring an authenticated identity ran without one.
	ErrNoCurrentUser = errors.New("chat: no current user")
	// ErrConversationNotFound indicates that a conversation is not known locally.
	ErrConversationNotFound = errors.New("chat: conversation not found")
	// ErrTaskNotFound indicates that a task cannot be resolved for linking.
	ErrTaskNotFound = errors.New("chat: task not found")
)

// IdentityProvider resolves the user on whose behalf an operation runs.
type IdentityProvider interface {
	CurrentUser(ctx context.Context) (User, bool)
}

// User models a locally known account profile.
type User struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName     string `gorm:"column:display_name;size:320;not null;default:''"`
	Email           string `gorm:"column:email;size:320;not null;default:''"`
	AvatarURL       string `gorm:"column:avatar_url;size:512;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// ID returns the typed identifier.
func (u User) ID() UserID {
	return UserID(u.UserID)
}

// Conversation models a direct or group conversation.
type Conversation struct {
	ConversationID       string           `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	Kind                 ConversationKind `gorm:"column:kind;size:16;not null"`
	Name                 *string          `gorm:"column:name;size:320"`
	OwnerID              string           `gorm:"column:owner_id;size:190;not null;default:''"`
	Archived             bool             `gorm:"column:is_archived;not null;default:false;index:idx_conversations_activity,priority:1"`
	CreatedAtMillis      int64            `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis      int64            `gorm:"column:updated_at_ms;not null"`
	LastActivityAtMillis int64            `gorm:"column:last_activity_at_ms;not null;default:0;index:idx_conversations_activity,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// ID returns the typed identifier.
func (c Conversation) ID() ConversationID {
	return ConversationID(c.ConversationID)
}

// LastActivityAt returns the last accepted message time.
func (c Conversation) LastActivityAt() time.Time {
	return FromUnixMillis(c.LastActivityAtMillis)
}

// Membership binds a user to a conversation. The composite key keeps it unique per pair.
type Membership struct {
	ConversationID    string            `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	UserID            string            `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role              Role              `gorm:"column:role;size:16;not null"`
	NotificationLevel NotificationLevel `gorm:"column:notification_level;size:16;not null"`
	JoinedAtMillis    int64             `gorm:"column:joined_at_ms;not null"`
	LastReadAtMillis  int64             `gorm:"column:last_read_at_ms;not null;default:0"`
	Active            bool              `gorm:"column:is_active;not null;default:true"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "conversation_memberships"
}

// LastReadAt returns the read cursor, zero when the member never read the conversation.
func (m Membership) LastReadAt() time.Time {
	return FromUnixMillis(m.LastReadAtMillis)
}

// Message models a single chat message.
type Message struct {
	MessageID       string      `gorm:"column:message_id;primaryKey;size:190;not null"`
	ConversationID  string      `gorm:"column:conversation_id;size:190;not null;index:idx_messages_conversation_created,priority:1"`
	SenderID        string      `gorm:"column:sender_id;size:190;not null"`
	Text            string      `gorm:"column:text;type:text;not null"`
	Kind            MessageKind `gorm:"column:kind;size:16;not null"`
	CreatedAtMillis int64       `gorm:"column:created_at_ms;not null;index:idx_messages_conversation_created,priority:2"`
	EditedAtMillis  int64       `gorm:"column:edited_at_ms;not null;default:0"`
	Deleted         bool        `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// ID returns the typed identifier.
func (m Message) ID() MessageID {
	return MessageID(m.MessageID)
}

// CreatedAt returns the creation timestamp.
func (m Message) CreatedAt() time.Time {
	return FromUnixMillis(m.CreatedAtMillis)
}

// MessageTaskLink records a task referenced by a message.
type MessageTaskLink struct {
	MessageID string `gorm:"column:message_id;primaryKey;size:190;not null"`
	TaskID    string `gorm:"column:task_id;primaryKey;size:190;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (MessageTaskLink) TableName() string {
	return "message_task_links"
}

// DeliveryReceipt proves that a user's device received a message.
type DeliveryReceipt struct {
	MessageID         string `gorm:"column:message_id;primaryKey;size:190;not null"`
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DeliveredAtMillis int64  `gorm:"column:delivered_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeliveryReceipt) TableName() string {
	return "message_delivery_receipts"
}

// ReadReceipt proves that a user read a message.
type ReadReceipt struct {
	MessageID    string `gorm:"column:message_id;primaryKey;size:190;not null"`
	UserID       string `gorm:"column:user_id;primaryKey;size:190;not null"`
	ReadAtMillis int64  `gorm:"column:read_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReadReceipt) TableName() string {
	return "message_read_receipts"
}

// Task is the linkable view of a task. Task management lives elsewhere.
type Task struct {
	TaskID          string `gorm:"column:task_id;primaryKey;size:190;not null"`
	Title           string `gorm:"column:title;size:512;not null"`
	Status          string `gorm:"column:status;size:32;not null;default:'pending'"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Task) TableName() string {
	return "tasks"
}

// TaskConversationLink records that a task was shared into a conversation.
type TaskConversationLink struct {
	TaskID          string `gorm:"column:task_id;primaryKey;size:190;not null"`
	ConversationID  string `gorm:"column:conversation_id;primaryKey;size:190;not null;index"`
	CreatedBy       string `gorm:"column:created_by;size:190;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TaskConversationLink) TableName() string {
	return "task_conversation_links"
}
