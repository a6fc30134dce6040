package store

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tx exposes the writes allowed inside a Commit closure.
type Tx struct {
	db      *gorm.DB
	now     time.Time
	changes []Change
}

// Now is the commit clock captured when the transaction started.
func (tx *Tx) Now() time.Time {
	return tx.now
}

func (tx *Tx) record(kind ChangeKind, conversationID string, entityIDs ...string) {
	tx.changes = append(tx.changes, Change{
		Kind:           kind,
		ConversationID: conversationID,
		EntityIDs:      entityIDs,
		Timestamp:      tx.now,
	})
}

// DB returns the transaction handle for tables owned by other packages.
// Writes made through it commit or roll back with the rest of the closure.
func (tx *Tx) DB() *gorm.DB {
	return tx.db
}

// FindConversation returns nil when the conversation is unknown.
func (tx *Tx) FindConversation(conversationID chat.ConversationID) (*chat.Conversation, error) {
	var conversation chat.Conversation
	err := tx.db.Where("conversation_id = ?", conversationID.String()).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// FindUser returns nil when the user is unknown.
func (tx *Tx) FindUser(userID chat.UserID) (*chat.User, error) {
	var user chat.User
	err := tx.db.Where("user_id = ?", userID.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindMessage returns nil when the message is unknown.
func (tx *Tx) FindMessage(messageID chat.MessageID) (*chat.Message, error) {
	var message chat.Message
	err := tx.db.Where("message_id = ?", messageID.String()).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// FindMembership returns nil when the user is not a member.
func (tx *Tx) FindMembership(conversationID chat.ConversationID, userID chat.UserID) (*chat.Membership, error) {
	var membership chat.Membership
	err := tx.db.
		Where("conversation_id = ? AND user_id = ?", conversationID.String(), userID.String()).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

// SaveUser inserts the user or refreshes its profile fields. Blank profile
// fields leave the stored values untouched.
func (tx *Tx) SaveUser(user *chat.User) error {
	if user.CreatedAtMillis == 0 {
		user.CreatedAtMillis = chat.UnixMillis(tx.now)
	}
	if user.UpdatedAtMillis == 0 {
		user.UpdatedAtMillis = chat.UnixMillis(tx.now)
	}
	columns := []string{"updated_at_ms"}
	if user.DisplayName != "" {
		columns = append(columns, "display_name")
	}
	if user.Email != "" {
		columns = append(columns, "email")
	}
	if user.AvatarURL != "" {
		columns = append(columns, "avatar_url")
	}
	return tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(user).Error
}

// InsertConversation stores a conversation unless it already exists.
func (tx *Tx) InsertConversation(conversation *chat.Conversation) (bool, error) {
	result := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(conversation)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	tx.record(ChangeConversation, conversation.ConversationID, conversation.ConversationID)
	return true, nil
}

// InsertMembership stores a membership unless the pair already exists.
func (tx *Tx) InsertMembership(membership *chat.Membership) (bool, error) {
	result := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(membership)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	tx.record(ChangeMembership, membership.ConversationID, membership.UserID)
	return true, nil
}

// InsertMessage stores a message. A message identifier that already exists
// leaves the stored row untouched and reports false.
func (tx *Tx) InsertMessage(message *chat.Message) (bool, error) {
	result := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(message)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	tx.record(ChangeMessage, message.ConversationID, message.MessageID)
	return true, nil
}

// LinkMessageTask records a task referenced by a message.
func (tx *Tx) LinkMessageTask(messageID chat.MessageID, taskID chat.TaskID) (bool, error) {
	link := chat.MessageTaskLink{MessageID: messageID.String(), TaskID: taskID.String()}
	result := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&link)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// LinkTaskConversation records that a task was shared into a conversation.
func (tx *Tx) LinkTaskConversation(link *chat.TaskConversationLink) (bool, error) {
	result := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(link)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// AdvanceConversationActivity moves lastActivityAt forward to at. Older or
// equal timestamps leave the conversation untouched and report false.
func (tx *Tx) AdvanceConversationActivity(conversationID chat.ConversationID, at time.Time) (bool, error) {
	atMillis := chat.UnixMillis(at)
	result := tx.db.Model(&chat.Conversation{}).
		Where("conversation_id = ? AND last_activity_at_ms < ?", conversationID.String(), atMillis).
		Update("last_activity_at_ms", atMillis)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	tx.record(ChangeConversation, conversationID.String(), conversationID.String())
	return true, nil
}

// TouchConversation refreshes updatedAt to the commit clock.
func (tx *Tx) TouchConversation(conversationID chat.ConversationID) error {
	return tx.db.Model(&chat.Conversation{}).
		Where("conversation_id = ?", conversationID.String()).
		Update("updated_at_ms", chat.UnixMillis(tx.now)).Error
}

// InsertDeliveryReceipt stores the first delivery receipt per (message, user).
func (tx *Tx) InsertDeliveryReceipt(receipt *chat.DeliveryReceipt, conversationID chat.ConversationID) (bool, error) {
	result := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(receipt)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	tx.record(ChangeReceipt, conversationID.String(), receipt.MessageID)
	return true, nil
}

// InsertReadReceipt stores the first read receipt per (message, user).
func (tx *Tx) InsertReadReceipt(receipt *chat.ReadReceipt, conversationID chat.ConversationID) (bool, error) {
	result := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(receipt)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	tx.record(ChangeReceipt, conversationID.String(), receipt.MessageID)
	return true, nil
}

// AdvanceMembershipReadAt moves the member's read cursor forward only.
func (tx *Tx) AdvanceMembershipReadAt(conversationID chat.ConversationID, userID chat.UserID, at time.Time) (bool, error) {
	atMillis := chat.UnixMillis(at)
	result := tx.db.Model(&chat.Membership{}).
		Where("conversation_id = ? AND user_id = ? AND last_read_at_ms < ?", conversationID.String(), userID.String(), atMillis).
		Update("last_read_at_ms", atMillis)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	tx.record(ChangeMembership, conversationID.String(), userID.String())
	return true, nil
}

// EnqueueOutbox persists a command for replay after reconnect.
func (tx *Tx) EnqueueOutbox(command *OutboxCommand) (bool, error) {
	if command.CreatedAtMillis == 0 {
		command.CreatedAtMillis = chat.UnixMillis(tx.now)
	}
	result := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(command)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteOutbox removes a delivered or abandoned command.
func (tx *Tx) DeleteOutbox(commandID string) error {
	return tx.db.Where("command_id = ?", commandID).Delete(&OutboxCommand{}).Error
}

// RecordOutboxAttempt increments the attempt counter of a command.
func (tx *Tx) RecordOutboxAttempt(commandID string, lastError string) error {
	return tx.db.Model(&OutboxCommand{}).
		Where("command_id = ?", commandID).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": lastError,
		}).Error
}

// SaveTask inserts or refreshes the linkable view of a task.
func (tx *Tx) SaveTask(task *chat.Task) error {
	if task.CreatedAtMillis == 0 {
		task.CreatedAtMillis = chat.UnixMillis(tx.now)
	}
	return tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "status"}),
	}).Create(task).Error
}
