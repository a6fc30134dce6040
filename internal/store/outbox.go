package store

import (
	"context"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
)

// OutboxCommand is an outbound command waiting for a connected channel.
type OutboxCommand struct {
	CommandID       string `gorm:"column:command_id;primaryKey;size:190;not null"`
	Event           string `gorm:"column:event;size:64;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index"`
	Attempts        int    `gorm:"column:attempts;not null;default:0"`
	LastError       string `gorm:"column:last_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (OutboxCommand) TableName() string {
	return "outbox_commands"
}

// ListOutbox returns pending commands oldest first.
func (s *Store) ListOutbox(ctx context.Context, limit int) ([]OutboxCommand, error) {
	var commands []OutboxCommand
	query := s.db.WithContext(ctx).Order("created_at_ms ASC").Order("command_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&commands).Error; err != nil {
		s.logError(opQuery, "outbox_list_failed", err)
		return nil, newServiceError(opQuery, reasonQuery, err)
	}
	return commands, nil
}

// Models lists every row type the store persists, for schema migration.
func Models() []any {
	return []any{
		&chat.User{},
		&chat.Conversation{},
		&chat.Membership{},
		&chat.Message{},
		&chat.MessageTaskLink{},
		&chat.DeliveryReceipt{},
		&chat.ReadReceipt{},
		&chat.Task{},
		&chat.TaskConversationLink{},
		&OutboxCommand{},
	}
}
