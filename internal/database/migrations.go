package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeDirectKind          = "2026-09-02_normalize_direct_conversation_kind"
	migrationBackfillConversationActivity = "2026-09-14_backfill_conversation_activity"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeDirectKind, apply: normalizeDirectConversationKind},
		{name: migrationBackfillConversationActivity, apply: backfillConversationActivity},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before the direct kind was canonical carry the legacy "dm" tag.
func normalizeDirectConversationKind(db *gorm.DB) error {
	return db.Model(&chat.Conversation{}).
		Where("kind = ?", "dm").
		Update("kind", chat.ConversationKindDirect).Error
}

// lastActivity only moves forward, so the backfill never lowers an existing value.
func backfillConversationActivity(db *gorm.DB) error {
	return db.Exec(`UPDATE conversations
SET last_activity_at_ms = (
	SELECT MAX(m.created_at_ms) FROM messages m
	WHERE m.conversation_id = conversations.conversation_id AND m.is_deleted = 0
)
WHERE last_activity_at_ms < (
	SELECT COALESCE(MAX(m.created_at_ms), 0) FROM messages m
	WHERE m.conversation_id = conversations.conversation_id AND m.is_deleted = 0
)`).Error
}
