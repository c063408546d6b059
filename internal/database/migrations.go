package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillLastMessageAt = "2024-06-01_backfill_last_message_at"
	migrationSeedSenderCursors     = "2024-06-02_seed_sender_read_cursors"
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
		{name: migrationBackfillLastMessageAt, apply: backfillLastMessageAt},
		{name: migrationSeedSenderCursors, apply: seedSenderCursors},
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

// backfillLastMessageAt fills the list ordering key for conversations written
// before it was tracked.
func backfillLastMessageAt(db *gorm.DB) error {
	return db.Model(&chat.Conversation{}).
		Where("last_message_id <> '' AND last_message_at_ms = 0").
		Update("last_message_at_ms", gorm.Expr(
			"(SELECT m.created_at_ms FROM messages AS m WHERE m.id = conversations.last_message_id)",
		)).Error
}

// seedSenderCursors moves every sender's cursor up to their newest own message
// so senders never see their own messages as unread.
func seedSenderCursors(db *gorm.DB) error {
	type senderMax struct {
		ConversationID string
		SenderID       string
		MaxSeq         int64
	}
	var rows []senderMax
	if err := db.Model(&chat.Message{}).
		Select("conversation_id, sender_id, MAX(seq) AS max_seq").
		Group("conversation_id, sender_id").
		Scan(&rows).Error; err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			var cursor chat.ReadCursor
			err := tx.Where("conversation_id = ? AND user_id = ?", row.ConversationID, row.SenderID).Take(&cursor).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				cursor = chat.ReadCursor{ConversationID: row.ConversationID, UserID: row.SenderID, LastReadSeq: row.MaxSeq}
				if err := tx.Create(&cursor).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			case cursor.LastReadSeq < row.MaxSeq:
				if err := tx.Model(&chat.ReadCursor{}).
					Where("conversation_id = ? AND user_id = ?", row.ConversationID, row.SenderID).
					Update("last_read_seq", row.MaxSeq).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
