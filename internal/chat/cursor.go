package chat

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReadResult reports the outcome of advancing a read cursor.
type ReadResult struct {
	ReadCount   int64 `json:"read_count"`
	LastReadSeq int64 `json:"last_read_seq"`
}

// MarkRead advances the viewer's cursor to uptoSeq, clamped to what they can see.
// ReadCount excludes messages hidden from the viewer by an earlier Hide.
// Lower or equal sequences leave the cursor unchanged.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string, uptoSeq int64) (ReadResult, error) {
	db, err := s.database(opMarkRead)
	if err != nil {
		return ReadResult{}, err
	}
	if uptoSeq < 0 {
		return ReadResult{}, newValidationError(opMarkRead, "upto_seq", "min")
	}

	var result ReadResult
	var advanced bool
	var recipients []string
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conversation, err := s.loadConversation(tx, opMarkRead, conversationID)
		if err != nil {
			return err
		}
		participant, found, err := s.loadParticipant(tx, opMarkRead, conversationID, userID)
		if err != nil {
			return err
		}
		if !found {
			return forbidden(opMarkRead, reasonNotParticipant)
		}
		target := uptoSeq
		if visible := participant.visibleMaxSeq(conversation.LastSeq); target > visible {
			target = visible
		}

		previous, moved, err := s.advanceCursor(tx, opMarkRead, conversationID, userID, target)
		if err != nil {
			return err
		}
		if !moved {
			result = ReadResult{LastReadSeq: previous}
			return nil
		}
		advanced = true
		overlay, err := s.loadOverlay(tx, opMarkRead, conversationID, userID)
		if err != nil {
			return err
		}
		floor := max(previous, overlay.HiddenBeforeSeq)
		result = ReadResult{ReadCount: max(0, target-floor), LastReadSeq: target}

		active, err := s.activeParticipants(tx, opMarkRead, conversationID)
		if err != nil {
			return err
		}
		recipients = participantIDs(active)
		return nil
	})
	if err != nil {
		return ReadResult{}, err
	}
	if advanced {
		s.publish(ctx, Event{
			Type:           EventConversationUpdated,
			ConversationID: conversationID,
			ActorID:        userID,
			Recipients:     recipients,
			Reason:         ReasonRead,
		})
	}
	return result, nil
}

// MarkReadUpTo advances the cursor to the sequence of messageID.
func (s *Service) MarkReadUpTo(ctx context.Context, conversationID, userID, messageID string) (ReadResult, error) {
	db, err := s.database(opMarkRead)
	if err != nil {
		return ReadResult{}, err
	}
	message, err := s.findMessage(db.WithContext(ctx), opMarkRead, messageID)
	if err != nil {
		return ReadResult{}, err
	}
	if message.ConversationID != conversationID {
		return ReadResult{}, notFound(opMarkRead, "message_not_found")
	}
	return s.MarkRead(ctx, conversationID, userID, message.Seq)
}

// advanceCursor moves the cursor forward with a compare-and-set and returns the previous value.
func (s *Service) advanceCursor(tx *gorm.DB, operation, conversationID, userID string, target int64) (int64, bool, error) {
	fields := []zap.Field{zap.String("conversation_id", conversationID), zap.String("user_id", userID)}

	var cursor ReadCursor
	err := tx.Where("conversation_id = ? AND user_id = ?", conversationID, userID).Take(&cursor).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if target <= 0 {
			return 0, false, nil
		}
		created := ReadCursor{
			ConversationID: conversationID,
			UserID:         userID,
			LastReadSeq:    target,
			UpdatedAtMs:    s.nowMs(),
		}
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&created)
		if insert.Error != nil {
			return 0, false, s.storageError(operation, reasonWriteFailed, insert.Error, fields...)
		}
		if insert.RowsAffected == 1 {
			return 0, true, nil
		}
		// Lost the insert race; fall through to the conditional update.
		if err := tx.Where("conversation_id = ? AND user_id = ?", conversationID, userID).Take(&cursor).Error; err != nil {
			return 0, false, s.storageError(operation, reasonQueryFailed, err, fields...)
		}
	case err != nil:
		return 0, false, s.storageError(operation, reasonQueryFailed, err, fields...)
	}

	if target <= cursor.LastReadSeq {
		return cursor.LastReadSeq, false, nil
	}
	update := tx.Model(&ReadCursor{}).
		Where("conversation_id = ? AND user_id = ? AND last_read_seq < ?", conversationID, userID, target).
		Updates(map[string]any{
			"last_read_seq": target,
			"updated_at_ms": s.nowMs(),
		})
	if update.Error != nil {
		return 0, false, s.storageError(operation, reasonWriteFailed, update.Error, fields...)
	}
	return cursor.LastReadSeq, update.RowsAffected == 1, nil
}
