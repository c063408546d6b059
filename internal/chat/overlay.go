package chat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Pin toggles the pinned flag for the viewer.
func (s *Service) Pin(ctx context.Context, conversationID, userID string, pinned bool) (ViewerOverlay, error) {
	return s.updateOverlay(ctx, conversationID, userID, func(overlay *ViewerOverlay, _ Conversation, _ Participant, nowMs int64) {
		overlay.IsPinned = pinned
		overlay.PinnedAtMs = 0
		if pinned {
			overlay.PinnedAtMs = nowMs
		}
	})
}

// Mute silences the conversation for the viewer until the given instant, or indefinitely when until is nil.
func (s *Service) Mute(ctx context.Context, conversationID, userID string, muted bool, until *time.Time) (ViewerOverlay, error) {
	if muted && until != nil && !until.After(s.clock()) {
		return ViewerOverlay{}, newValidationError(opOverlay, "mute_until", "past")
	}
	return s.updateOverlay(ctx, conversationID, userID, func(overlay *ViewerOverlay, _ Conversation, _ Participant, _ int64) {
		overlay.IsMuted = muted
		overlay.MuteUntilMs = nil
		if muted && until != nil {
			untilMs := until.UTC().UnixMilli()
			overlay.MuteUntilMs = &untilMs
		}
	})
}

func (s *Service) Archive(ctx context.Context, conversationID, userID string) (ViewerOverlay, error) {
	return s.updateOverlay(ctx, conversationID, userID, func(overlay *ViewerOverlay, _ Conversation, _ Participant, _ int64) {
		overlay.IsArchived = true
	})
}

// Restore clears the archived and hidden flags. Messages before HiddenBeforeSeq stay filtered.
func (s *Service) Restore(ctx context.Context, conversationID, userID string) (ViewerOverlay, error) {
	return s.updateOverlay(ctx, conversationID, userID, func(overlay *ViewerOverlay, _ Conversation, _ Participant, _ int64) {
		overlay.IsArchived = false
		overlay.IsHidden = false
	})
}

// Hide deletes the conversation for the viewer: it disappears from their list and
// every message up to the current sequence is filtered from their history.
func (s *Service) Hide(ctx context.Context, conversationID, userID string) (ViewerOverlay, error) {
	return s.updateOverlay(ctx, conversationID, userID, func(overlay *ViewerOverlay, conversation Conversation, participant Participant, _ int64) {
		overlay.IsHidden = true
		if visible := participant.visibleMaxSeq(conversation.LastSeq); visible > overlay.HiddenBeforeSeq {
			overlay.HiddenBeforeSeq = visible
		}
	})
}

type overlayMutation func(overlay *ViewerOverlay, conversation Conversation, participant Participant, nowMs int64)

func (s *Service) updateOverlay(ctx context.Context, conversationID, userID string, mutate overlayMutation) (ViewerOverlay, error) {
	db, err := s.database(opOverlay)
	if err != nil {
		return ViewerOverlay{}, err
	}
	unlock := s.locks.Lock("overlay:" + conversationID + ":" + userID)
	defer unlock()

	var overlay ViewerOverlay
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conversation, err := s.loadConversation(tx, opOverlay, conversationID)
		if err != nil {
			return err
		}
		participant, found, err := s.loadParticipant(tx, opOverlay, conversationID, userID)
		if err != nil {
			return err
		}
		if !found {
			return forbidden(opOverlay, reasonNotParticipant)
		}
		overlay, err = s.loadOverlay(tx, opOverlay, conversationID, userID)
		if err != nil {
			return err
		}
		nowMs := s.nowMs()
		mutate(&overlay, conversation, participant, nowMs)
		overlay.UpdatedAtMs = nowMs
		if err := tx.Save(&overlay).Error; err != nil {
			return s.storageError(opOverlay, reasonWriteFailed, err,
				zap.String("conversation_id", conversationID),
				zap.String("user_id", userID))
		}
		return nil
	})
	if err != nil {
		return ViewerOverlay{}, err
	}
	s.publish(ctx, Event{
		Type:           EventConversationUpdated,
		ConversationID: conversationID,
		ActorID:        userID,
		Recipients:     []string{userID},
		Reason:         ReasonOverlay,
	})
	return overlay, nil
}

// loadOverlay returns the stored overlay or the zero overlay when none exists yet.
func (s *Service) loadOverlay(db *gorm.DB, operation, conversationID, userID string) (ViewerOverlay, error) {
	var overlay ViewerOverlay
	err := db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).Take(&overlay).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ViewerOverlay{ConversationID: conversationID, UserID: userID}, nil
	}
	if err != nil {
		return ViewerOverlay{}, s.storageError(operation, reasonQueryFailed, err,
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID))
	}
	return overlay, nil
}

// unhide resurfaces a hidden conversation for the given users.
func (s *Service) unhide(tx *gorm.DB, operation, conversationID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	if err := tx.Model(&ViewerOverlay{}).
		Where("conversation_id = ? AND user_id IN ? AND is_hidden = ?", conversationID, userIDs, true).
		Updates(map[string]any{
			"is_hidden":     false,
			"updated_at_ms": s.nowMs(),
		}).Error; err != nil {
		return s.storageError(operation, reasonWriteFailed, err, zap.String("conversation_id", conversationID))
	}
	return nil
}
