package chat

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultHistoryPageSize = 50
	maxHistoryPageSize     = 200
)

// SendRequest is a message submitted by a participant.
type SendRequest struct {
	ConversationID   string
	SenderID         string
	Type             MessageType
	Payload          MessagePayload
	ReplyToMessageID string
}

// HistoryRequest pages backwards through a conversation. BeforeSeq of zero starts at the newest message.
type HistoryRequest struct {
	ConversationID string
	ViewerID       string
	BeforeSeq      int64
	PageSize       int
}

// HistoryPage holds messages newest first.
type HistoryPage struct {
	Messages      []MessageView `json:"messages"`
	NextBeforeSeq int64         `json:"next_before_seq"`
	HasMore       bool          `json:"has_more"`
}

// Send appends a message, assigning the next sequence of the conversation.
func (s *Service) Send(ctx context.Context, request SendRequest) (MessageView, error) {
	if request.Type == MessageTypeSystem || request.Type == MessageTypeRecalled {
		return MessageView{}, newValidationError(opSend, "type", "unsupported")
	}
	if err := ValidatePayload(request.Type, request.Payload); err != nil {
		return MessageView{}, err
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		return MessageView{}, s.storageError(opSend, "id_failed", err)
	}

	var view MessageView
	var recipients []string
	err = s.inConversation(ctx, opSend, request.ConversationID, func(tx *gorm.DB, conversation Conversation) error {
		if _, err := s.requireActive(tx, opSend, conversation.ID, request.SenderID); err != nil {
			return err
		}

		var replyTo *string
		if replyID := strings.TrimSpace(request.ReplyToMessageID); replyID != "" {
			var count int64
			if err := tx.Model(&Message{}).
				Where("id = ? AND conversation_id = ?", replyID, conversation.ID).
				Count(&count).Error; err != nil {
				return s.storageError(opSend, reasonQueryFailed, err, zap.String("message_id", replyID))
			}
			if count == 0 {
				return newValidationError(opSend, "reply_to_message_id", "unknown")
			}
			replyTo = &replyID
		}

		nowMs := s.nowMs()
		message := Message{
			ID:               messageID,
			ConversationID:   conversation.ID,
			Seq:              conversation.LastSeq + 1,
			SenderID:         request.SenderID,
			Type:             request.Type,
			Content:          request.Payload.Content,
			MediaRef:         strings.TrimSpace(request.Payload.MediaRef),
			ThumbnailRef:     strings.TrimSpace(request.Payload.ThumbnailRef),
			FileName:         strings.TrimSpace(request.Payload.FileName),
			FileSize:         request.Payload.FileSize,
			DurationSeconds:  request.Payload.DurationSeconds,
			ReplyToMessageID: replyTo,
			CreatedAtMs:      nowMs,
		}
		if err := tx.Create(&message).Error; err != nil {
			return s.storageError(opSend, reasonWriteFailed, err,
				zap.String("conversation_id", conversation.ID),
				zap.String("message_id", messageID))
		}
		if err := tx.Model(&Conversation{}).
			Where("id = ?", conversation.ID).
			Updates(map[string]any{
				"last_seq":           message.Seq,
				"last_message_id":    message.ID,
				"last_message_at_ms": nowMs,
				"version":            gorm.Expr("version + 1"),
			}).Error; err != nil {
			return s.storageError(opSend, reasonWriteFailed, err, zap.String("conversation_id", conversation.ID))
		}
		if _, _, err := s.advanceCursor(tx, opSend, conversation.ID, request.SenderID, message.Seq); err != nil {
			return err
		}

		active, err := s.activeParticipants(tx, opSend, conversation.ID)
		if err != nil {
			return err
		}
		recipients = participantIDs(active)
		if err := s.unhide(tx, opSend, conversation.ID, recipients); err != nil {
			return err
		}
		state, err := s.readStateFor(tx, opSend, conversation.ID, active)
		if err != nil {
			return err
		}
		view = newMessageView(message, state.statusOf(message))
		return nil
	})
	if err != nil {
		return MessageView{}, err
	}

	s.metrics.MessageSent(string(view.Type))
	message := view
	s.publish(ctx, Event{
		Type:           EventMessageNew,
		ConversationID: view.ConversationID,
		ActorID:        view.SenderID,
		Recipients:     recipients,
		Message:        &message,
	})
	return view, nil
}

// Recall tombstones a message. Only the sender may recall, once, within RecallWindow.
func (s *Service) Recall(ctx context.Context, messageID, actorID string) (MessageView, error) {
	db, err := s.database(opRecall)
	if err != nil {
		return MessageView{}, err
	}
	located, err := s.findMessage(db.WithContext(ctx), opRecall, messageID)
	if err != nil {
		return MessageView{}, err
	}

	var view MessageView
	var recipients []string
	err = s.inConversation(ctx, opRecall, located.ConversationID, func(tx *gorm.DB, conversation Conversation) error {
		participant, found, err := s.loadParticipant(tx, opRecall, conversation.ID, actorID)
		if err != nil {
			return err
		}
		if !found {
			return notFound(opRecall, "message_not_found")
		}
		message, err := s.findMessage(tx, opRecall, messageID)
		if err != nil {
			return err
		}
		if message.SenderID != actorID {
			return forbidden(opRecall, "not_sender")
		}
		if !participant.Active() {
			return forbidden(opRecall, reasonParticipantLeft)
		}
		if message.IsRecalled {
			return invalidState(opRecall, "already_recalled")
		}
		nowMs := s.nowMs()
		windowStartMs := nowMs - RecallWindow.Milliseconds()
		if message.CreatedAtMs < windowStartMs {
			return invalidState(opRecall, "window_expired")
		}

		result := tx.Model(&Message{}).
			Where("id = ? AND is_recalled = ? AND created_at_ms >= ?", messageID, false, windowStartMs).
			Updates(map[string]any{
				"is_recalled":    true,
				"recalled_at_ms": nowMs,
				"type":           MessageTypeRecalled,
				"content":        "",
				"media_ref":      "",
				"thumbnail_ref":  "",
				"file_name":      "",
				"file_size":      0,
				"duration_s":     0,
			})
		if result.Error != nil {
			return s.storageError(opRecall, reasonWriteFailed, result.Error, zap.String("message_id", messageID))
		}
		if result.RowsAffected == 0 {
			return invalidState(opRecall, "already_recalled")
		}
		if err := s.bumpVersion(tx, opRecall, conversation.ID); err != nil {
			return err
		}

		message, err = s.findMessage(tx, opRecall, messageID)
		if err != nil {
			return err
		}
		active, err := s.activeParticipants(tx, opRecall, conversation.ID)
		if err != nil {
			return err
		}
		state, err := s.readStateFor(tx, opRecall, conversation.ID, active)
		if err != nil {
			return err
		}
		recipients = participantIDs(active)
		view = newMessageView(message, state.statusOf(message))
		return nil
	})
	if err != nil {
		return MessageView{}, err
	}

	s.metrics.MessageRecalled()
	message := view
	s.publish(ctx, Event{
		Type:           EventMessageRecalled,
		ConversationID: view.ConversationID,
		ActorID:        actorID,
		Recipients:     recipients,
		Message:        &message,
	})
	return view, nil
}

// DeleteForMe hides a single message from userID only.
func (s *Service) DeleteForMe(ctx context.Context, messageID, userID string) error {
	db, err := s.database(opDeleteForMe)
	if err != nil {
		return err
	}
	db = db.WithContext(ctx)
	message, err := s.findMessage(db, opDeleteForMe, messageID)
	if err != nil {
		return err
	}
	if _, err := s.visibleTo(db, opDeleteForMe, message, userID); err != nil {
		return err
	}
	hide := MessageHide{MessageID: messageID, UserID: userID, HiddenAtMs: s.nowMs()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&hide).Error; err != nil {
		return s.storageError(opDeleteForMe, reasonWriteFailed, err,
			zap.String("message_id", messageID),
			zap.String("user_id", userID))
	}
	s.publish(ctx, Event{
		Type:           EventConversationUpdated,
		ConversationID: message.ConversationID,
		ActorID:        userID,
		Recipients:     []string{userID},
		Reason:         ReasonMessageDeleted,
	})
	return nil
}

// History returns a page of messages visible to the viewer, newest first.
func (s *Service) History(ctx context.Context, request HistoryRequest) (HistoryPage, error) {
	db, err := s.database(opHistory)
	if err != nil {
		return HistoryPage{}, err
	}
	db = db.WithContext(ctx)

	pageSize := request.PageSize
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}

	conversation, err := s.loadConversation(db, opHistory, request.ConversationID)
	if err != nil {
		return HistoryPage{}, err
	}
	participant, found, err := s.loadParticipant(db, opHistory, conversation.ID, request.ViewerID)
	if err != nil {
		return HistoryPage{}, err
	}
	if !found {
		return HistoryPage{}, forbidden(opHistory, reasonNotParticipant)
	}
	overlay, err := s.loadOverlay(db, opHistory, conversation.ID, request.ViewerID)
	if err != nil {
		return HistoryPage{}, err
	}

	upper := participant.visibleMaxSeq(conversation.LastSeq)
	if request.BeforeSeq > 0 && request.BeforeSeq-1 < upper {
		upper = request.BeforeSeq - 1
	}
	if upper <= overlay.HiddenBeforeSeq {
		return HistoryPage{Messages: []MessageView{}}, nil
	}

	var messages []Message
	hidden := db.Model(&MessageHide{}).Select("message_id").Where("user_id = ?", request.ViewerID)
	if err := db.Where("conversation_id = ? AND seq > ? AND seq <= ?", conversation.ID, overlay.HiddenBeforeSeq, upper).
		Where("id NOT IN (?)", hidden).
		Order("seq DESC").
		Limit(pageSize + 1).
		Find(&messages).Error; err != nil {
		return HistoryPage{}, s.storageError(opHistory, reasonQueryFailed, err, zap.String("conversation_id", conversation.ID))
	}

	page := HistoryPage{}
	if len(messages) > pageSize {
		page.HasMore = true
		messages = messages[:pageSize]
	}

	active, err := s.activeParticipants(db, opHistory, conversation.ID)
	if err != nil {
		return HistoryPage{}, err
	}
	state, err := s.readStateFor(db, opHistory, conversation.ID, active)
	if err != nil {
		return HistoryPage{}, err
	}
	page.Messages = make([]MessageView, 0, len(messages))
	for _, message := range messages {
		page.Messages = append(page.Messages, newMessageView(message, state.statusOf(message)))
	}
	if page.HasMore {
		page.NextBeforeSeq = messages[len(messages)-1].Seq
	}
	return page, nil
}

// MessageByID returns one message if it is visible to the viewer.
func (s *Service) MessageByID(ctx context.Context, messageID, viewerID string) (MessageView, error) {
	db, err := s.database(opMessage)
	if err != nil {
		return MessageView{}, err
	}
	db = db.WithContext(ctx)
	message, err := s.findMessage(db, opMessage, messageID)
	if err != nil {
		return MessageView{}, err
	}
	if _, err := s.visibleTo(db, opMessage, message, viewerID); err != nil {
		return MessageView{}, err
	}
	var hides int64
	if err := db.Model(&MessageHide{}).
		Where("message_id = ? AND user_id = ?", messageID, viewerID).
		Count(&hides).Error; err != nil {
		return MessageView{}, s.storageError(opMessage, reasonQueryFailed, err, zap.String("message_id", messageID))
	}
	if hides > 0 {
		return MessageView{}, notFound(opMessage, "message_not_found")
	}
	active, err := s.activeParticipants(db, opMessage, message.ConversationID)
	if err != nil {
		return MessageView{}, err
	}
	state, err := s.readStateFor(db, opMessage, message.ConversationID, active)
	if err != nil {
		return MessageView{}, err
	}
	return newMessageView(message, state.statusOf(message)), nil
}

func (s *Service) findMessage(db *gorm.DB, operation, messageID string) (Message, error) {
	var message Message
	err := db.Where("id = ?", messageID).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, notFound(operation, "message_not_found")
	}
	if err != nil {
		return Message{}, s.storageError(operation, reasonQueryFailed, err, zap.String("message_id", messageID))
	}
	return message, nil
}

// visibleTo checks that the viewer participates and that the message falls inside their visible range.
func (s *Service) visibleTo(db *gorm.DB, operation string, message Message, viewerID string) (Participant, error) {
	participant, found, err := s.loadParticipant(db, operation, message.ConversationID, viewerID)
	if err != nil {
		return Participant{}, err
	}
	if !found || message.Seq > participant.visibleMaxSeq(message.Seq) {
		return Participant{}, notFound(operation, "message_not_found")
	}
	overlay, err := s.loadOverlay(db, operation, message.ConversationID, viewerID)
	if err != nil {
		return Participant{}, err
	}
	if message.Seq <= overlay.HiddenBeforeSeq {
		return Participant{}, notFound(operation, "message_not_found")
	}
	return participant, nil
}
