package chat

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ViewerConversation is one conversation as seen by a single participant.
type ViewerConversation struct {
	Conversation Conversation
	Self         Participant
	Overlay      ViewerOverlay
	LastReadSeq  int64
	UnreadCount  int64
	LastMessage  *MessageView
	Participants []Participant
}

// VisibleMaxSeq is the highest sequence the viewer may see.
func (v ViewerConversation) VisibleMaxSeq() int64 {
	return v.Self.visibleMaxSeq(v.Conversation.LastSeq)
}

// ViewerConversations returns every conversation userID participates in or has left,
// including hidden ones. Callers apply list filtering.
func (s *Service) ViewerConversations(ctx context.Context, userID string) ([]ViewerConversation, error) {
	db, err := s.database(opViewerConversations)
	if err != nil {
		return nil, err
	}
	db = db.WithContext(ctx)

	var selves []Participant
	if err := db.Where("user_id = ?", userID).Find(&selves).Error; err != nil {
		return nil, s.storageError(opViewerConversations, reasonQueryFailed, err, zap.String("user_id", userID))
	}
	return s.composeViews(db, opViewerConversations, userID, selves)
}

// Conversation returns the detail view of one conversation for viewerID.
func (s *Service) Conversation(ctx context.Context, conversationID, viewerID string) (ViewerConversation, error) {
	db, err := s.database(opConversation)
	if err != nil {
		return ViewerConversation{}, err
	}
	db = db.WithContext(ctx)

	if _, err := s.loadConversation(db, opConversation, conversationID); err != nil {
		return ViewerConversation{}, err
	}
	self, found, err := s.loadParticipant(db, opConversation, conversationID, viewerID)
	if err != nil {
		return ViewerConversation{}, err
	}
	if !found {
		return ViewerConversation{}, forbidden(opConversation, reasonNotParticipant)
	}
	views, err := s.composeViews(db, opConversation, viewerID, []Participant{self})
	if err != nil {
		return ViewerConversation{}, err
	}
	if len(views) == 0 {
		return ViewerConversation{}, notFound(opConversation, reasonConversation)
	}
	return views[0], nil
}

// PrivateCounterparts lists the users sharing a private conversation with userID.
func (s *Service) PrivateCounterparts(ctx context.Context, userID string) ([]string, error) {
	db, err := s.database(opPrivateCounterparts)
	if err != nil {
		return nil, err
	}
	var ids []string
	err = db.WithContext(ctx).Raw(`
		SELECT DISTINCT other.user_id
		FROM conversation_participants AS mine
		JOIN conversations AS c ON c.id = mine.conversation_id
		JOIN conversation_participants AS other ON other.conversation_id = mine.conversation_id
		WHERE mine.user_id = ? AND c.kind = ? AND other.user_id <> ?
		ORDER BY other.user_id`,
		userID, string(ConversationKindPrivate), userID).
		Scan(&ids).Error
	if err != nil {
		return nil, s.storageError(opPrivateCounterparts, reasonQueryFailed, err, zap.String("user_id", userID))
	}
	return ids, nil
}

// ActiveParticipantIDs lists the users currently in the conversation.
func (s *Service) ActiveParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	db, err := s.database(opActiveParticipants)
	if err != nil {
		return nil, err
	}
	participants, err := s.activeParticipants(db.WithContext(ctx), opActiveParticipants, conversationID)
	if err != nil {
		return nil, err
	}
	return participantIDs(participants), nil
}

func (s *Service) composeViews(db *gorm.DB, operation, userID string, selves []Participant) ([]ViewerConversation, error) {
	if len(selves) == 0 {
		return []ViewerConversation{}, nil
	}
	conversationIDs := make([]string, 0, len(selves))
	for _, self := range selves {
		conversationIDs = append(conversationIDs, self.ConversationID)
	}
	fail := func(err error) ([]ViewerConversation, error) {
		return nil, s.storageError(operation, reasonQueryFailed, err, zap.String("user_id", userID))
	}

	var conversations []Conversation
	if err := db.Where("id IN ?", conversationIDs).Find(&conversations).Error; err != nil {
		return fail(err)
	}
	var overlays []ViewerOverlay
	if err := db.Where("user_id = ? AND conversation_id IN ?", userID, conversationIDs).Find(&overlays).Error; err != nil {
		return fail(err)
	}
	var members []Participant
	if err := db.Where("conversation_id IN ?", conversationIDs).
		Order("joined_at_ms ASC, user_id ASC").
		Find(&members).Error; err != nil {
		return fail(err)
	}
	var cursors []ReadCursor
	if err := db.Where("conversation_id IN ?", conversationIDs).Find(&cursors).Error; err != nil {
		return fail(err)
	}

	conversationsByID := make(map[string]Conversation, len(conversations))
	for _, conversation := range conversations {
		conversationsByID[conversation.ID] = conversation
	}
	overlaysByID := make(map[string]ViewerOverlay, len(overlays))
	for _, overlay := range overlays {
		overlaysByID[overlay.ConversationID] = overlay
	}
	membersByID := make(map[string][]Participant, len(conversations))
	for _, member := range members {
		membersByID[member.ConversationID] = append(membersByID[member.ConversationID], member)
	}
	cursorsByID := make(map[string][]ReadCursor, len(conversations))
	for _, cursor := range cursors {
		cursorsByID[cursor.ConversationID] = append(cursorsByID[cursor.ConversationID], cursor)
	}

	lastMessages, err := s.lastVisibleMessages(db, operation, userID, selves, conversationsByID)
	if err != nil {
		return nil, err
	}

	views := make([]ViewerConversation, 0, len(selves))
	for _, self := range selves {
		conversation, ok := conversationsByID[self.ConversationID]
		if !ok {
			continue
		}
		overlay, ok := overlaysByID[conversation.ID]
		if !ok {
			overlay = ViewerOverlay{ConversationID: conversation.ID, UserID: userID}
		}
		state := newReadState(activeOnly(membersByID[conversation.ID]), cursorsByID[conversation.ID])

		view := ViewerConversation{
			Conversation: conversation,
			Self:         self,
			Overlay:      overlay,
			LastReadSeq:  state.cursors[userID],
			Participants: membersByID[conversation.ID],
		}
		floor := view.LastReadSeq
		if overlay.HiddenBeforeSeq > floor {
			floor = overlay.HiddenBeforeSeq
		}
		if unread := view.VisibleMaxSeq() - floor; unread > 0 {
			view.UnreadCount = unread
		}
		if message, ok := lastMessages[conversation.ID]; ok && message.Seq > overlay.HiddenBeforeSeq {
			preview := newMessageView(message, state.statusOf(message))
			view.LastMessage = &preview
		}
		views = append(views, view)
	}
	return views, nil
}

// lastVisibleMessages loads, per conversation, the newest message the viewer has not deleted.
// Previews come from each conversation's last_message_id in one read; a newest message
// the viewer deleted or cannot reach falls back to a scan.
func (s *Service) lastVisibleMessages(db *gorm.DB, operation, userID string, selves []Participant, conversations map[string]Conversation) (map[string]Message, error) {
	fail := func(err error, conversationID string) (map[string]Message, error) {
		return nil, s.storageError(operation, reasonQueryFailed, err,
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID))
	}

	upperByID := make(map[string]int64, len(selves))
	candidateIDs := make([]string, 0, len(selves))
	for _, self := range selves {
		conversation, ok := conversations[self.ConversationID]
		if !ok {
			continue
		}
		upper := self.visibleMaxSeq(conversation.LastSeq)
		if upper <= 0 {
			continue
		}
		upperByID[conversation.ID] = upper
		if conversation.LastMessageID != "" {
			candidateIDs = append(candidateIDs, conversation.LastMessageID)
		}
	}

	result := make(map[string]Message, len(upperByID))
	if len(candidateIDs) > 0 {
		var candidates []Message
		if err := db.Where("id IN ?", candidateIDs).Find(&candidates).Error; err != nil {
			return fail(err, "")
		}
		var hides []MessageHide
		if err := db.Where("user_id = ? AND message_id IN ?", userID, candidateIDs).Find(&hides).Error; err != nil {
			return fail(err, "")
		}
		hidden := make(map[string]struct{}, len(hides))
		for _, hide := range hides {
			hidden[hide.MessageID] = struct{}{}
		}
		for _, message := range candidates {
			if _, ok := hidden[message.ID]; ok {
				continue
			}
			if upper, ok := upperByID[message.ConversationID]; ok && message.Seq <= upper {
				result[message.ConversationID] = message
			}
		}
	}

	hiddenIDs := db.Model(&MessageHide{}).Select("message_id").Where("user_id = ?", userID)
	for conversationID, upper := range upperByID {
		if _, ok := result[conversationID]; ok {
			continue
		}
		var messages []Message
		if err := db.Where("conversation_id = ? AND seq <= ?", conversationID, upper).
			Where("id NOT IN (?)", hiddenIDs).
			Order("seq DESC").
			Limit(1).
			Find(&messages).Error; err != nil {
			return fail(err, conversationID)
		}
		if len(messages) == 1 {
			result[conversationID] = messages[0]
		}
	}
	return result, nil
}

func activeOnly(participants []Participant) []Participant {
	active := make([]Participant, 0, len(participants))
	for _, participant := range participants {
		if participant.Active() {
			active = append(active, participant)
		}
	}
	return active
}
