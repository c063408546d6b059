package inbox

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/chat"
)

// RecalledPlaceholder replaces the preview text of a recalled message.
const RecalledPlaceholder = "[message recalled]"

// Page is one slice of the viewer's conversation list.
type Page struct {
	Items    []Item `json:"items"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Total    int    `json:"total"`
	HasMore  bool   `json:"has_more"`
}

// Item is one conversation row in a list.
type Item struct {
	ConversationID string                `json:"conversation_id"`
	Kind           chat.ConversationKind `json:"kind"`
	Title          string                `json:"title"`
	Description    string                `json:"description,omitempty"`
	AvatarRef      string                `json:"avatar_ref,omitempty"`
	OrderRef       string                `json:"order_ref,omitempty"`
	Role           chat.Role             `json:"role"`
	Active         bool                  `json:"active"`
	IsPinned       bool                  `json:"is_pinned"`
	IsMuted        bool                  `json:"is_muted"`
	MuteUntilMs    *int64                `json:"mute_until_ms,omitempty"`
	IsArchived     bool                  `json:"is_archived"`
	UnreadCount    int64                 `json:"unread_count"`
	LastReadSeq    int64                 `json:"last_read_seq"`
	LastSeq        int64                 `json:"last_seq"`
	LastActivityMs int64                 `json:"last_activity_ms"`
	MemberCount    int                   `json:"member_count"`
	Version        int64                 `json:"version"`
	LastMessage    *Preview              `json:"last_message,omitempty"`
	Counterpart    *Counterpart          `json:"counterpart,omitempty"`
}

// Preview summarizes the newest visible message.
type Preview struct {
	MessageID   string              `json:"message_id"`
	Seq         int64               `json:"seq"`
	SenderID    string              `json:"sender_id"`
	Type        chat.MessageType    `json:"type"`
	Text        string              `json:"text"`
	Status      chat.DeliveryStatus `json:"status"`
	CreatedAtMs int64               `json:"created_at_ms"`
}

// Counterpart is the other member of a private conversation.
type Counterpart struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	Online       bool   `json:"online"`
	LastSeenAtMs int64  `json:"last_seen_at_ms,omitempty"`
}

func newItem(view chat.ViewerConversation, now time.Time) Item {
	conversation := view.Conversation
	item := Item{
		ConversationID: conversation.ID,
		Kind:           conversation.Kind,
		Title:          conversation.Title,
		Description:    conversation.Description,
		AvatarRef:      conversation.AvatarRef,
		Role:           view.Self.Role,
		Active:         view.Self.Active(),
		IsPinned:       view.Overlay.IsPinned,
		IsMuted:        view.Overlay.MutedAt(now),
		IsArchived:     view.Overlay.IsArchived,
		UnreadCount:    view.UnreadCount,
		LastReadSeq:    view.LastReadSeq,
		LastSeq:        view.VisibleMaxSeq(),
		LastActivityMs: conversation.LastActivityMs(),
		Version:        conversation.Version,
	}
	if conversation.OrderRef != nil {
		item.OrderRef = *conversation.OrderRef
	}
	if item.IsMuted {
		item.MuteUntilMs = view.Overlay.MuteUntilMs
	}
	for _, participant := range view.Participants {
		if participant.Active() {
			item.MemberCount++
		}
	}
	if message := view.LastMessage; message != nil {
		item.LastMessage = &Preview{
			MessageID:   message.ID,
			Seq:         message.Seq,
			SenderID:    message.SenderID,
			Type:        message.Type,
			Text:        previewText(*message),
			Status:      message.Status,
			CreatedAtMs: message.CreatedAtMs,
		}
		item.LastActivityMs = message.CreatedAtMs
	}
	return item
}

func previewText(message chat.MessageView) string {
	if message.IsRecalled {
		return RecalledPlaceholder
	}
	switch message.Type {
	case chat.MessageTypeImage:
		return "[image]"
	case chat.MessageTypeVoice:
		return "[voice]"
	case chat.MessageTypeVideo:
		return "[video]"
	case chat.MessageTypeFile:
		return "[file] " + message.FileName
	default:
		return message.Content
	}
}

func (i Item) matches(needle string) bool {
	if strings.Contains(strings.ToLower(i.Title), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(i.Description), needle) {
		return true
	}
	return i.Counterpart != nil && strings.Contains(strings.ToLower(i.Counterpart.DisplayName), needle)
}
