package server

import (
	"github.com/MarcoPoloResearchLab/parley/internal/chat"
)

type createConversationPayload struct {
	Kind        string   `json:"kind" binding:"required"`
	MemberIDs   []string `json:"member_ids"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	AvatarRef   string   `json:"avatar_ref"`
	OrderRef    string   `json:"order_ref"`
}

type updateConversationPayload struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	AvatarRef   *string `json:"avatar_ref"`
}

type invitePayload struct {
	UserIDs []string `json:"user_ids" binding:"required,min=1,dive,required"`
}

type rolePayload struct {
	Role string `json:"role" binding:"required"`
}

type ownerPayload struct {
	UserID string `json:"user_id" binding:"required"`
}

type pinPayload struct {
	Pinned *bool `json:"pinned" binding:"required"`
}

type mutePayload struct {
	Muted   *bool  `json:"muted" binding:"required"`
	UntilMs *int64 `json:"until_ms"`
}

type sendPayload struct {
	Type             string `json:"type" binding:"required"`
	Content          string `json:"content"`
	MediaRef         string `json:"media_ref"`
	ThumbnailRef     string `json:"thumbnail_ref"`
	DurationSeconds  int    `json:"duration_s"`
	FileName         string `json:"file_name"`
	FileSize         int64  `json:"file_size"`
	ReplyToMessageID string `json:"reply_to_message_id"`
}

type markReadPayload struct {
	UptoSeq   *int64 `json:"upto_seq"`
	MessageID string `json:"message_id"`
}

type overlayResponse struct {
	ConversationID  string `json:"conversation_id"`
	IsPinned        bool   `json:"is_pinned"`
	IsMuted         bool   `json:"is_muted"`
	MuteUntilMs     *int64 `json:"mute_until_ms,omitempty"`
	IsArchived      bool   `json:"is_archived"`
	IsHidden        bool   `json:"is_hidden"`
	HiddenBeforeSeq int64  `json:"hidden_before_seq"`
}

func newOverlayResponse(overlay chat.ViewerOverlay) overlayResponse {
	return overlayResponse{
		ConversationID:  overlay.ConversationID,
		IsPinned:        overlay.IsPinned,
		IsMuted:         overlay.IsMuted,
		MuteUntilMs:     overlay.MuteUntilMs,
		IsArchived:      overlay.IsArchived,
		IsHidden:        overlay.IsHidden,
		HiddenBeforeSeq: overlay.HiddenBeforeSeq,
	}
}

type participantResponse struct {
	UserID     string    `json:"user_id"`
	Role       chat.Role `json:"role"`
	JoinedAtMs int64     `json:"joined_at_ms"`
	Active     bool      `json:"active"`
}

type conversationResponse struct {
	ID            string                `json:"id"`
	Kind          chat.ConversationKind `json:"kind"`
	Title         string                `json:"title"`
	Description   string                `json:"description,omitempty"`
	AvatarRef     string                `json:"avatar_ref,omitempty"`
	OwnerID       string                `json:"owner_id"`
	OrderRef      *string               `json:"order_ref,omitempty"`
	Version       int64                 `json:"version"`
	Created       bool                  `json:"created,omitempty"`
	Role          chat.Role             `json:"role"`
	Active        bool                  `json:"active"`
	LastSeq       int64                 `json:"last_seq"`
	LastReadSeq   int64                 `json:"last_read_seq"`
	UnreadCount   int64                 `json:"unread_count"`
	LastMessage   *chat.MessageView     `json:"last_message,omitempty"`
	Overlay       overlayResponse       `json:"overlay"`
	Participants  []participantResponse `json:"participants"`
	ArchivedAtMs  *int64                `json:"archived_at_ms,omitempty"`
	CreatedAtMs   int64                 `json:"created_at_ms"`
	LastMessageAt int64                 `json:"last_message_at_ms,omitempty"`
}

func newConversationResponse(view chat.ViewerConversation) conversationResponse {
	conversation := view.Conversation
	response := conversationResponse{
		ID:            conversation.ID,
		Kind:          conversation.Kind,
		Title:         conversation.Title,
		Description:   conversation.Description,
		AvatarRef:     conversation.AvatarRef,
		OwnerID:       conversation.OwnerID,
		OrderRef:      conversation.OrderRef,
		Version:       conversation.Version,
		Role:          view.Self.Role,
		Active:        view.Self.Active(),
		LastSeq:       view.VisibleMaxSeq(),
		LastReadSeq:   view.LastReadSeq,
		UnreadCount:   view.UnreadCount,
		LastMessage:   view.LastMessage,
		Overlay:       newOverlayResponse(view.Overlay),
		Participants:  make([]participantResponse, 0, len(view.Participants)),
		ArchivedAtMs:  conversation.ArchivedAtMs,
		CreatedAtMs:   conversation.CreatedAtMs,
		LastMessageAt: conversation.LastMessageAtMs,
	}
	response.Overlay.ConversationID = conversation.ID
	for _, participant := range view.Participants {
		response.Participants = append(response.Participants, participantResponse{
			UserID:     participant.UserID,
			Role:       participant.Role,
			JoinedAtMs: participant.JoinedAtMs,
			Active:     participant.Active(),
		})
	}
	return response
}
