package chat

import (
	"context"
	"time"
)

// EventType names a real-time event pushed to participants.
type EventType string

const (
	EventMessageNew          EventType = "message.new"
	EventMessageRecalled     EventType = "message.recalled"
	EventTypingChanged       EventType = "typing.changed"
	EventPresenceChanged     EventType = "presence.changed"
	EventConversationUpdated EventType = "conversation.updated"
)

// Reasons attached to conversation.updated events.
const (
	ReasonCreated              = "created"
	ReasonInvited              = "invited"
	ReasonRemoved              = "removed"
	ReasonLeft                 = "left"
	ReasonRoleChanged          = "role_changed"
	ReasonOwnershipTransferred = "ownership_transferred"
	ReasonInfoUpdated          = "info_updated"
	ReasonRead                 = "read"
	ReasonOverlay              = "overlay"
	ReasonMessageDeleted       = "message_deleted"
)

// Event describes a committed change. Recipients are the users whose view changed.
type Event struct {
	Type           EventType
	ConversationID string
	ActorID        string
	Recipients     []string
	Reason         string
	Message        *MessageView
	OccurredAt     time.Time
}

// EventSink receives events after the originating write has committed.
// Implementations must not block and must not fail the write.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

// MessageView is the caller-facing projection of a message.
type MessageView struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversation_id"`
	Seq              int64          `json:"seq"`
	SenderID         string         `json:"sender_id"`
	Type             MessageType    `json:"type"`
	Content          string         `json:"content,omitempty"`
	MediaRef         string         `json:"media_ref,omitempty"`
	ThumbnailRef     string         `json:"thumbnail_ref,omitempty"`
	FileName         string         `json:"file_name,omitempty"`
	FileSize         int64          `json:"file_size,omitempty"`
	DurationSeconds  int            `json:"duration_s,omitempty"`
	ReplyToMessageID *string        `json:"reply_to_message_id,omitempty"`
	Status           DeliveryStatus `json:"status"`
	IsRecalled       bool           `json:"is_recalled"`
	RecalledAtMs     *int64         `json:"recalled_at_ms,omitempty"`
	CreatedAtMs      int64          `json:"created_at_ms"`
}

func newMessageView(message Message, status DeliveryStatus) MessageView {
	return MessageView{
		ID:               message.ID,
		ConversationID:   message.ConversationID,
		Seq:              message.Seq,
		SenderID:         message.SenderID,
		Type:             message.Type,
		Content:          message.Content,
		MediaRef:         message.MediaRef,
		ThumbnailRef:     message.ThumbnailRef,
		FileName:         message.FileName,
		FileSize:         message.FileSize,
		DurationSeconds:  message.DurationSeconds,
		ReplyToMessageID: message.ReplyToMessageID,
		Status:           status,
		IsRecalled:       message.IsRecalled,
		RecalledAtMs:     message.RecalledAtMs,
		CreatedAtMs:      message.CreatedAtMs,
	}
}
