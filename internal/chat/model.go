package chat

import (
	"fmt"
	"strings"
	"time"
)

// ConversationKind enumerates the supported conversation shapes.
type ConversationKind string

const (
	// ConversationKindPrivate is a conversation between exactly two permanent members.
	ConversationKindPrivate ConversationKind = "private"
	// ConversationKindGroup is a multi-member conversation with roles.
	ConversationKindGroup ConversationKind = "group"
	// ConversationKindOrder is a group bound to an external order reference.
	ConversationKindOrder ConversationKind = "order"
)

// ParseConversationKind validates raw input and returns a ConversationKind.
func ParseConversationKind(raw string) (ConversationKind, error) {
	switch kind := ConversationKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case ConversationKindPrivate, ConversationKindGroup, ConversationKindOrder:
		return kind, nil
	default:
		return "", fmt.Errorf("chat: unknown conversation kind %q", raw)
	}
}

// Role is a participant's standing inside a conversation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ParseRole validates raw input and returns a Role.
func ParseRole(raw string) (Role, error) {
	switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case RoleOwner, RoleAdmin, RoleMember:
		return role, nil
	default:
		return "", fmt.Errorf("chat: unknown role %q", raw)
	}
}

// MessageType enumerates message payload shapes.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeVoice  MessageType = "voice"
	MessageTypeVideo  MessageType = "video"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
	// MessageTypeRecalled marks a tombstoned message.
	MessageTypeRecalled MessageType = "recalled"
)

// ParseMessageType validates raw input and returns a MessageType.
func ParseMessageType(raw string) (MessageType, error) {
	switch messageType := MessageType(strings.ToLower(strings.TrimSpace(raw))); messageType {
	case MessageTypeText, MessageTypeImage, MessageTypeVoice, MessageTypeVideo, MessageTypeFile, MessageTypeSystem, MessageTypeRecalled:
		return messageType, nil
	default:
		return "", fmt.Errorf("chat: unknown message type %q", raw)
	}
}

// DeliveryStatus is the effective status of a message as shown to viewers.
type DeliveryStatus string

const (
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
)

// RecallWindow bounds how long after sending a sender may recall a message.
const RecallWindow = 2 * time.Minute

// Conversation is the shared channel row. It is never physically deleted.
type Conversation struct {
	ID              string           `gorm:"column:id;primaryKey;size:64;not null"`
	Kind            ConversationKind `gorm:"column:kind;size:16;not null"`
	Title           string           `gorm:"column:title;size:190;not null;default:''"`
	Description     string           `gorm:"column:description;size:1024;not null;default:''"`
	AvatarRef       string           `gorm:"column:avatar_ref;size:512;not null;default:''"`
	OwnerID         string           `gorm:"column:owner_id;size:190;not null"`
	PairKey         *string          `gorm:"column:pair_key;size:400;uniqueIndex:idx_conversations_pair_key"`
	OrderRef        *string          `gorm:"column:order_ref;size:190;uniqueIndex:idx_conversations_order_ref"`
	LastSeq         int64            `gorm:"column:last_seq;not null;default:0"`
	LastMessageID   string           `gorm:"column:last_message_id;size:64;not null;default:''"`
	LastMessageAtMs int64            `gorm:"column:last_message_at_ms;not null;default:0"`
	Version         int64            `gorm:"column:version;not null;default:1"`
	ArchivedAtMs    *int64           `gorm:"column:archived_at_ms"`
	CreatedAtMs     int64            `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// LastActivityMs is the ordering key used by conversation lists.
func (c Conversation) LastActivityMs() int64 {
	if c.LastMessageAtMs > 0 {
		return c.LastMessageAtMs
	}
	return c.CreatedAtMs
}

// Participant binds a user to a conversation. Leaving is a soft delete.
type Participant struct {
	ConversationID string `gorm:"column:conversation_id;primaryKey;size:64;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_participants_user"`
	Role           Role   `gorm:"column:role;size:16;not null"`
	JoinedAtMs     int64  `gorm:"column:joined_at_ms;not null"`
	LeftAtMs       *int64 `gorm:"column:left_at_ms"`
	LeftAtSeq      *int64 `gorm:"column:left_at_seq"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "conversation_participants"
}

// Active reports whether the participant has not left.
func (p Participant) Active() bool {
	return p.LeftAtMs == nil
}

// visibleMaxSeq caps the sequence a participant may see.
func (p Participant) visibleMaxSeq(conversationSeq int64) int64 {
	if p.LeftAtSeq != nil && *p.LeftAtSeq < conversationSeq {
		return *p.LeftAtSeq
	}
	return conversationSeq
}

// ViewerOverlay holds per-viewer display flags layered over a shared conversation.
type ViewerOverlay struct {
	ConversationID  string `gorm:"column:conversation_id;primaryKey;size:64;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_overlays_user"`
	IsPinned        bool   `gorm:"column:is_pinned;not null;default:false"`
	PinnedAtMs      int64  `gorm:"column:pinned_at_ms;not null;default:0"`
	IsMuted         bool   `gorm:"column:is_muted;not null;default:false"`
	MuteUntilMs     *int64 `gorm:"column:mute_until_ms"`
	IsArchived      bool   `gorm:"column:is_archived;not null;default:false"`
	IsHidden        bool   `gorm:"column:is_hidden;not null;default:false"`
	HiddenBeforeSeq int64  `gorm:"column:hidden_before_seq;not null;default:0"`
	UpdatedAtMs     int64  `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ViewerOverlay) TableName() string {
	return "viewer_overlays"
}

// MutedAt reports whether the mute is in effect at the given instant.
func (o ViewerOverlay) MutedAt(now time.Time) bool {
	if !o.IsMuted {
		return false
	}
	if o.MuteUntilMs == nil {
		return true
	}
	return now.UnixMilli() < *o.MuteUntilMs
}

// Message is one entry of a conversation's append-only log.
type Message struct {
	ID               string      `gorm:"column:id;primaryKey;size:64;not null"`
	ConversationID   string      `gorm:"column:conversation_id;size:64;not null;uniqueIndex:idx_messages_conversation_seq,priority:1"`
	Seq              int64       `gorm:"column:seq;not null;uniqueIndex:idx_messages_conversation_seq,priority:2"`
	SenderID         string      `gorm:"column:sender_id;size:190;not null"`
	Type             MessageType `gorm:"column:type;size:16;not null"`
	Content          string      `gorm:"column:content;type:text;not null;default:''"`
	MediaRef         string      `gorm:"column:media_ref;size:512;not null;default:''"`
	ThumbnailRef     string      `gorm:"column:thumbnail_ref;size:512;not null;default:''"`
	FileName         string      `gorm:"column:file_name;size:255;not null;default:''"`
	FileSize         int64       `gorm:"column:file_size;not null;default:0"`
	DurationSeconds  int         `gorm:"column:duration_s;not null;default:0"`
	ReplyToMessageID *string     `gorm:"column:reply_to_message_id;size:64"`
	IsRecalled       bool        `gorm:"column:is_recalled;not null;default:false"`
	RecalledAtMs     *int64      `gorm:"column:recalled_at_ms"`
	CreatedAtMs      int64       `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// MessageHide records a per-viewer deletion of a single message.
type MessageHide struct {
	MessageID  string `gorm:"column:message_id;primaryKey;size:64;not null"`
	UserID     string `gorm:"column:user_id;primaryKey;size:190;not null"`
	HiddenAtMs int64  `gorm:"column:hidden_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MessageHide) TableName() string {
	return "message_hides"
}

// ReadCursor is the highest sequence a user has acknowledged in a conversation.
type ReadCursor struct {
	ConversationID string `gorm:"column:conversation_id;primaryKey;size:64;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastReadSeq    int64  `gorm:"column:last_read_seq;not null;default:0"`
	UpdatedAtMs    int64  `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ReadCursor) TableName() string {
	return "read_cursors"
}

// Models lists the persisted chat tables for schema migration.
func Models() []any {
	return []any{
		&Conversation{},
		&Participant{},
		&ViewerOverlay{},
		&Message{},
		&MessageHide{},
		&ReadCursor{},
	}
}
