package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxTitleLength       = 190
	maxDescriptionLength = 1024
)

// CreateConversationRequest describes a new conversation.
type CreateConversationRequest struct {
	Kind        ConversationKind
	CreatorID   string
	MemberIDs   []string
	Title       string
	Description string
	AvatarRef   string
	OrderRef    string
}

// CreateConversationResult reports whether a new conversation was stored or an existing one returned.
type CreateConversationResult struct {
	Conversation Conversation
	Created      bool
}

// UpdateInfoRequest carries the descriptive fields to change; nil fields are left untouched.
type UpdateInfoRequest struct {
	ConversationID string
	ActorID        string
	Title          *string
	Description    *string
	AvatarRef      *string
}

// PairKey is the unique key of the private conversation between two users.
func PairKey(first, second string) string {
	pair := []string{first, second}
	sort.Strings(pair)
	return fmt.Sprintf("%d:%s|%s", len(pair[0]), pair[0], pair[1])
}

// CreateConversation stores a conversation with the creator as owner.
// Private conversations are idempotent per user pair, order-linked ones per order reference.
func (s *Service) CreateConversation(ctx context.Context, request CreateConversationRequest) (CreateConversationResult, error) {
	db, err := s.database(opCreateConversation)
	if err != nil {
		return CreateConversationResult{}, err
	}

	creatorID := strings.TrimSpace(request.CreatorID)
	if creatorID == "" {
		return CreateConversationResult{}, newValidationError(opCreateConversation, "creator_id", "required")
	}
	memberIDs := normalizeUserIDs(request.MemberIDs, creatorID)
	title := strings.TrimSpace(request.Title)
	if len(title) > maxTitleLength {
		return CreateConversationResult{}, newValidationError(opCreateConversation, "title", "max")
	}
	description := strings.TrimSpace(request.Description)
	if len(description) > maxDescriptionLength {
		return CreateConversationResult{}, newValidationError(opCreateConversation, "description", "max")
	}

	conversation := Conversation{
		Kind:        request.Kind,
		Title:       title,
		Description: description,
		AvatarRef:   strings.TrimSpace(request.AvatarRef),
		OwnerID:     creatorID,
		Version:     1,
		CreatedAtMs: s.nowMs(),
	}

	lockKey := ""
	switch request.Kind {
	case ConversationKindPrivate:
		if len(memberIDs) != 1 {
			return CreateConversationResult{}, newValidationError(opCreateConversation, "member_ids", "private_requires_one")
		}
		pairKey := PairKey(creatorID, memberIDs[0])
		conversation.PairKey = &pairKey
		conversation.Title = ""
		conversation.Description = ""
		lockKey = "pair:" + pairKey
	case ConversationKindOrder:
		orderRef := strings.TrimSpace(request.OrderRef)
		if orderRef == "" {
			return CreateConversationResult{}, newValidationError(opCreateConversation, "order_ref", "required")
		}
		conversation.OrderRef = &orderRef
		lockKey = "order:" + orderRef
	case ConversationKindGroup:
	default:
		return CreateConversationResult{}, newValidationError(opCreateConversation, "kind", "unsupported")
	}

	if lockKey != "" {
		unlock := s.locks.Lock(lockKey)
		defer unlock()

		existing, found, lookupErr := s.findKeyedConversation(db.WithContext(ctx), conversation)
		if lookupErr != nil {
			return CreateConversationResult{}, lookupErr
		}
		if found {
			return s.resurface(ctx, existing, creatorID)
		}
	}

	conversationID, err := s.idProvider.NewID()
	if err != nil {
		return CreateConversationResult{}, s.storageError(opCreateConversation, "id_failed", err)
	}
	conversation.ID = conversationID

	participants := make([]Participant, 0, len(memberIDs)+1)
	participants = append(participants, Participant{
		ConversationID: conversationID,
		UserID:         creatorID,
		Role:           RoleOwner,
		JoinedAtMs:     conversation.CreatedAtMs,
	})
	for _, memberID := range memberIDs {
		participants = append(participants, Participant{
			ConversationID: conversationID,
			UserID:         memberID,
			Role:           RoleMember,
			JoinedAtMs:     conversation.CreatedAtMs,
		})
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conversation).Error; err != nil {
			return err
		}
		return tx.Create(&participants).Error
	})
	if err != nil {
		if lockKey != "" {
			// Another node won the unique index race.
			existing, found, lookupErr := s.findKeyedConversation(db.WithContext(ctx), conversation)
			if lookupErr == nil && found {
				return s.resurface(ctx, existing, creatorID)
			}
		}
		return CreateConversationResult{}, s.storageError(opCreateConversation, reasonWriteFailed, err,
			zap.String("conversation_id", conversationID),
			zap.String("user_id", creatorID))
	}

	s.publish(ctx, Event{
		Type:           EventConversationUpdated,
		ConversationID: conversation.ID,
		ActorID:        creatorID,
		Recipients:     participantIDs(participants),
		Reason:         ReasonCreated,
	})
	return CreateConversationResult{Conversation: conversation, Created: true}, nil
}

func (s *Service) findKeyedConversation(db *gorm.DB, template Conversation) (Conversation, bool, error) {
	query := db.Model(&Conversation{})
	switch {
	case template.PairKey != nil:
		query = query.Where("pair_key = ?", *template.PairKey)
	case template.OrderRef != nil:
		query = query.Where("order_ref = ?", *template.OrderRef)
	default:
		return Conversation{}, false, nil
	}
	var existing Conversation
	err := query.Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, s.storageError(opCreateConversation, reasonQueryFailed, err)
	}
	return existing, true, nil
}

// resurface returns an existing keyed conversation to its creator, un-hiding it for them.
// A creator outside an order-linked conversation is joined as a member.
func (s *Service) resurface(ctx context.Context, conversation Conversation, userID string) (CreateConversationResult, error) {
	var recipients []string
	err := s.inConversation(ctx, opCreateConversation, conversation.ID, func(tx *gorm.DB, locked Conversation) error {
		conversation = locked
		participant, found, err := s.loadParticipant(tx, opCreateConversation, locked.ID, userID)
		if err != nil {
			return err
		}
		switch {
		case !found && locked.Kind == ConversationKindPrivate:
			return forbidden(opCreateConversation, reasonNotParticipant)
		case !found || !participant.Active():
			if err := s.activate(tx, opCreateConversation, locked.ID, userID, RoleMember); err != nil {
				return err
			}
			if err := s.bumpVersion(tx, opCreateConversation, locked.ID); err != nil {
				return err
			}
		}
		if err := s.unhide(tx, opCreateConversation, locked.ID, []string{userID}); err != nil {
			return err
		}
		recipients = []string{userID}
		return nil
	})
	if err != nil {
		return CreateConversationResult{}, err
	}
	s.publish(ctx, Event{
		Type:           EventConversationUpdated,
		ConversationID: conversation.ID,
		ActorID:        userID,
		Recipients:     recipients,
		Reason:         ReasonCreated,
	})
	return CreateConversationResult{Conversation: conversation}, nil
}

// activate inserts a participant or re-activates a soft-left one.
func (s *Service) activate(tx *gorm.DB, operation, conversationID, userID string, role Role) error {
	nowMs := s.nowMs()
	participant := Participant{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		JoinedAtMs:     nowMs,
	}
	result := tx.Model(&Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Updates(map[string]any{
			"role":         role,
			"joined_at_ms": nowMs,
			"left_at_ms":   nil,
			"left_at_seq":  nil,
		})
	if result.Error != nil {
		return s.storageError(operation, reasonWriteFailed, result.Error,
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID))
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if err := tx.Create(&participant).Error; err != nil {
		return s.storageError(operation, reasonWriteFailed, err,
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID))
	}
	return nil
}

func (s *Service) deactivate(tx *gorm.DB, operation string, conversation Conversation, userID string) error {
	if err := tx.Model(&Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversation.ID, userID).
		Updates(map[string]any{
			"left_at_ms":  s.nowMs(),
			"left_at_seq": conversation.LastSeq,
		}).Error; err != nil {
		return s.storageError(operation, reasonWriteFailed, err,
			zap.String("conversation_id", conversation.ID),
			zap.String("user_id", userID))
	}
	return nil
}

// Invite adds users to a group conversation and returns the ids that were newly added.
func (s *Service) Invite(ctx context.Context, conversationID, actorID string, userIDs []string) ([]string, error) {
	targets := normalizeUserIDs(userIDs, actorID)
	if len(targets) == 0 {
		return nil, newValidationError(opInvite, "user_ids", "required")
	}

	var added []string
	var recipients []string
	err := s.inConversation(ctx, opInvite, conversationID, func(tx *gorm.DB, conversation Conversation) error {
		if conversation.Kind == ConversationKindPrivate {
			return invalidState(opInvite, reasonPrivateFixed)
		}
		actor, err := s.requireActive(tx, opInvite, conversationID, actorID)
		if err != nil {
			return err
		}
		if !Authorize(actor.Role, ActionInvite) {
			return forbidden(opInvite, reasonInsufficientRole)
		}
		for _, targetID := range targets {
			existing, found, err := s.loadParticipant(tx, opInvite, conversationID, targetID)
			if err != nil {
				return err
			}
			if found && existing.Active() {
				continue
			}
			if err := s.activate(tx, opInvite, conversationID, targetID, RoleMember); err != nil {
				return err
			}
			added = append(added, targetID)
		}
		if len(added) == 0 {
			return nil
		}
		if err := s.unhide(tx, opInvite, conversationID, added); err != nil {
			return err
		}
		if err := s.bumpVersion(tx, opInvite, conversationID); err != nil {
			return err
		}
		active, err := s.activeParticipants(tx, opInvite, conversationID)
		if err != nil {
			return err
		}
		recipients = participantIDs(active)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, Event{
		Type:           EventConversationUpdated,
		ConversationID: conversationID,
		ActorID:        actorID,
		Recipients:     recipients,
		Reason:         ReasonInvited,
	})
	return added, nil
}

// Remove soft-removes targetID. Removing an admin requires the owner; the owner cannot be removed.
func (s *Service) Remove(ctx context.Context, conversationID, actorID, targetID string) error {
	if actorID == targetID {
		return invalidState(opRemove, "use_leave")
	}
	var recipients []string
	err := s.inConversation(ctx, opRemove, conversationID, func(tx *gorm.DB, conversation Conversation) error {
		if conversation.Kind == ConversationKindPrivate {
			return invalidState(opRemove, reasonPrivateFixed)
		}
		actor, err := s.requireActive(tx, opRemove, conversationID, actorID)
		if err != nil {
			return err
		}
		target, found, err := s.loadParticipant(tx, opRemove, conversationID, targetID)
		if err != nil {
			return err
		}
		if !found || !target.Active() {
			return notFound(opRemove, "participant_not_found")
		}
		action := ActionRemoveMember
		switch target.Role {
		case RoleOwner:
			return forbidden(opRemove, "owner_not_removable")
		case RoleAdmin:
			action = ActionRemoveAdmin
		}
		if !Authorize(actor.Role, action) {
			return forbidden(opRemove, reasonInsufficientRole)
		}
		active, err := s.activeParticipants(tx, opRemove, conversationID)
		if err != nil {
			return err
		}
		if err := s.deactivate(tx, opRemove, conversation, targetID); err != nil {
			return err
		}
		if err := s.bumpVersion(tx, opRemove, conversationID); err != nil {
			return err
		}
		recipients = participantIDs(active)
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, Event{
		Type:           EventConversationUpdated,
		ConversationID: conversationID,
		ActorID:        actorID,
		Recipients:     recipients,
		Reason:         ReasonRemoved,
	})
	return nil
}

// Leave soft-leaves userID. The owner may leave only as the last active member,
// which archives the conversation.
func (s *Service) Leave(ctx context.Context, conversationID, userID string) error {
	var recipients []string
	err := s.inConversation(ctx, opLeave, conversationID, func(tx *gorm.DB, conversation Conversation) error {
		if conversation.Kind == ConversationKindPrivate {
			return invalidState(opLeave, reasonPrivateFixed)
		}
		participant, err := s.requireActive(tx, opLeave, conversationID, userID)
		if err != nil {
			return err
		}
		active, err := s.activeParticipants(tx, opLeave, conversationID)
		if err != nil {
			return err
		}
		if participant.Role == RoleOwner {
			if len(active) > 1 {
				return invalidState(opLeave, "sole_owner_leave")
			}
			if err := tx.Model(&Conversation{}).
				Where("id = ?", conversationID).
				Update("archived_at_ms", s.nowMs()).Error; err != nil {
				return s.storageError(opLeave, reasonWriteFailed, err, zap.String("conversation_id", conversationID))
			}
		}
		if err := s.deactivate(tx, opLeave, conversation, userID); err != nil {
			return err
		}
		if err := s.bumpVersion(tx, opLeave, conversationID); err != nil {
			return err
		}
		recipients = participantIDs(active)
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, Event{
		Type:           EventConversationUpdated,
		ConversationID: conversationID,
		ActorID:        userID,
		Recipients:     recipients,
		Reason:         ReasonLeft,
	})
	return nil
}

// SetRole assigns admin or member to targetID.
func (s *Service) SetRole(ctx context.Context, conversationID, actorID, targetID string, role Role) error {
	if role != RoleAdmin && role != RoleMember {
		return newValidationError(opSetRole, "role", "unsupported")
	}
	var recipients []string
	err := s.inConversation(ctx, opSetRole, conversationID, func(tx *gorm.DB, conversation Conversation) error {
		if conversation.Kind == ConversationKindPrivate {
			return invalidState(opSetRole, reasonPrivateFixed)
		}
		actor, err := s.requireActive(tx, opSetRole, conversationID, actorID)
		if err != nil {
			return err
		}
		if !Authorize(actor.Role, ActionSetRole) {
			return forbidden(opSetRole, reasonInsufficientRole)
		}
		target, found, err := s.loadParticipant(tx, opSetRole, conversationID, targetID)
		if err != nil {
			return err
		}
		if !found || !target.Active() {
			return notFound(opSetRole, "participant_not_found")
		}
		if target.Role == RoleOwner {
			return forbidden(opSetRole, "owner_role_fixed")
		}
		if target.Role == role {
			return nil
		}
		if target.Role == RoleAdmin && !Authorize(actor.Role, ActionDemoteAdmin) {
			return forbidden(opSetRole, reasonInsufficientRole)
		}
		if err := tx.Model(&Participant{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, targetID).
			Update("role", role).Error; err != nil {
			return s.storageError(opSetRole, reasonWriteFailed, err,
				zap.String("conversation_id", conversationID),
				zap.String("user_id", targetID))
		}
		if err := s.bumpVersion(tx, opSetRole, conversationID); err != nil {
			return err
		}
		active, err := s.activeParticipants(tx, opSetRole, conversationID)
		if err != nil {
			return err
		}
		recipients = participantIDs(active)
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, Event{
		Type:           EventConversationUpdated,
		ConversationID: conversationID,
		ActorID:        actorID,
		Recipients:     recipients,
		Reason:         ReasonRoleChanged,
	})
	return nil
}

// TransferOwnership promotes newOwnerID to owner and demotes the current owner to admin atomically.
func (s *Service) TransferOwnership(ctx context.Context, conversationID, actorID, newOwnerID string) error {
	if actorID == newOwnerID {
		return newValidationError(opTransferOwnership, "new_owner_id", "same_as_owner")
	}
	var recipients []string
	err := s.inConversation(ctx, opTransferOwnership, conversationID, func(tx *gorm.DB, conversation Conversation) error {
		if conversation.Kind == ConversationKindPrivate {
			return invalidState(opTransferOwnership, reasonPrivateFixed)
		}
		actor, err := s.requireActive(tx, opTransferOwnership, conversationID, actorID)
		if err != nil {
			return err
		}
		if !Authorize(actor.Role, ActionTransferOwnership) {
			return forbidden(opTransferOwnership, reasonInsufficientRole)
		}
		target, found, err := s.loadParticipant(tx, opTransferOwnership, conversationID, newOwnerID)
		if err != nil {
			return err
		}
		if !found || !target.Active() {
			return notFound(opTransferOwnership, "participant_not_found")
		}

		result := tx.Model(&Conversation{}).
			Where("id = ? AND owner_id = ?", conversationID, actorID).
			Updates(map[string]any{
				"owner_id": newOwnerID,
				"version":  gorm.Expr("version + 1"),
			})
		if result.Error != nil {
			return s.storageError(opTransferOwnership, reasonWriteFailed, result.Error, zap.String("conversation_id", conversationID))
		}
		if result.RowsAffected == 0 {
			return newServiceError(opTransferOwnership, "ownership_changed", KindConflict, nil)
		}
		roles := map[string]Role{actorID: RoleAdmin, newOwnerID: RoleOwner}
		for userID, role := range roles {
			if err := tx.Model(&Participant{}).
				Where("conversation_id = ? AND user_id = ?", conversationID, userID).
				Update("role", role).Error; err != nil {
				return s.storageError(opTransferOwnership, reasonWriteFailed, err,
					zap.String("conversation_id", conversationID),
					zap.String("user_id", userID))
			}
		}
		active, err := s.activeParticipants(tx, opTransferOwnership, conversationID)
		if err != nil {
			return err
		}
		recipients = participantIDs(active)
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, Event{
		Type:           EventConversationUpdated,
		ConversationID: conversationID,
		ActorID:        actorID,
		Recipients:     recipients,
		Reason:         ReasonOwnershipTransferred,
	})
	return nil
}

// UpdateInfo changes a group's title, description or avatar.
func (s *Service) UpdateInfo(ctx context.Context, request UpdateInfoRequest) (Conversation, error) {
	updates := map[string]any{}
	if request.Title != nil {
		title := strings.TrimSpace(*request.Title)
		if len(title) > maxTitleLength {
			return Conversation{}, newValidationError(opUpdateInfo, "title", "max")
		}
		updates["title"] = title
	}
	if request.Description != nil {
		description := strings.TrimSpace(*request.Description)
		if len(description) > maxDescriptionLength {
			return Conversation{}, newValidationError(opUpdateInfo, "description", "max")
		}
		updates["description"] = description
	}
	if request.AvatarRef != nil {
		updates["avatar_ref"] = strings.TrimSpace(*request.AvatarRef)
	}
	if len(updates) == 0 {
		return Conversation{}, newValidationError(opUpdateInfo, "title", "required")
	}
	updates["version"] = gorm.Expr("version + 1")

	var updated Conversation
	var recipients []string
	err := s.inConversation(ctx, opUpdateInfo, request.ConversationID, func(tx *gorm.DB, conversation Conversation) error {
		if conversation.Kind == ConversationKindPrivate {
			return invalidState(opUpdateInfo, reasonPrivateFixed)
		}
		actor, err := s.requireActive(tx, opUpdateInfo, conversation.ID, request.ActorID)
		if err != nil {
			return err
		}
		if !Authorize(actor.Role, ActionUpdateInfo) {
			return forbidden(opUpdateInfo, reasonInsufficientRole)
		}
		if err := tx.Model(&Conversation{}).Where("id = ?", conversation.ID).Updates(updates).Error; err != nil {
			return s.storageError(opUpdateInfo, reasonWriteFailed, err, zap.String("conversation_id", conversation.ID))
		}
		updated, err = s.loadConversation(tx, opUpdateInfo, conversation.ID)
		if err != nil {
			return err
		}
		active, err := s.activeParticipants(tx, opUpdateInfo, conversation.ID)
		if err != nil {
			return err
		}
		recipients = participantIDs(active)
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	s.publish(ctx, Event{
		Type:           EventConversationUpdated,
		ConversationID: updated.ID,
		ActorID:        request.ActorID,
		Recipients:     recipients,
		Reason:         ReasonInfoUpdated,
	})
	return updated, nil
}
