package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreatePrivateConversationIsIdempotentPerPair(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	first, err := h.service.CreateConversation(ctx, CreateConversationRequest{
		Kind:      ConversationKindPrivate,
		CreatorID: "alice",
		MemberIDs: []string{"bob"},
	})
	require.NoError(t, err)
	require.True(t, first.Created)
	require.Equal(t, "alice", first.Conversation.OwnerID)

	second, err := h.service.CreateConversation(ctx, CreateConversationRequest{
		Kind:      ConversationKindPrivate,
		CreatorID: "bob",
		MemberIDs: []string{"alice", "alice"},
	})
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Conversation.ID, second.Conversation.ID)

	var count int64
	require.NoError(t, h.db.Model(&Conversation{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	_, err = h.service.CreateConversation(ctx, CreateConversationRequest{
		Kind:      ConversationKindPrivate,
		CreatorID: "alice",
		MemberIDs: []string{"bob", "carol"},
	})
	requireKind(t, err, KindValidationFailed, "chat.create_conversation.private_requires_one")
}

func TestCreatePrivateConversationResurfacesHiddenConversation(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	created, err := h.service.CreateConversation(ctx, CreateConversationRequest{
		Kind:      ConversationKindPrivate,
		CreatorID: "alice",
		MemberIDs: []string{"bob"},
	})
	require.NoError(t, err)
	_, err = h.service.Hide(ctx, created.Conversation.ID, "alice")
	require.NoError(t, err)

	again, err := h.service.CreateConversation(ctx, CreateConversationRequest{
		Kind:      ConversationKindPrivate,
		CreatorID: "alice",
		MemberIDs: []string{"bob"},
	})
	require.NoError(t, err)
	require.Equal(t, created.Conversation.ID, again.Conversation.ID)
	require.False(t, h.viewFor(t, "alice", created.Conversation.ID).Overlay.IsHidden)
}

func TestCreateOrderConversationIsIdempotentPerOrder(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.service.CreateConversation(ctx, CreateConversationRequest{
		Kind:      ConversationKindOrder,
		CreatorID: "buyer",
		MemberIDs: []string{"seller"},
	})
	requireKind(t, err, KindValidationFailed, "chat.create_conversation.required")

	first, err := h.service.CreateConversation(ctx, CreateConversationRequest{
		Kind:      ConversationKindOrder,
		CreatorID: "buyer",
		MemberIDs: []string{"seller"},
		OrderRef:  "order-42",
		Title:     "Order 42",
	})
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := h.service.CreateConversation(ctx, CreateConversationRequest{
		Kind:      ConversationKindOrder,
		CreatorID: "courier",
		OrderRef:  "order-42",
	})
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Conversation.ID, second.Conversation.ID)

	ids, err := h.service.ActiveParticipantIDs(ctx, first.Conversation.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"buyer", "seller", "courier"}, ids)
}

func TestPrivateMembershipIsFixed(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	created, err := h.service.CreateConversation(ctx, CreateConversationRequest{
		Kind:      ConversationKindPrivate,
		CreatorID: "alice",
		MemberIDs: []string{"bob"},
	})
	require.NoError(t, err)
	conversationID := created.Conversation.ID

	_, err = h.service.Invite(ctx, conversationID, "alice", []string{"carol"})
	requireKind(t, err, KindInvalidState, "chat.invite.private_membership_fixed")
	requireKind(t, h.service.Remove(ctx, conversationID, "alice", "bob"), KindInvalidState, "chat.remove.private_membership_fixed")
	requireKind(t, h.service.Leave(ctx, conversationID, "bob"), KindInvalidState, "chat.leave.private_membership_fixed")
	requireKind(t, h.service.SetRole(ctx, conversationID, "alice", "bob", RoleAdmin), KindInvalidState, "chat.set_role.private_membership_fixed")
	requireKind(t, h.service.TransferOwnership(ctx, conversationID, "alice", "bob"), KindInvalidState, "chat.transfer_ownership.private_membership_fixed")
}

func TestOwnerLeaveRequiresTransfer(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	conversation := h.createGroup(t, "alice", "bob")

	requireKind(t, h.service.Leave(ctx, conversation.ID, "alice"), KindInvalidState, "chat.leave.sole_owner_leave")
	requireKind(t, h.service.Remove(ctx, conversation.ID, "bob", "alice"), KindForbidden, "chat.remove.owner_not_removable")

	require.NoError(t, h.service.TransferOwnership(ctx, conversation.ID, "alice", "bob"))
	require.NoError(t, h.service.Leave(ctx, conversation.ID, "alice"))

	var stored Conversation
	require.NoError(t, h.db.Where("id = ?", conversation.ID).Take(&stored).Error)
	require.Equal(t, "bob", stored.OwnerID)
	require.Nil(t, stored.ArchivedAtMs)

	view := h.viewFor(t, "bob", conversation.ID)
	require.Equal(t, RoleOwner, view.Self.Role)

	require.NoError(t, h.service.Leave(ctx, conversation.ID, "bob"))
	require.NoError(t, h.db.Where("id = ?", conversation.ID).Take(&stored).Error)
	require.NotNil(t, stored.ArchivedAtMs)

	ids, err := h.service.ActiveParticipantIDs(ctx, conversation.ID)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestTransferOwnershipRejectsNonOwners(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	conversation := h.createGroup(t, "alice", "bob", "carol")
	require.NoError(t, h.service.SetRole(ctx, conversation.ID, "alice", "bob", RoleAdmin))

	requireKind(t, h.service.TransferOwnership(ctx, conversation.ID, "bob", "carol"), KindForbidden, "chat.transfer_ownership.insufficient_role")
	requireKind(t, h.service.TransferOwnership(ctx, conversation.ID, "alice", "mallory"), KindNotFound, "")
	requireKind(t, h.service.TransferOwnership(ctx, conversation.ID, "alice", "alice"), KindValidationFailed, "")

	require.NoError(t, h.service.TransferOwnership(ctx, conversation.ID, "alice", "carol"))
	view := h.viewFor(t, "alice", conversation.ID)
	require.Equal(t, RoleAdmin, view.Self.Role)
	require.Equal(t, "carol", view.Conversation.OwnerID)
	require.Equal(t, ReasonOwnershipTransferred, h.sink.Last().Reason)
}

func TestRoleGuardsOnRemoveAndSetRole(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	conversation := h.createGroup(t, "owner", "admin1", "admin2", "member1", "member2")
	require.NoError(t, h.service.SetRole(ctx, conversation.ID, "owner", "admin1", RoleAdmin))
	require.NoError(t, h.service.SetRole(ctx, conversation.ID, "owner", "admin2", RoleAdmin))

	requireKind(t, h.service.Remove(ctx, conversation.ID, "member1", "member2"), KindForbidden, "chat.remove.insufficient_role")
	requireKind(t, h.service.Remove(ctx, conversation.ID, "admin1", "admin2"), KindForbidden, "chat.remove.insufficient_role")
	requireKind(t, h.service.SetRole(ctx, conversation.ID, "admin1", "admin2", RoleMember), KindForbidden, "chat.set_role.insufficient_role")
	requireKind(t, h.service.SetRole(ctx, conversation.ID, "member1", "member2", RoleAdmin), KindForbidden, "chat.set_role.insufficient_role")
	requireKind(t, h.service.SetRole(ctx, conversation.ID, "owner", "member1", RoleOwner), KindValidationFailed, "")
	requireKind(t, h.service.SetRole(ctx, conversation.ID, "admin1", "owner", RoleMember), KindForbidden, "chat.set_role.owner_role_fixed")

	require.NoError(t, h.service.Remove(ctx, conversation.ID, "admin1", "member2"))
	require.NoError(t, h.service.Remove(ctx, conversation.ID, "owner", "admin2"))
	requireKind(t, h.service.Remove(ctx, conversation.ID, "owner", "admin2"), KindNotFound, "chat.remove.participant_not_found")

	ids, err := h.service.ActiveParticipantIDs(ctx, conversation.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"owner", "admin1", "member1"}, ids)

	_, err = h.service.Send(ctx, SendRequest{
		ConversationID: conversation.ID,
		SenderID:       "member2",
		Type:           MessageTypeText,
		Payload:        MessagePayload{Content: "still here?"},
	})
	requireKind(t, err, KindForbidden, "chat.send.participant_left")
}

func TestInviteReactivatesLeftMembers(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	conversation := h.createGroup(t, "alice", "bob")
	h.sendText(t, conversation.ID, "alice", "hello")
	_, err := h.service.Hide(ctx, conversation.ID, "bob")
	require.NoError(t, err)
	require.NoError(t, h.service.Leave(ctx, conversation.ID, "bob"))

	added, err := h.service.Invite(ctx, conversation.ID, "alice", []string{"bob", "carol", " ", "alice"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"bob", "carol"}, added)

	event := h.sink.Last()
	require.Equal(t, EventConversationUpdated, event.Type)
	require.Equal(t, ReasonInvited, event.Reason)
	require.ElementsMatch(t, []string{"alice", "bob", "carol"}, event.Recipients)

	view := h.viewFor(t, "bob", conversation.ID)
	require.True(t, view.Self.Active())
	require.Equal(t, RoleMember, view.Self.Role)
	require.False(t, view.Overlay.IsHidden)

	added, err = h.service.Invite(ctx, conversation.ID, "carol", []string{"bob"})
	require.NoError(t, err)
	require.Empty(t, added)

	_, err = h.service.Invite(ctx, conversation.ID, "mallory", []string{"eve"})
	requireKind(t, err, KindForbidden, "chat.invite.not_participant")
}

func TestUpdateInfoRequiresAdmin(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	conversation := h.createGroup(t, "alice", "bob")
	title := "renamed"

	_, err := h.service.UpdateInfo(ctx, UpdateInfoRequest{ConversationID: conversation.ID, ActorID: "bob", Title: &title})
	requireKind(t, err, KindForbidden, "chat.update_info.insufficient_role")

	updated, err := h.service.UpdateInfo(ctx, UpdateInfoRequest{ConversationID: conversation.ID, ActorID: "alice", Title: &title})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Title)
	require.Greater(t, updated.Version, conversation.Version)

	_, err = h.service.UpdateInfo(ctx, UpdateInfoRequest{ConversationID: conversation.ID, ActorID: "alice"})
	requireKind(t, err, KindValidationFailed, "")
}

func TestPrivateCounterparts(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	for _, other := range []string{"bob", "carol"} {
		_, err := h.service.CreateConversation(ctx, CreateConversationRequest{
			Kind:      ConversationKindPrivate,
			CreatorID: "alice",
			MemberIDs: []string{other},
		})
		require.NoError(t, err)
	}
	h.createGroup(t, "alice", "dave")

	ids, err := h.service.PrivateCounterparts(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "carol"}, ids)

	ids, err = h.service.PrivateCounterparts(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, ids)
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	require.Equal(t, PairKey("a", "b"), PairKey("b", "a"))
	require.NotEqual(t, PairKey("a|b", "c"), PairKey("a", "b|c"))
}

func TestAuthorizeTable(t *testing.T) {
	testCases := []struct {
		role    Role
		action  Action
		allowed bool
	}{
		{RoleOwner, ActionTransferOwnership, true},
		{RoleOwner, ActionRemoveAdmin, true},
		{RoleAdmin, ActionRemoveMember, true},
		{RoleAdmin, ActionRemoveAdmin, false},
		{RoleAdmin, ActionDemoteAdmin, false},
		{RoleAdmin, ActionTransferOwnership, false},
		{RoleMember, ActionInvite, true},
		{RoleMember, ActionSetRole, false},
		{Role("ghost"), ActionInvite, false},
	}
	for _, testCase := range testCases {
		t.Run(string(testCase.role)+"/"+string(testCase.action), func(t *testing.T) {
			require.Equal(t, testCase.allowed, Authorize(testCase.role, testCase.action))
		})
	}
}
