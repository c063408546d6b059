package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendAssignsStrictlyIncreasingSequencesUnderConcurrency(t *testing.T) {
	h := newTestHarness(t)
	senders := []string{"alice", "bob", "carol", "dave"}
	conversation := h.createGroup(t, senders[0], senders[1:]...)

	const perSender = 10
	var wg sync.WaitGroup
	errs := make(chan error, len(senders)*perSender)
	for _, sender := range senders {
		wg.Add(1)
		go func(senderID string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := h.service.Send(context.Background(), SendRequest{
					ConversationID: conversation.ID,
					SenderID:       senderID,
					Type:           MessageTypeText,
					Payload:        MessagePayload{Content: fmt.Sprintf("%s-%d", senderID, i)},
				})
				if err != nil {
					errs <- err
				}
			}
		}(sender)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	page, err := h.service.History(context.Background(), HistoryRequest{
		ConversationID: conversation.ID,
		ViewerID:       "alice",
		PageSize:       maxHistoryPageSize,
	})
	require.NoError(t, err)
	total := len(senders) * perSender
	require.Len(t, page.Messages, total)
	for index, message := range page.Messages {
		require.Equal(t, int64(total-index), message.Seq)
	}

	var stored Conversation
	require.NoError(t, h.db.Where("id = ?", conversation.ID).Take(&stored).Error)
	require.Equal(t, int64(total), stored.LastSeq)
	require.Equal(t, page.Messages[0].ID, stored.LastMessageID)
}

func TestSendRejectsNonParticipantsAndInvalidPayloads(t *testing.T) {
	h := newTestHarness(t)
	conversation := h.createGroup(t, "alice", "bob")

	_, err := h.service.Send(context.Background(), SendRequest{
		ConversationID: conversation.ID,
		SenderID:       "mallory",
		Type:           MessageTypeText,
		Payload:        MessagePayload{Content: "hi"},
	})
	requireKind(t, err, KindForbidden, "chat.send.not_participant")

	_, err = h.service.Send(context.Background(), SendRequest{
		ConversationID: conversation.ID,
		SenderID:       "alice",
		Type:           MessageTypeVoice,
		Payload:        MessagePayload{MediaRef: "voice/1", DurationSeconds: 61},
	})
	requireKind(t, err, KindValidationFailed, "")

	_, err = h.service.Send(context.Background(), SendRequest{
		ConversationID: conversation.ID,
		SenderID:       "alice",
		Type:           MessageTypeSystem,
		Payload:        MessagePayload{Content: "spoofed"},
	})
	requireKind(t, err, KindValidationFailed, "chat.send.unsupported")

	_, err = h.service.Send(context.Background(), SendRequest{
		ConversationID: "missing",
		SenderID:       "alice",
		Type:           MessageTypeText,
		Payload:        MessagePayload{Content: "hi"},
	})
	require.True(t, errors.Is(err, ErrNotFound))

	var count int64
	require.NoError(t, h.db.Model(&Message{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSendRejectsUnknownReplyTarget(t *testing.T) {
	h := newTestHarness(t)
	conversation := h.createGroup(t, "alice", "bob")
	first := h.sendText(t, conversation.ID, "alice", "question")

	reply, err := h.service.Send(context.Background(), SendRequest{
		ConversationID:   conversation.ID,
		SenderID:         "bob",
		Type:             MessageTypeText,
		Payload:          MessagePayload{Content: "answer"},
		ReplyToMessageID: first.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyToMessageID)
	require.Equal(t, first.ID, *reply.ReplyToMessageID)

	_, err = h.service.Send(context.Background(), SendRequest{
		ConversationID:   conversation.ID,
		SenderID:         "bob",
		Type:             MessageTypeText,
		Payload:          MessagePayload{Content: "answer"},
		ReplyToMessageID: "nope",
	})
	requireKind(t, err, KindValidationFailed, "chat.send.unknown")
}

func TestRecallHonorsWindowAndSingleUse(t *testing.T) {
	h := newTestHarness(t)
	conversation := h.createGroup(t, "alice", "bob")
	ctx := context.Background()

	early := h.sendText(t, conversation.ID, "alice", "oops")
	h.clock.Advance(119 * time.Second)

	_, err := h.service.Recall(ctx, early.ID, "bob")
	requireKind(t, err, KindForbidden, "chat.recall.not_sender")

	recalled, err := h.service.Recall(ctx, early.ID, "alice")
	require.NoError(t, err)
	require.True(t, recalled.IsRecalled)
	require.Equal(t, MessageTypeRecalled, recalled.Type)
	require.Empty(t, recalled.Content)
	require.NotNil(t, recalled.RecalledAtMs)

	event := h.sink.Last()
	require.Equal(t, EventMessageRecalled, event.Type)
	require.ElementsMatch(t, []string{"alice", "bob"}, event.Recipients)

	_, err = h.service.Recall(ctx, early.ID, "alice")
	requireKind(t, err, KindInvalidState, "chat.recall.already_recalled")

	late := h.sendText(t, conversation.ID, "alice", "too late")
	h.clock.Advance(121 * time.Second)
	_, err = h.service.Recall(ctx, late.ID, "alice")
	requireKind(t, err, KindInvalidState, "chat.recall.window_expired")

	_, err = h.service.Recall(ctx, late.ID, "mallory")
	requireKind(t, err, KindNotFound, "")

	var stored Message
	require.NoError(t, h.db.Where("id = ?", early.ID).Take(&stored).Error)
	require.True(t, stored.IsRecalled)
	require.Equal(t, int64(1), stored.Seq)
}

func TestRecallAcceptsExactWindowBoundary(t *testing.T) {
	h := newTestHarness(t)
	conversation := h.createGroup(t, "alice")
	message := h.sendText(t, conversation.ID, "alice", "edge")
	h.clock.Advance(RecallWindow)

	_, err := h.service.Recall(context.Background(), message.ID, "alice")
	require.NoError(t, err)
}

func TestConcurrentRecallSucceedsOnce(t *testing.T) {
	h := newTestHarness(t)
	conversation := h.createGroup(t, "alice", "bob")
	message := h.sendText(t, conversation.ID, "alice", "race")

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.service.Recall(context.Background(), message.ID, "alice")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, errors.Is(err, ErrInvalidState), "unexpected error %v", err)
	}
	require.Equal(t, 1, succeeded)
}

func TestHistoryPagesBackwardsAndHonorsHides(t *testing.T) {
	h := newTestHarness(t)
	conversation := h.createGroup(t, "alice", "bob")
	ctx := context.Background()
	var sent []MessageView
	for i := 1; i <= 5; i++ {
		sent = append(sent, h.sendText(t, conversation.ID, "alice", fmt.Sprintf("m%d", i)))
	}

	page, err := h.service.History(ctx, HistoryRequest{ConversationID: conversation.ID, ViewerID: "bob", PageSize: 2})
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Equal(t, []int64{5, 4}, seqs(page.Messages))
	require.Equal(t, int64(4), page.NextBeforeSeq)

	page, err = h.service.History(ctx, HistoryRequest{ConversationID: conversation.ID, ViewerID: "bob", BeforeSeq: page.NextBeforeSeq, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, []int64{3, 2}, seqs(page.Messages))

	require.NoError(t, h.service.DeleteForMe(ctx, sent[2].ID, "bob"))
	page, err = h.service.History(ctx, HistoryRequest{ConversationID: conversation.ID, ViewerID: "bob"})
	require.NoError(t, err)
	require.Equal(t, []int64{5, 4, 2, 1}, seqs(page.Messages))
	require.False(t, page.HasMore)

	page, err = h.service.History(ctx, HistoryRequest{ConversationID: conversation.ID, ViewerID: "alice"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 5)

	_, err = h.service.MessageByID(ctx, sent[2].ID, "bob")
	requireKind(t, err, KindNotFound, "")
	view, err := h.service.MessageByID(ctx, sent[2].ID, "alice")
	require.NoError(t, err)
	require.Equal(t, "m3", view.Content)

	_, err = h.service.History(ctx, HistoryRequest{ConversationID: conversation.ID, ViewerID: "mallory"})
	requireKind(t, err, KindForbidden, "chat.history.not_participant")
}

func TestHideIsIndependentPerViewer(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	created, err := h.service.CreateConversation(ctx, CreateConversationRequest{
		Kind:      ConversationKindPrivate,
		CreatorID: "alice",
		MemberIDs: []string{"bob"},
	})
	require.NoError(t, err)
	conversationID := created.Conversation.ID
	h.sendText(t, conversationID, "alice", "one")
	h.sendText(t, conversationID, "bob", "two")

	overlay, err := h.service.Hide(ctx, conversationID, "alice")
	require.NoError(t, err)
	require.True(t, overlay.IsHidden)
	require.Equal(t, int64(2), overlay.HiddenBeforeSeq)

	alicePage, err := h.service.History(ctx, HistoryRequest{ConversationID: conversationID, ViewerID: "alice"})
	require.NoError(t, err)
	require.Empty(t, alicePage.Messages)

	bobPage, err := h.service.History(ctx, HistoryRequest{ConversationID: conversationID, ViewerID: "bob"})
	require.NoError(t, err)
	require.Len(t, bobPage.Messages, 2)
	bobView := h.viewFor(t, "bob", conversationID)
	require.False(t, bobView.Overlay.IsHidden)
	require.Zero(t, bobView.Overlay.HiddenBeforeSeq)

	_, err = h.service.Hide(ctx, conversationID, "bob")
	require.NoError(t, err)
	aliceView := h.viewFor(t, "alice", conversationID)
	require.Equal(t, int64(2), aliceView.Overlay.HiddenBeforeSeq)
	require.Nil(t, aliceView.LastMessage)

	var count int64
	require.NoError(t, h.db.Model(&Message{}).Where("conversation_id = ?", conversationID).Count(&count).Error)
	require.Equal(t, int64(2), count)

	h.sendText(t, conversationID, "bob", "three")
	aliceView = h.viewFor(t, "alice", conversationID)
	require.False(t, aliceView.Overlay.IsHidden)
	require.Equal(t, int64(1), aliceView.UnreadCount)
	require.NotNil(t, aliceView.LastMessage)
	require.Equal(t, "three", aliceView.LastMessage.Content)

	alicePage, err = h.service.History(ctx, HistoryRequest{ConversationID: conversationID, ViewerID: "alice"})
	require.NoError(t, err)
	require.Equal(t, []int64{3}, seqs(alicePage.Messages))
}

func TestLeftParticipantHistoryIsCapped(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	conversation := h.createGroup(t, "alice", "bob")
	h.sendText(t, conversation.ID, "alice", "before")
	require.NoError(t, h.service.Leave(ctx, conversation.ID, "bob"))
	after := h.sendText(t, conversation.ID, "alice", "after")

	page, err := h.service.History(ctx, HistoryRequest{ConversationID: conversation.ID, ViewerID: "bob"})
	require.NoError(t, err)
	require.Equal(t, []int64{1}, seqs(page.Messages))

	_, err = h.service.MessageByID(ctx, after.ID, "bob")
	requireKind(t, err, KindNotFound, "")

	view := h.viewFor(t, "bob", conversation.ID)
	require.Equal(t, int64(1), view.UnreadCount)
	require.Equal(t, "before", view.LastMessage.Content)
}

func TestPreviewsAcrossConversationsSkipDeletedNewest(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	plain := h.createGroup(t, "alice", "bob")
	h.sendText(t, plain.ID, "alice", "plain newest")
	trimmed := h.createGroup(t, "alice", "bob")
	h.sendText(t, trimmed.ID, "alice", "kept")
	newest := h.sendText(t, trimmed.ID, "alice", "deleted for bob")
	empty := h.createGroup(t, "alice", "bob")

	require.NoError(t, h.service.DeleteForMe(ctx, newest.ID, "bob"))

	previews := map[string]string{}
	views, err := h.service.ViewerConversations(ctx, "bob")
	require.NoError(t, err)
	for _, view := range views {
		if view.LastMessage != nil {
			previews[view.Conversation.ID] = view.LastMessage.Content
		}
	}
	require.Equal(t, map[string]string{
		plain.ID:   "plain newest",
		trimmed.ID: "kept",
	}, previews)
	require.NotContains(t, previews, empty.ID)

	require.Equal(t, "deleted for bob", h.viewFor(t, "alice", trimmed.ID).LastMessage.Content)
}

func seqs(messages []MessageView) []int64 {
	result := make([]int64, 0, len(messages))
	for _, message := range messages {
		result = append(result, message.Seq)
	}
	return result
}
