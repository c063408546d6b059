package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sequentialIDs struct {
	next atomic.Int64
}

func (g *sequentialIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%05d", g.next.Add(1)), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recordingSink) Last() Event {
	events := r.Events()
	if len(events) == 0 {
		return Event{}
	}
	return events[len(events)-1]
}

type testHarness struct {
	service *Service
	db      *gorm.DB
	clock   *fakeClock
	sink    *recordingSink
}

func newTestHarness(t *testing.T) testHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Models()...))

	clock := newFakeClock()
	sink := &recordingSink{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{},
		Sinks:      []EventSink{sink},
	})
	require.NoError(t, err)
	return testHarness{service: service, db: db, clock: clock, sink: sink}
}

func (h testHarness) createGroup(t *testing.T, ownerID string, memberIDs ...string) Conversation {
	t.Helper()
	result, err := h.service.CreateConversation(context.Background(), CreateConversationRequest{
		Kind:      ConversationKindGroup,
		CreatorID: ownerID,
		MemberIDs: memberIDs,
		Title:     "team",
	})
	require.NoError(t, err)
	require.True(t, result.Created)
	return result.Conversation
}

func (h testHarness) sendText(t *testing.T, conversationID, senderID, content string) MessageView {
	t.Helper()
	view, err := h.service.Send(context.Background(), SendRequest{
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           MessageTypeText,
		Payload:        MessagePayload{Content: content},
	})
	require.NoError(t, err)
	return view
}

func (h testHarness) viewFor(t *testing.T, userID, conversationID string) ViewerConversation {
	t.Helper()
	views, err := h.service.ViewerConversations(context.Background(), userID)
	require.NoError(t, err)
	for _, view := range views {
		if view.Conversation.ID == conversationID {
			return view
		}
	}
	t.Fatalf("conversation %s not visible to %s", conversationID, userID)
	return ViewerConversation{}
}

func requireKind(t *testing.T, err error, kind ErrorKind, code string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "unexpected kind for %v", err)
	if code != "" {
		var serviceErr *ServiceError
		require.ErrorAs(t, err, &serviceErr)
		require.Equal(t, code, serviceErr.Code())
	}
}
