// Package inbox composes a viewer's conversation list from chat state, profiles and presence.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/cache"
	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"github.com/MarcoPoloResearchLab/parley/internal/metrics"
	"github.com/MarcoPoloResearchLab/parley/internal/presence"
	"github.com/MarcoPoloResearchLab/parley/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 100
	defaultTTL        = 30 * time.Second
	invalidationLimit = 8
)

// ErrEmptyKeyword rejects searches without a keyword.
var ErrEmptyKeyword = errors.New("inbox: keyword required")

// Conversations is the chat read model the list is built from.
type Conversations interface {
	ViewerConversations(ctx context.Context, userID string) ([]chat.ViewerConversation, error)
}

// ProfileLookup resolves nicknames and avatars by user id.
type ProfileLookup interface {
	Lookup(ctx context.Context, ids []string) (map[string]users.Profile, error)
}

// PresenceSource reports live presence.
type PresenceSource interface {
	Snapshot(userIDs []string) map[string]presence.Entry
}

type Config struct {
	Conversations Conversations
	Profiles      ProfileLookup
	Presence      PresenceSource
	Store         cache.Store
	TTL           time.Duration
	Metrics       *metrics.Recorder
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Service serves cached conversation lists and invalidates them per user.
type Service struct {
	conversations Conversations
	profiles      ProfileLookup
	presence      PresenceSource
	store         cache.Store
	ttl           time.Duration
	metrics       *metrics.Recorder
	logger        *zap.Logger
	clock         func() time.Time
	fills         singleflight.Group
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Conversations == nil {
		return nil, errors.New("inbox: conversations source is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("inbox: cache store is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		conversations: cfg.Conversations,
		profiles:      cfg.Profiles,
		presence:      cfg.Presence,
		store:         cfg.Store,
		ttl:           ttl,
		metrics:       cfg.Metrics,
		logger:        logger,
		clock:         clock,
	}, nil
}

// ListRequest selects a page. Archived nil lists everything not hidden.
type ListRequest struct {
	Page     int
	PageSize int
	Archived *bool
}

func (r ListRequest) normalized() ListRequest {
	if r.Page < 1 {
		r.Page = 1
	}
	if r.PageSize <= 0 {
		r.PageSize = defaultPageSize
	}
	if r.PageSize > maxPageSize {
		r.PageSize = maxPageSize
	}
	return r
}

func (r ListRequest) filter() string {
	switch {
	case r.Archived == nil:
		return "all"
	case *r.Archived:
		return "archived"
	default:
		return "inbox"
	}
}

// List returns one page of the viewer's conversations, pinned first.
func (s *Service) List(ctx context.Context, userID string, request ListRequest) (Page, error) {
	request = request.normalized()
	generation := s.generation(ctx, userID)
	key := fmt.Sprintf("inbox:%s:g%d:%s:%d:%d", userID, generation, request.filter(), request.Page, request.PageSize)

	if cached, err := s.store.Get(ctx, key); err == nil {
		var page Page
		if err := json.Unmarshal(cached, &page); err == nil {
			s.metrics.CacheHit()
			return s.withPresence(page), nil
		}
		s.logger.Warn("inbox cache entry unreadable", zap.String("key", key))
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("inbox cache read failed", zap.String("key", key), zap.Error(err))
	}
	s.metrics.CacheMiss()

	result, err, _ := s.fills.Do(key, func() (any, error) {
		page, err := s.buildPage(ctx, userID, request)
		if err != nil {
			return Page{}, err
		}
		if encoded, err := json.Marshal(page); err == nil {
			if err := s.store.Set(ctx, key, encoded, s.ttl); err != nil {
				s.logger.Warn("inbox cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
		return page, nil
	})
	if err != nil {
		return Page{}, err
	}
	return s.withPresence(result.(Page)), nil
}

// Search matches keyword against titles, descriptions and counterpart nicknames.
func (s *Service) Search(ctx context.Context, userID, keyword string) ([]Item, error) {
	needle := strings.ToLower(strings.TrimSpace(keyword))
	if needle == "" {
		return nil, ErrEmptyKeyword
	}
	items, err := s.buildItems(ctx, userID)
	if err != nil {
		return nil, err
	}
	matches := make([]Item, 0)
	for _, item := range items {
		if item.matches(needle) {
			matches = append(matches, item)
		}
	}
	sortItems(matches)
	return s.withPresence(Page{Items: matches}).Items, nil
}

// Publish invalidates the cached lists of every recipient of a list-changing event.
func (s *Service) Publish(ctx context.Context, event chat.Event) {
	switch event.Type {
	case chat.EventMessageNew, chat.EventMessageRecalled, chat.EventConversationUpdated:
	default:
		return
	}
	if err := s.Invalidate(ctx, event.Recipients...); err != nil {
		s.logger.Warn("inbox invalidation failed",
			zap.String("conversation_id", event.ConversationID),
			zap.Error(err))
	}
}

// Invalidate bumps the list generation of each user.
func (s *Service) Invalidate(ctx context.Context, userIDs ...string) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(invalidationLimit)
	for _, userID := range userIDs {
		userID := userID
		group.Go(func() error {
			_, err := s.store.Incr(groupCtx, generationKey(userID))
			return err
		})
	}
	return group.Wait()
}

func generationKey(userID string) string {
	return "inbox:gen:" + userID
}

func (s *Service) generation(ctx context.Context, userID string) int64 {
	raw, err := s.store.Get(ctx, generationKey(userID))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("inbox generation read failed", zap.String("user_id", userID), zap.Error(err))
		}
		return 0
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func (s *Service) buildPage(ctx context.Context, userID string, request ListRequest) (Page, error) {
	items, err := s.buildItems(ctx, userID)
	if err != nil {
		return Page{}, err
	}
	filtered := items[:0]
	for _, item := range items {
		if request.Archived != nil && item.IsArchived != *request.Archived {
			continue
		}
		filtered = append(filtered, item)
	}
	sortItems(filtered)

	page := Page{Page: request.Page, PageSize: request.PageSize, Total: len(filtered), Items: []Item{}}
	start := (request.Page - 1) * request.PageSize
	if start >= len(filtered) {
		return page, nil
	}
	end := start + request.PageSize
	if end > len(filtered) {
		end = len(filtered)
	}
	page.Items = append(page.Items, filtered[start:end]...)
	page.HasMore = end < len(filtered)
	return page, nil
}

// buildItems composes every non-hidden conversation of the viewer.
func (s *Service) buildItems(ctx context.Context, userID string) ([]Item, error) {
	views, err := s.conversations.ViewerConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	var counterpartIDs []string
	for _, view := range views {
		if id := counterpartOf(view, userID); id != "" {
			counterpartIDs = append(counterpartIDs, id)
		}
	}
	profiles := map[string]users.Profile{}
	if s.profiles != nil && len(counterpartIDs) > 0 {
		looked, err := s.profiles.Lookup(ctx, counterpartIDs)
		if err != nil {
			s.logger.Warn("inbox profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			profiles = looked
		}
	}

	now := s.clock()
	items := make([]Item, 0, len(views))
	for _, view := range views {
		if view.Overlay.IsHidden {
			continue
		}
		item := newItem(view, now)
		if id := counterpartOf(view, userID); id != "" {
			profile, ok := profiles[id]
			if !ok {
				profile = users.Profile{UserID: id, DisplayName: id}
			}
			item.Counterpart = &Counterpart{
				UserID:      id,
				DisplayName: profile.DisplayName,
				AvatarURL:   profile.AvatarURL,
			}
			if item.Title == "" {
				item.Title = profile.DisplayName
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// withPresence overlays live presence on counterparts. Presence is never cached.
func (s *Service) withPresence(page Page) Page {
	if s.presence == nil {
		return page
	}
	var ids []string
	for _, item := range page.Items {
		if item.Counterpart != nil {
			ids = append(ids, item.Counterpart.UserID)
		}
	}
	if len(ids) == 0 {
		return page
	}
	snapshot := s.presence.Snapshot(ids)
	items := make([]Item, len(page.Items))
	copy(items, page.Items)
	for index := range items {
		if items[index].Counterpart == nil {
			continue
		}
		counterpart := *items[index].Counterpart
		entry := snapshot[counterpart.UserID]
		counterpart.Online = entry.Online
		counterpart.LastSeenAtMs = entry.LastSeenAtMs
		items[index].Counterpart = &counterpart
	}
	page.Items = items
	return page
}

func counterpartOf(view chat.ViewerConversation, userID string) string {
	if view.Conversation.Kind != chat.ConversationKindPrivate {
		return ""
	}
	for _, participant := range view.Participants {
		if participant.UserID != userID {
			return participant.UserID
		}
	}
	return ""
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		left, right := items[i], items[j]
		if left.IsPinned != right.IsPinned {
			return left.IsPinned
		}
		if left.LastActivityMs != right.LastActivityMs {
			return left.LastActivityMs > right.LastActivityMs
		}
		return left.ConversationID < right.ConversationID
	})
}
