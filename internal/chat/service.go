package chat

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Metrics    *metrics.Recorder
	Sinks      []EventSink
}

// Service owns conversations, membership, messages, read cursors and viewer overlays.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	metrics    *metrics.Recorder
	locks      keyedMutex

	sinksMu sync.RWMutex
	sinks   []EventSink
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, KindInternal, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", KindInternal, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		metrics:    cfg.Metrics,
		sinks:      append([]EventSink(nil), cfg.Sinks...),
	}, nil
}

// AddSink registers an additional event sink. Sinks receive events in registration order.
func (s *Service) AddSink(sink EventSink) {
	if sink == nil {
		return
	}
	s.sinksMu.Lock()
	s.sinks = append(s.sinks, sink)
	s.sinksMu.Unlock()
}

func (s *Service) publish(ctx context.Context, event Event) {
	if len(event.Recipients) == 0 {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock().UTC()
	}
	s.sinksMu.RLock()
	sinks := append([]EventSink(nil), s.sinks...)
	s.sinksMu.RUnlock()
	for _, sink := range sinks {
		sink.Publish(ctx, event)
	}
}

func (s *Service) nowMs() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Service) database(operation string) (*gorm.DB, error) {
	if s == nil || s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(operation, reasonMissingDatabase, KindInternal, errMissingDatabase)
	}
	return s.db, nil
}

// inConversation runs fn inside a transaction holding the conversation's
// serialization point: the in-process keyed lock and the row lock.
func (s *Service) inConversation(ctx context.Context, operation, conversationID string, fn func(tx *gorm.DB, conversation Conversation) error) error {
	db, err := s.database(operation)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conversation Conversation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", conversationID).
			Take(&conversation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(operation, reasonConversation)
		}
		if err != nil {
			return s.storageError(operation, reasonQueryFailed, err, zap.String("conversation_id", conversationID))
		}
		return fn(tx, conversation)
	})
}

func (s *Service) loadConversation(tx *gorm.DB, operation, conversationID string) (Conversation, error) {
	var conversation Conversation
	err := tx.Where("id = ?", conversationID).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, notFound(operation, reasonConversation)
	}
	if err != nil {
		return Conversation{}, s.storageError(operation, reasonQueryFailed, err, zap.String("conversation_id", conversationID))
	}
	return conversation, nil
}

func (s *Service) loadParticipant(tx *gorm.DB, operation, conversationID, userID string) (Participant, bool, error) {
	var participant Participant
	err := tx.Where("conversation_id = ? AND user_id = ?", conversationID, userID).Take(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Participant{}, false, nil
	}
	if err != nil {
		return Participant{}, false, s.storageError(operation, reasonQueryFailed, err,
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID))
	}
	return participant, true, nil
}

// requireActive loads the caller's participant row and rejects non-members and leavers.
func (s *Service) requireActive(tx *gorm.DB, operation, conversationID, userID string) (Participant, error) {
	participant, found, err := s.loadParticipant(tx, operation, conversationID, userID)
	if err != nil {
		return Participant{}, err
	}
	if !found {
		return Participant{}, forbidden(operation, reasonNotParticipant)
	}
	if !participant.Active() {
		return Participant{}, forbidden(operation, reasonParticipantLeft)
	}
	return participant, nil
}

func (s *Service) activeParticipants(tx *gorm.DB, operation, conversationID string) ([]Participant, error) {
	var participants []Participant
	if err := tx.Where("conversation_id = ? AND left_at_ms IS NULL", conversationID).
		Order("joined_at_ms ASC, user_id ASC").
		Find(&participants).Error; err != nil {
		return nil, s.storageError(operation, reasonQueryFailed, err, zap.String("conversation_id", conversationID))
	}
	return participants, nil
}

func (s *Service) bumpVersion(tx *gorm.DB, operation, conversationID string) error {
	if err := tx.Model(&Conversation{}).
		Where("id = ?", conversationID).
		Update("version", gorm.Expr("version + 1")).Error; err != nil {
		return s.storageError(operation, reasonWriteFailed, err, zap.String("conversation_id", conversationID))
	}
	return nil
}

func (s *Service) readStateFor(tx *gorm.DB, operation, conversationID string, participants []Participant) (readState, error) {
	var cursors []ReadCursor
	if err := tx.Where("conversation_id = ?", conversationID).Find(&cursors).Error; err != nil {
		return readState{}, s.storageError(operation, reasonQueryFailed, err, zap.String("conversation_id", conversationID))
	}
	return newReadState(participants, cursors), nil
}

// readState derives effective delivery status from the active participants' cursors.
type readState struct {
	participants []Participant
	cursors      map[string]int64
}

func newReadState(participants []Participant, cursors []ReadCursor) readState {
	state := readState{
		participants: participants,
		cursors:      make(map[string]int64, len(cursors)),
	}
	for _, cursor := range cursors {
		state.cursors[cursor.UserID] = cursor.LastReadSeq
	}
	return state
}

func (r readState) statusOf(message Message) DeliveryStatus {
	recipients := 0
	lowest := int64(math.MaxInt64)
	for _, participant := range r.participants {
		if !participant.Active() || participant.UserID == message.SenderID {
			continue
		}
		recipients++
		if cursor := r.cursors[participant.UserID]; cursor < lowest {
			lowest = cursor
		}
	}
	if recipients == 0 {
		return DeliveryStatusSent
	}
	if lowest >= message.Seq {
		return DeliveryStatusRead
	}
	return DeliveryStatusDelivered
}

func participantIDs(participants []Participant) []string {
	ids := make([]string, 0, len(participants))
	for _, participant := range participants {
		ids = append(ids, participant.UserID)
	}
	return ids
}

// normalizeUserIDs trims, de-duplicates and sorts ids, dropping exclude.
func normalizeUserIDs(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

func (s *Service) storageError(operation, reason string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, KindInternal, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("chat service error", attrs...)
}
