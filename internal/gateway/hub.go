package gateway

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"github.com/MarcoPoloResearchLab/parley/internal/metrics"
	"github.com/MarcoPoloResearchLab/parley/internal/presence"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

// Envelope is the frame pushed to a connected client.
type Envelope struct {
	Type           chat.EventType    `json:"type"`
	ConversationID string            `json:"conversation_id,omitempty"`
	ActorID        string            `json:"actor_id,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Message        *chat.MessageView `json:"message,omitempty"`
	Presence       *presence.Entry   `json:"presence,omitempty"`
	Typing         *bool             `json:"typing,omitempty"`
	OccurredAtMs   int64             `json:"occurred_at_ms"`
}

// Hub holds per-user subscriber streams on this node.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	metrics     *metrics.Recorder
	logger      *zap.Logger
}

type subscriber struct {
	id     int64
	stream chan Envelope
}

type HubConfig struct {
	BufferSize int
	Metrics    *metrics.Recorder
	Logger     *zap.Logger
}

func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// Subscribe opens a stream for userID. The stream is closed by the returned
// cleanup or when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, userID string) (<-chan Envelope, func()) {
	if userID == "" {
		ch := make(chan Envelope)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{stream: make(chan Envelope, h.bufferSize)}
	h.mu.Lock()
	h.nextID++
	sub.id = h.nextID
	if _, ok := h.subscribers[userID]; !ok {
		h.subscribers[userID] = make(map[int64]*subscriber)
	}
	h.subscribers[userID][sub.id] = sub
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.unregister(userID, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Deliver pushes envelope to every stream of userID without blocking.
// A full stream drops the frame; the client resynchronizes through normal queries.
func (h *Hub) Deliver(userID string, envelope Envelope) (delivered int, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers[userID] {
		select {
		case sub.stream <- envelope:
			delivered++
			h.metrics.Delivered()
		default:
			dropped++
			h.metrics.Dropped()
			h.logger.Debug("realtime frame dropped",
				zap.String("user_id", userID),
				zap.String("type", string(envelope.Type)))
		}
	}
	return delivered, dropped
}

// Connected reports whether userID has a stream on this node.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID]) > 0
}

func (h *Hub) unregister(userID string, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[userID]
	sub, ok := subscribers[subscriberID]
	if !ok {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(h.subscribers, userID)
	}
	close(sub.stream)
}
