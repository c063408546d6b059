// Package gateway fans chat events out to connected clients.
package gateway

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"github.com/MarcoPoloResearchLab/parley/internal/metrics"
	"github.com/MarcoPoloResearchLab/parley/internal/presence"
	"go.uber.org/zap"
)

// ErrNotParticipant rejects typing signals from users outside the conversation.
var ErrNotParticipant = errors.New("gateway: not an active participant")

// Membership is the slice of the chat service the gateway reads.
type Membership interface {
	ActiveParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	PrivateCounterparts(ctx context.Context, userID string) ([]string, error)
}

// Relay forwards envelopes to other nodes.
type Relay interface {
	Broadcast(recipients []string, envelope Envelope) error
}

type Config struct {
	Hub        *Hub
	Presence   *presence.Registry
	Membership Membership
	Metrics    *metrics.Recorder
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Gateway implements chat.EventSink and manages live sessions.
type Gateway struct {
	hub        *Hub
	presence   *presence.Registry
	membership Membership
	metrics    *metrics.Recorder
	logger     *zap.Logger
	clock      func() time.Time
	relay      Relay
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Hub == nil {
		return nil, errors.New("gateway: hub is required")
	}
	if cfg.Presence == nil {
		return nil, errors.New("gateway: presence registry is required")
	}
	if cfg.Membership == nil {
		return nil, errors.New("gateway: membership is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Gateway{
		hub:        cfg.Hub,
		presence:   cfg.Presence,
		membership: cfg.Membership,
		metrics:    cfg.Metrics,
		logger:     logger,
		clock:      clock,
	}, nil
}

// SetRelay attaches a cross-node relay. Call before serving traffic.
func (g *Gateway) SetRelay(relay Relay) {
	g.relay = relay
}

// Publish fans a committed chat event out to its recipients.
func (g *Gateway) Publish(_ context.Context, event chat.Event) {
	envelope := Envelope{
		Type:           event.Type,
		ConversationID: event.ConversationID,
		ActorID:        event.ActorID,
		Reason:         event.Reason,
		Message:        event.Message,
		OccurredAtMs:   event.OccurredAt.UnixMilli(),
	}
	g.fanOut(event.Recipients, envelope)
}

// Connect registers a live session for userID. The first session brings the
// user online and notifies their private counterparts.
func (g *Gateway) Connect(ctx context.Context, userID string) (<-chan Envelope, func()) {
	stream, unsubscribe := g.hub.Subscribe(ctx, userID)
	g.metrics.SessionOpened()
	if g.presence.Connect(userID) {
		g.announcePresence(ctx, userID)
	}

	detached := context.WithoutCancel(ctx)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			unsubscribe()
			g.metrics.SessionClosed()
			if g.presence.Disconnect(userID) {
				g.announcePresence(detached, userID)
			}
		})
	}
	return stream, cleanup
}

// Typing relays a typing indicator to the other active participants.
func (g *Gateway) Typing(ctx context.Context, userID, conversationID string, typing bool) error {
	participants, err := g.membership.ActiveParticipantIDs(ctx, conversationID)
	if err != nil {
		return err
	}
	if !slices.Contains(participants, userID) {
		return ErrNotParticipant
	}
	g.presence.Touch(userID)
	recipients := make([]string, 0, len(participants))
	for _, participant := range participants {
		if participant != userID {
			recipients = append(recipients, participant)
		}
	}
	g.fanOut(recipients, Envelope{
		Type:           chat.EventTypingChanged,
		ConversationID: conversationID,
		ActorID:        userID,
		Typing:         &typing,
		OccurredAtMs:   g.clock().UTC().UnixMilli(),
	})
	return nil
}

func (g *Gateway) announcePresence(ctx context.Context, userID string) {
	counterparts, err := g.membership.PrivateCounterparts(ctx, userID)
	if err != nil {
		g.logger.Warn("presence fan-out skipped", zap.String("user_id", userID), zap.Error(err))
		return
	}
	entry := g.presence.Entry(userID)
	g.fanOut(counterparts, Envelope{
		Type:         chat.EventPresenceChanged,
		ActorID:      userID,
		Presence:     &entry,
		OccurredAtMs: g.clock().UTC().UnixMilli(),
	})
}

// fanOut delivers locally and then to other nodes. Failures are isolated per recipient.
func (g *Gateway) fanOut(recipients []string, envelope Envelope) {
	if len(recipients) == 0 {
		return
	}
	for _, recipient := range recipients {
		g.hub.Deliver(recipient, envelope)
	}
	if g.relay == nil {
		return
	}
	if err := g.relay.Broadcast(recipients, envelope); err != nil {
		g.logger.Warn("relay broadcast failed",
			zap.String("type", string(envelope.Type)),
			zap.Error(err))
	}
}
