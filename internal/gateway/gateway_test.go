package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"github.com/MarcoPoloResearchLab/parley/internal/presence"
	"go.uber.org/zap"
)

type stubMembership struct {
	participants map[string][]string
	counterparts map[string][]string
	err          error
}

func (s *stubMembership) ActiveParticipantIDs(_ context.Context, conversationID string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.participants[conversationID], nil
}

func (s *stubMembership) PrivateCounterparts(_ context.Context, userID string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.counterparts[userID], nil
}

type recordingRelay struct {
	recipients [][]string
	envelopes  []Envelope
}

func (r *recordingRelay) Broadcast(recipients []string, envelope Envelope) error {
	r.recipients = append(r.recipients, recipients)
	r.envelopes = append(r.envelopes, envelope)
	return nil
}

func newTestGateway(t *testing.T, membership Membership) (*Gateway, *presence.Registry) {
	t.Helper()
	registry := presence.NewRegistry(nil)
	gateway, err := New(Config{
		Hub:        NewHub(HubConfig{BufferSize: 4}),
		Presence:   registry,
		Membership: membership,
	})
	if err != nil {
		t.Fatalf("unexpected gateway error: %v", err)
	}
	return gateway, registry
}

func receive(t *testing.T, stream <-chan Envelope) Envelope {
	t.Helper()
	select {
	case envelope, ok := <-stream:
		if !ok {
			t.Fatalf("stream closed")
		}
		return envelope
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for envelope")
	}
	return Envelope{}
}

func expectQuiet(t *testing.T, stream <-chan Envelope) {
	t.Helper()
	select {
	case envelope := <-stream:
		t.Fatalf("unexpected envelope %#v", envelope)
	default:
	}
}

func TestGatewayPublishesToRecipients(t *testing.T) {
	gateway, _ := newTestGateway(t, &stubMembership{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceStream, _ := gateway.Connect(ctx, "alice")
	bobStream, _ := gateway.Connect(ctx, "bob")
	carolStream, _ := gateway.Connect(ctx, "carol")

	message := &chat.MessageView{ID: "m1", Seq: 1, Content: "hi"}
	gateway.Publish(ctx, chat.Event{
		Type:           chat.EventMessageNew,
		ConversationID: "c1",
		ActorID:        "alice",
		Recipients:     []string{"alice", "bob"},
		Message:        message,
		OccurredAt:     time.UnixMilli(1700000000000),
	})

	for _, stream := range []<-chan Envelope{aliceStream, bobStream} {
		envelope := receive(t, stream)
		if envelope.Type != chat.EventMessageNew || envelope.Message.ID != "m1" || envelope.OccurredAtMs != 1700000000000 {
			t.Fatalf("unexpected envelope %#v", envelope)
		}
	}
	expectQuiet(t, carolStream)
}

func TestGatewayAnnouncesPresenceToCounterparts(t *testing.T) {
	membership := &stubMembership{counterparts: map[string][]string{"alice": {"bob"}}}
	gateway, registry := newTestGateway(t, membership)
	ctx := context.Background()

	bobStream, closeBob := gateway.Connect(ctx, "bob")
	defer closeBob()

	_, closeAlice := gateway.Connect(ctx, "alice")
	envelope := receive(t, bobStream)
	if envelope.Type != chat.EventPresenceChanged || envelope.ActorID != "alice" || !envelope.Presence.Online {
		t.Fatalf("unexpected presence envelope %#v", envelope)
	}

	_, closeSecond := gateway.Connect(ctx, "alice")
	expectQuiet(t, bobStream)
	closeSecond()
	expectQuiet(t, bobStream)

	closeAlice()
	closeAlice()
	envelope = receive(t, bobStream)
	if envelope.Presence == nil || envelope.Presence.Online {
		t.Fatalf("expected offline presence, got %#v", envelope)
	}
	if registry.IsOnline("alice") {
		t.Fatalf("expected alice offline")
	}
}

func TestGatewayTypingReachesOtherParticipants(t *testing.T) {
	membership := &stubMembership{participants: map[string][]string{"c1": {"alice", "bob"}}}
	gateway, _ := newTestGateway(t, membership)
	relay := &recordingRelay{}
	gateway.SetRelay(relay)
	ctx := context.Background()

	aliceStream, closeAlice := gateway.Connect(ctx, "alice")
	defer closeAlice()
	bobStream, closeBob := gateway.Connect(ctx, "bob")
	defer closeBob()

	if err := gateway.Typing(ctx, "alice", "c1", true); err != nil {
		t.Fatalf("unexpected typing error: %v", err)
	}
	envelope := receive(t, bobStream)
	if envelope.Type != chat.EventTypingChanged || envelope.Typing == nil || !*envelope.Typing {
		t.Fatalf("unexpected typing envelope %#v", envelope)
	}
	expectQuiet(t, aliceStream)
	if len(relay.recipients) != 1 || len(relay.recipients[0]) != 1 || relay.recipients[0][0] != "bob" {
		t.Fatalf("unexpected relay recipients %v", relay.recipients)
	}

	if err := gateway.Typing(ctx, "mallory", "c1", true); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestHubDropsWhenStreamIsFull(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 1, Logger: zap.NewNop()})
	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := hub.Subscribe(ctx, "alice")

	if delivered, dropped := hub.Deliver("alice", Envelope{Type: chat.EventMessageNew}); delivered != 1 || dropped != 0 {
		t.Fatalf("unexpected first delivery %d/%d", delivered, dropped)
	}
	if delivered, dropped := hub.Deliver("alice", Envelope{Type: chat.EventMessageNew}); delivered != 0 || dropped != 1 {
		t.Fatalf("unexpected second delivery %d/%d", delivered, dropped)
	}
	if delivered, _ := hub.Deliver("nobody", Envelope{}); delivered != 0 {
		t.Fatalf("expected no delivery to unknown user")
	}

	cancel()
	deadline := time.After(time.Second)
	for hub.Connected("alice") {
		select {
		case <-deadline:
			t.Fatalf("subscriber was not released on cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}
	<-stream
	if _, ok := <-stream; ok {
		t.Fatalf("expected stream to be closed")
	}
}

func TestDeliverFrameSkipsOwnOrigin(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, _ := hub.Subscribe(ctx, "bob")

	own, err := encodeFrame("node-a", []string{"bob"}, Envelope{Type: chat.EventMessageNew})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if delivered := deliverFrame(hub, "node-a", own, zap.NewNop()); delivered != 0 {
		t.Fatalf("expected own frame to be skipped")
	}

	peer, err := encodeFrame("node-b", []string{"bob", "carol"}, Envelope{Type: chat.EventMessageRecalled, ConversationID: "c1"})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if delivered := deliverFrame(hub, "node-a", peer, zap.NewNop()); delivered != 1 {
		t.Fatalf("expected one local delivery, got %d", delivered)
	}
	envelope := receive(t, stream)
	if envelope.Type != chat.EventMessageRecalled || envelope.ConversationID != "c1" {
		t.Fatalf("unexpected relayed envelope %#v", envelope)
	}

	if delivered := deliverFrame(hub, "node-a", []byte("{not json"), zap.NewNop()); delivered != 0 {
		t.Fatalf("expected malformed frame to be dropped")
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing hub to fail")
	}
	if _, err := NewNATSRelay(RelayConfig{}); err == nil {
		t.Fatalf("expected missing connection to fail")
	}
}
