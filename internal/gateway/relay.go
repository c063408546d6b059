package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const DefaultRelaySubject = "parley.gateway"

type relayFrame struct {
	Origin     string   `json:"origin"`
	Recipients []string `json:"recipients"`
	Envelope   Envelope `json:"envelope"`
}

// NATSRelay republishes envelopes to peer nodes and delivers theirs locally.
type NATSRelay struct {
	conn         *nats.Conn
	subject      string
	nodeID       string
	hub          *Hub
	logger       *zap.Logger
	subscription *nats.Subscription
}

type RelayConfig struct {
	Conn    *nats.Conn
	Subject string
	NodeID  string
	Hub     *Hub
	Logger  *zap.Logger
}

// Connect dials NATS with reconnect handling suitable for the relay.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return nats.Connect(url,
		nats.Name("parley-gateway"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", conn.ConnectedUrl()))
		}),
	)
}

func NewNATSRelay(cfg RelayConfig) (*NATSRelay, error) {
	if cfg.Conn == nil {
		return nil, errors.New("gateway: nats connection is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("gateway: hub is required")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("gateway: node id is required")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultRelaySubject
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	relay := &NATSRelay{
		conn:    cfg.Conn,
		subject: subject,
		nodeID:  cfg.NodeID,
		hub:     cfg.Hub,
		logger:  logger,
	}
	subscription, err := cfg.Conn.Subscribe(subject, func(msg *nats.Msg) {
		relay.receive(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: subscribe %s: %w", subject, err)
	}
	relay.subscription = subscription
	return relay, nil
}

func (r *NATSRelay) Broadcast(recipients []string, envelope Envelope) error {
	data, err := encodeFrame(r.nodeID, recipients, envelope)
	if err != nil {
		return err
	}
	return r.conn.Publish(r.subject, data)
}

func (r *NATSRelay) Close() error {
	if r.subscription == nil {
		return nil
	}
	return r.subscription.Unsubscribe()
}

func (r *NATSRelay) receive(data []byte) {
	deliverFrame(r.hub, r.nodeID, data, r.logger)
}

func encodeFrame(nodeID string, recipients []string, envelope Envelope) ([]byte, error) {
	data, err := json.Marshal(relayFrame{Origin: nodeID, Recipients: recipients, Envelope: envelope})
	if err != nil {
		return nil, fmt.Errorf("gateway: encode relay frame: %w", err)
	}
	return data, nil
}

// deliverFrame hands a peer's frame to local subscribers, ignoring frames this node sent.
func deliverFrame(hub *Hub, nodeID string, data []byte, logger *zap.Logger) int {
	var frame relayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logger.Warn("relay frame rejected", zap.Error(err))
		return 0
	}
	if frame.Origin == nodeID {
		return 0
	}
	delivered := 0
	for _, recipient := range frame.Recipients {
		count, _ := hub.Deliver(recipient, frame.Envelope)
		delivered += count
	}
	return delivered
}
