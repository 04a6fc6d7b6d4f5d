package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/warp/contravention-engine/engine"
)

// Event is the JSON document published for each notification.
//
// Subject convention: <prefix>.<kind>, e.g.
// notifications.contraventions.approval_requested
type Event struct {
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	Category  string         `json:"category"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes notifications as JSON to NATS core subjects.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

func NewNATSPublisher(conn Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("contravention-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject kind is published on.
func (p *NATSPublisher) Subject(kind engine.NotificationKind) string {
	if p.prefix == "" {
		return string(kind)
	}
	return p.prefix + "." + string(kind)
}

func (p *NATSPublisher) Publish(_ context.Context, n engine.Notification) error {
	data, err := json.Marshal(Event{
		EventType: string(n.Kind),
		Severity:  severity(n.Kind),
		Category:  "procurement_compliance",
		At:        n.At,
		Payload:   n.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", n.Kind, err)
	}

	subject := p.Subject(n.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	p.logger.Debug("notification published", zap.String("subject", subject))
	return nil
}

func severity(kind engine.NotificationKind) string {
	switch kind {
	case engine.NotifyEscalationTriggered, engine.NotifyApproverUnresolved:
		return "warning"
	default:
		return "info"
	}
}
