package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultSubjectPrefix is prepended to the event type to build NATS subjects,
// e.g. notifications.approvals.approval.rejected.
const DefaultSubjectPrefix = "notifications.approvals"

// MessagePublisher is the subset of *nats.Conn used by NATSPublisher.
type MessagePublisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher forwards bus events to NATS for the notification service.
// Subscribe it to the bus with SubscribeAll.
type NATSPublisher struct {
	conn   MessagePublisher
	prefix string
	log    zerolog.Logger
}

// ConnectNATS dials a NATS server with the given client name.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS at %s", url)
	}
	return conn, nil
}

// NewNATSPublisher creates a publisher. An empty prefix uses DefaultSubjectPrefix.
func NewNATSPublisher(conn MessagePublisher, prefix string, log zerolog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

// Subject returns the NATS subject for an event type.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Handle implements EventHandler.
func (p *NATSPublisher) Handle(ctx context.Context, event Event) error {
	if p.conn == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal event %s", event.ID)
	}

	subject := p.Subject(event.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return errors.Wrapf(err, "failed to publish %s", subject)
	}

	p.log.Debug().
		Str("subject", subject).
		Uint64("request_id", event.RequestID).
		Int("recipients", len(event.Recipients)).
		Msg("event published")
	return nil
}
