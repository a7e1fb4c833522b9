package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the event name to form the subject
const DefaultSubjectPrefix = "pmconnect.events"

var _ Conn = (*nats.Conn)(nil)

// Conn is the subset of *nats.Conn the publisher uses
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events as JSON to <prefix>.<event name>
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher creates a publisher on conn
func NewNATSPublisher(conn Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

type natsMessage struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	CompanyID string    `json:"companyId,omitempty"`
	Data      any       `json:"data"`
}

// Subject returns the subject an event is published on
func (p *NATSPublisher) Subject(event string) string {
	return p.prefix + "." + event
}

// Publish sends the event. nats.Conn buffers publishes, so this does not
// wait for the server.
func (p *NATSPublisher) Publish(e Event) {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	data, err := json.Marshal(natsMessage{
		Event:     e.Name,
		Timestamp: ts,
		CompanyID: e.CompanyID,
		Data:      e.Data,
	})
	if err != nil {
		p.logger.Error("failed to encode event", "event", e.Name, "error", err)
		return
	}
	subject := p.Subject(e.Name)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

// Connect opens a NATS connection that keeps reconnecting in the background
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("pmconnect"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}
