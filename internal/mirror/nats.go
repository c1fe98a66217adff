// Package mirror republishes hub envelopes on NATS subjects for downstream consumers.
package mirror

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/psky-social/relay/internal/hub"
	"go.uber.org/zap"
)

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// Config holds the NATS connection settings.
type Config struct {
	URL            string
	SubjectPrefix  string
	ConnectionName string
	MaxReconnects  int
	ReconnectWait  time.Duration
	Logger         *zap.Logger
}

// Publisher mirrors envelopes onto {prefix}.{collection}.{operation} subjects.
type Publisher struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

// Connect dials NATS and returns a publisher bound to the connection.
func Connect(cfg Config) (*Publisher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.ConnectionName
	if name == "" {
		name = "psky-relay"
	}
	reconnectWait := cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from nats", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return NewPublisher(nc, cfg.SubjectPrefix, logger), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
	}
}

// Publish sends the envelope payload. Failures are logged; the relay never waits on NATS.
func (p *Publisher) Publish(envelope hub.Envelope) {
	subject := p.Subject(envelope.Type)
	if err := p.conn.Publish(subject, envelope.Payload); err != nil {
		p.logger.Warn("nats mirror publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Subject maps an envelope type such as "social.psky.chat.message#create"
// to "{prefix}.social.psky.chat.message.create".
func (p *Publisher) Subject(envelopeType string) string {
	return p.prefix + "." + strings.ReplaceAll(envelopeType, "#", ".")
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
		p.conn.Close()
	}
}
