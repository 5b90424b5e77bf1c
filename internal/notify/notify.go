// Package notify carries best-effort pipeline notifications over NATS.
//
// Two subjects exist per tenant:
//
//	{prefix}.appended.{tenant}   an event was appended to the tenant's log
//	{prefix}.embedded.{tenant}   a thought's embedding was stored
//
// Notifications only shorten latency: drainers still poll with a bounded
// block timeout, and search caches still expire. Losing a message never
// loses data.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	kindAppended = "appended"
	kindEmbedded = "embedded"
)

// Message is the payload of every notification.
type Message struct {
	Tenant    string    `json:"tenant"`
	Position  int64     `json:"position,omitempty"`
	ThoughtID string    `json:"thought_id,omitempty"`
	At        time.Time `json:"at"`
}

// Options configures Connect.
type Options struct {
	URL   string
	Token string
	Name  string
}

// Connect dials NATS with reconnect settings suited to a long-running daemon.
func Connect(opts Options, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", opts.URL, err)
	}
	logger.Info("connected to nats", zap.String("url", opts.URL))
	return nc, nil
}

// Publisher publishes notifications. A nil *Publisher drops everything.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewPublisher returns a publisher on nc. A nil connection yields a nil publisher.
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if nc == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger.Named("notify")}
}

// Appended announces a new log entry for tenant.
func (p *Publisher) Appended(tenant string, position int64) {
	p.publish(kindAppended, Message{Tenant: tenant, Position: position, At: time.Now().UTC()})
}

// Embedded announces that thoughtID's embedding was stored.
func (p *Publisher) Embedded(tenant, thoughtID string) {
	p.publish(kindEmbedded, Message{Tenant: tenant, ThoughtID: thoughtID, At: time.Now().UTC()})
}

func (p *Publisher) publish(kind string, msg Message) {
	if p == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("encoding notification", zap.Error(err))
		return
	}
	subject := Subject(p.prefix, kind, msg.Tenant)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("publishing notification", zap.String("subject", subject), zap.Error(err))
	}
}

// Subject builds {prefix}.{kind}.{tenant}.
func Subject(prefix, kind, tenant string) string {
	return prefix + "." + kind + "." + tenant
}

// Handlers receive decoded notifications. Nil handlers are skipped.
type Handlers struct {
	Appended func(Message)
	Embedded func(Message)
}

// Subscribe listens on every tenant's subjects under prefix.
func Subscribe(nc *nats.Conn, prefix string, h Handlers, logger *zap.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub, err := nc.Subscribe(prefix+".*.*", func(m *nats.Msg) {
		parts := strings.Split(strings.TrimPrefix(m.Subject, prefix+"."), ".")
		if len(parts) != 2 {
			return
		}
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			logger.Debug("ignoring undecodable notification", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		if msg.Tenant == "" {
			msg.Tenant = parts[1]
		}
		switch parts[0] {
		case kindAppended:
			if h.Appended != nil {
				h.Appended(msg)
			}
		case kindEmbedded:
			if h.Embedded != nil {
				h.Embedded(msg)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s.*.*: %w", prefix, err)
	}
	return sub, nil
}
