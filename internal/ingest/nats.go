package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
)

const (
	defaultSubjectPrefix = "nutrictx.ingest"
	defaultQueueGroup    = "nutrictx-ingest"
)

// Connect dials the configured NATS server.
func Connect(cfg config.NATSConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("nutrictx"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// NATSTransport publishes ingest events to NATS and, when subscribed, feeds
// received events into a local Sink. Every replica joins the same queue
// group, so each event is processed once.
type NATSTransport struct {
	nc     *nats.Conn
	prefix string
	group  string
	sub    *nats.Subscription
	logger *zap.Logger
}

// NewNATSTransport uses nc for publishing and subscribing.
func NewNATSTransport(nc *nats.Conn, cfg config.NATSConfig, logger *zap.Logger) *NATSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	group := cfg.QueueGroup
	if group == "" {
		group = defaultQueueGroup
	}
	return &NATSTransport{
		nc:     nc,
		prefix: prefix,
		group:  group,
		logger: logger.Named("ingest.nats"),
	}
}

// Subject returns the subject events for userID are published on.
func (t *NATSTransport) Subject(userID string) string {
	return t.prefix + "." + subjectToken(userID)
}

// subjectToken keeps a user id to a single subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>':
			return '_'
		}
		return r
	}, s)
}

// Enqueue publishes ev. It implements Sink.
func (t *NATSTransport) Enqueue(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := t.nc.Publish(t.Subject(ev.UserID), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe joins the queue group and hands every received event to sink.
func (t *NATSTransport) Subscribe(sink Sink) error {
	if t.sub != nil {
		return fmt.Errorf("already subscribed to %s.>", t.prefix)
	}
	sub, err := t.nc.QueueSubscribe(t.prefix+".>", t.group, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.logger.Warn("dropping malformed ingest message",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := sink.Enqueue(ev); err != nil {
			t.logger.Warn("failed to enqueue ingest message",
				zap.String("subject", msg.Subject),
				zap.String("user.id", ev.UserID),
				zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", t.prefix, err)
	}
	t.sub = sub
	t.logger.Info("subscribed to ingest events",
		zap.String("subject", t.prefix+".>"),
		zap.String("queue_group", t.group))
	return nil
}

// Close drains the subscription, if any. The connection is left open.
func (t *NATSTransport) Close() error {
	if t.sub == nil {
		return nil
	}
	err := t.sub.Drain()
	t.sub = nil
	return err
}
