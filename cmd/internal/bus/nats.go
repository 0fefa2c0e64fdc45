// Package bus mirrors dispatched chat messages onto NATS so other services (search, push,
// analytics) can follow conversations without reading the database.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "parley/shared/contracts/realtime/v1"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the root of every subject Parley publishes.
const SubjectPrefix = "parley.conversations"

// Config holds NATS connection settings.
type Config struct {
	URL   string
	Name  string
	Token string
}

// Connect dials NATS and keeps reconnecting forever.
func Connect(cfg Config, log *slog.Logger) (*nats.Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("bus: missing NATS url")
	}
	if log == nil {
		log = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "parley"
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("bus.nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus.nats.reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("bus.nats.error", "subject", subject, "err", err)
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	return nc, nil
}

// MessageSubject returns the subject carrying messages for conversationID.
func MessageSubject(conversationID string) string {
	return SubjectPrefix + "." + conversationID + ".messages"
}

// Event is the JSON body published for each message.
type Event struct {
	Message      v1.Message      `json:"message"`
	Conversation v1.Conversation `json:"conversation"`
	PublishedAt  time.Time       `json:"published_at"`
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSMirror publishes every dispatched message as an Event. Publishing is core NATS
// (at-most-once); the database stays the source of truth.
type NATSMirror struct {
	pub Publisher
	now func() time.Time
}

// NewNATSMirror constructs a NATSMirror over pub.
func NewNATSMirror(pub Publisher) *NATSMirror {
	return &NATSMirror{pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

// MirrorMessage implements realtime.Mirror.
func (m *NATSMirror) MirrorMessage(ctx context.Context, msg v1.Message, conv v1.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if conv.ID == "" {
		return errors.New("bus: missing conversation id")
	}
	b, err := json.Marshal(Event{Message: msg, Conversation: conv, PublishedAt: m.now()})
	if err != nil {
		return fmt.Errorf("bus: marshal: %w", err)
	}
	if err := m.pub.Publish(MessageSubject(conv.ID), b); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}
