// Package notify publishes mention notifications over NATS so downstream
// consumers (push gateways, bots, audit sinks) can react to @mentions
// without being wired into the chat server itself.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns published by the chat server.
const (
	SubjectMention = "chat.mention" // + .<room>
)

// Mention is the payload published when a room member is @mentioned.
type Mention struct {
	Room          string `json:"room"`
	MentionedName string `json:"mentioned_name"`
	MentionedConn string `json:"mentioned_conn"`
	SenderName    string `json:"sender_name"`
	Message       string `json:"message"`
	Timestamp     int64  `json:"timestamp"`
}

// Notifier delivers mention notifications. The coordinator depends on this
// interface so tests can capture notifications without a broker.
type Notifier interface {
	NotifyMention(m Mention)
}

// NopNotifier drops all notifications. Used when no NATS URL is configured.
type NopNotifier struct{}

func (NopNotifier) NotifyMention(Mention) {}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chat-server",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NATSNotifier publishes mentions to NATS.
type NATSNotifier struct {
	conn *nats.Conn
}

// NewNATSNotifier connects to NATS with the given config and returns a
// ready notifier. It returns an error if the initial connection fails.
func NewNATSNotifier(config Config) (*NATSNotifier, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &NATSNotifier{conn: nc}, nil
}

// NotifyMention publishes the mention to chat.mention.<room>. Publish
// failures are logged and dropped; mentions are best effort.
func (n *NATSNotifier) NotifyMention(m Mention) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Printf("[nats] marshal mention: %v", err)
		return
	}
	subject := SubjectMention + "." + m.Room
	if err := n.conn.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

// Close drains and closes the NATS connection.
func (n *NATSNotifier) Close() {
	if err := n.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
