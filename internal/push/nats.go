package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mattjoyce/tasklease/internal/log"
	"github.com/mattjoyce/tasklease/internal/protocol"
)

var ErrClosed = errors.New("push publisher closed")

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// SubjectPrefix is prepended to the channel id of every push.
	SubjectPrefix string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "tasklease.push",
		Name:           "tasklease",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NATSPublisher publishes pushes to <prefix>.<channel id> on NATS.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return NewNATSPublisherFromConn(conn, cfg.SubjectPrefix), nil
}

// NewNATSPublisherFromConn wraps an existing connection.
func NewNATSPublisherFromConn(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: log.WithComponent("push.nats"),
	}
}

func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	return opts
}

// Subject returns the subject pushes for channelID are published on.
func (p *NATSPublisher) Subject(channelID string) string {
	return Subject(p.prefix, channelID)
}

// Subject joins prefix and a channel id into a NATS subject. Characters NATS
// reserves for subject structure are replaced.
func Subject(prefix, channelID string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return prefix + "." + r.Replace(channelID)
}

// Publish sends ev to its channel's subject.
func (p *NATSPublisher) Publish(ev protocol.SubscribedEvent) error {
	if p.conn.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.ChannelID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Push implements the engine's push channel. Failures are logged; the lock
// still expires if the worker never hears of it.
func (p *NATSPublisher) Push(ev protocol.SubscribedEvent) {
	if err := p.Publish(ev); err != nil {
		p.logger.Warn("push not published",
			"channel_id", ev.ChannelID,
			"task_key", ev.Task.Key,
			"error", err,
		)
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn.IsClosed() {
		return nil
	}
	return p.conn.Drain()
}
