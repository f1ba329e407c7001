package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/careerfolio/portal/internal/config"
)

// Client wraps a NATS connection with JetStream support.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewClient connects to NATS and ensures required JetStream streams exist.
func NewClient(ctx context.Context, cfg config.NATSConfig) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.Name("careerfolio-portal"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	c := &Client{conn: nc, js: js}

	if err := c.ensureStreams(ctx, StreamConfigs(cfg)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring streams: %w", err)
	}

	slog.Info("connected to NATS", "url", cfg.URL)
	return c, nil
}

// StreamConfigs returns the streams the portal publishes to. Generation tasks are a
// work queue consumed once by the workers; usage events are kept for the audit trail.
func StreamConfigs(cfg config.NATSConfig) []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:      StreamTasks,
			Subjects:  []string{SubjectTaskPrefix + ".>"},
			Retention: jetstream.WorkQueuePolicy,
			MaxAge:    cfg.TaskTTL,
		},
		{
			Name:      StreamEvents,
			Subjects:  []string{SubjectUsageEvent},
			Retention: jetstream.LimitsPolicy,
			MaxAge:    cfg.EventRetention,
			Storage:   jetstream.FileStorage,
		},
	}
}

func (c *Client) ensureStreams(ctx context.Context, streams []jetstream.StreamConfig) error {
	for _, sc := range streams {
		if _, err := c.js.CreateOrUpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("creating stream %s: %w", sc.Name, err)
		}
		slog.Debug("ensured NATS stream", "name", sc.Name, "max_age", sc.MaxAge)
	}
	return nil
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Healthy reports whether the connection is up. Reconnecting counts as unhealthy.
func (c *Client) Healthy() bool {
	return c.conn.IsConnected()
}

// Close drains and closes the NATS connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		slog.Warn("draining NATS connection", "error", err)
	}
}
