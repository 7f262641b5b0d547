// Package natsbus connects careflow to NATS. Data-change notifications
// arrive on core NATS subjects and lifecycle events leave through JetStream.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/careflow/careflow/pkg/config"
)

// Client manages the connection to NATS and JetStream.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger
}

// Connect dials cfg.URL and initializes JetStream.
func Connect(cfg config.NATSConfig, logger zerolog.Logger) (*Client, error) {
	logger = logger.With().Str("component", "natsbus").Logger()

	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}

	nc, err := nats.Connect(
		url,
		nats.Name("careflow"),
		nats.Timeout(timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug().Msg("NATS connection closed")
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream instance: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
	return &Client{nc: nc, js: js, logger: logger}, nil
}

// Conn returns the underlying NATS connection.
func (c *Client) Conn() *nats.Conn {
	return c.nc
}

// JetStream returns the JetStream instance.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	if c.nc == nil || c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// EnsureStream creates the stream if it does not exist and updates it
// otherwise. The retention policy of an existing stream is kept.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.Stream(ctx, cfg.Name)
	if err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("failed to get stream %s info: %w", cfg.Name, err)
		}
		stream, err = c.js.CreateStream(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		c.logger.Info().Str("stream", cfg.Name).Strs("subjects", cfg.Subjects).Msg("Created stream")
		return stream, nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info %s: %w", cfg.Name, err)
	}
	cfg.Retention = info.Config.Retention

	updated, err := c.js.UpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
	}
	return updated, nil
}

// EnsureEventStream prepares the stream that receives lifecycle events
// published under subject.
func (c *Client) EnsureEventStream(ctx context.Context, name, subject string) (jetstream.Stream, error) {
	return c.EnsureStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "careflow lifecycle events",
		Subjects:    []string{subject + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  2 * time.Minute,
	})
}

// PublishSync publishes a message and waits for the JetStream ack.
func (c *Client) PublishSync(ctx context.Context, subj string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	ack, err := c.js.Publish(ctx, subj, data, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to publish message to subject %s: %w", subj, err)
	}
	return ack, nil
}
