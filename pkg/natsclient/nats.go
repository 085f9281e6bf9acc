// Package natsclient is a thin publish-side wrapper around nats.go.
package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// Config holds connection settings.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Client publishes messages to NATS.
type Client struct {
	conn *nats.Conn
}

// Connect dials the server with reconnect handlers that log through log.
func Connect(cfg Config, log zerolog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats: reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "connect nats")
	}
	return &Client{conn: conn}, nil
}

// Publish sends data on subject and flushes, bounded by ctx.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, fmt.Sprintf("publish %s", subject))
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, fmt.Sprintf("flush %s", subject))
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Drain()
}
