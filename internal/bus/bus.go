// Package bus wraps the low-latency NATS connection used for off-chain
// payload delivery. Publishing is fire-and-forget; subscriptions deliver
// bytes to a handler per subject. Reconnection is handled by the NATS
// client with capped attempts; the fabric checks IsConnected before every
// off-chain send and falls back to direct-ledger mode when the bus is gone.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Config holds bus connection settings.
type Config struct {
	URL           string
	Name          string // connection name, shows up in NATS monitoring
	MaxReconnects int
	ReconnectWait time.Duration
}

// Client is a thin facade over a NATS connection.
type Client struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect dials the bus. Connection events are logged once on degradation
// and once on recovery so a flapping bus is visible without log spam.
func Connect(cfg Config, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		logger: logger.With().Str("component", "bus").Logger(),
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn().Err(err).Msg("Bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Bus reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Warn().Msg("Bus connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			e := c.logger.Error().Err(err)
			if sub != nil {
				e = e.Str("subject", sub.Subject)
			}
			e.Msg("Bus async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", cfg.URL, err)
	}
	c.conn = conn
	c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to bus")
	return c, nil
}

// Publish sends data to a subject. Fire-and-forget.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers every message on subject to handler. Handlers run on
// the NATS delivery goroutine and must not block for long.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	c.subs[subject] = sub
	c.logger.Info().Str("subject", subject).Msg("Subscribed to bus subject")
	return nil
}

// IsConnected reports current connectivity.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for subject, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Str("subject", subject).Msg("Unsubscribe failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)
	if c.conn != nil {
		c.conn.Close()
	}
}
