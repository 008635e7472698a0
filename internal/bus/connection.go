// Package bus wraps the AMQP broker connection used by every process in the
// system. It provides the small set of primitives the core relies on: durable
// named queue declaration, exclusive auto-delete reply queues, publishing to
// the default exchange with correlation/reply-to properties, and consumer
// session loops with per-consumer prefetch.
//
// The connection is durable: it dials lazily, and any channel acquisition or
// consumer session that finds the connection gone re-dials with exponential
// backoff and jitter. Callers therefore never see a half-dead connection;
// they either get a live channel or a context error.
package bus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many workers reconnect simultaneously.
	jitterFraction = 0.2
)

// Connection is a durable, auto-reconnecting AMQP connection.
type Connection struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel

	closed bool
}

// Dial creates a Connection for the given broker URL. The URL is validated
// up front; no network activity happens until the first channel is
// requested.
func Dial(url string, logger *zap.Logger) (*Connection, error) {
	if _, err := amqp.ParseURI(url); err != nil {
		return nil, fmt.Errorf("bus: broker url: %w", err)
	}
	return &Connection{
		url:    url,
		logger: logger.Named("bus"),
	}, nil
}

// Channel returns a fresh channel on a live connection, re-dialing with
// backoff if necessary. The caller owns the returned channel and must close
// it when done.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	backoff := backoffInitial
	for {
		conn, err := c.ensureConn(ctx)
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err == nil {
			return ch, nil
		}

		c.dropConn(conn)
		c.logger.Warn("channel open failed, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// ensureConn returns the live connection, dialing if there is none.
func (c *Connection) ensureConn(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("bus: connection closed")
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	backoff := backoffInitial
	for {
		conn, err := amqp.Dial(c.url)
		if err == nil {
			c.conn = conn
			c.logger.Info("connected to broker")
			return conn, nil
		}
		c.logger.Warn("broker dial failed, retrying",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// dropConn discards conn if it is still the current one, forcing the next
// acquisition to re-dial.
func (c *Connection) dropConn(conn *amqp.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = conn.Close()
		c.conn = nil
	}
}

// Publishing is one message bound for the default exchange.
type Publishing struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
}

// Publish sends a persistent message to the default exchange with routing
// key = queue name. A shared publisher channel is reused across calls and
// replaced transparently after a broker drop.
func (c *Connection) Publish(ctx context.Context, queue string, p Publishing) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: p.CorrelationID,
		ReplyTo:       p.ReplyTo,
		Body:          p.Body,
	}

	// One retry with a fresh channel covers the common case of a publisher
	// channel that died since the last call.
	for attempt := 0; attempt < 2; attempt++ {
		if c.pubCh == nil || c.pubCh.IsClosed() {
			ch, err := c.Channel(ctx)
			if err != nil {
				return err
			}
			c.pubCh = ch
		}
		err := c.pubCh.PublishWithContext(ctx, "", queue, false, false, msg)
		if err == nil {
			return nil
		}
		c.pubCh = nil
		if attempt == 1 {
			return fmt.Errorf("bus: publish to %s: %w", queue, err)
		}
	}
	return nil
}

// DeclareQueue declares a durable named queue. Declaration is idempotent on
// the broker side.
func (c *Connection) DeclareQueue(ctx context.Context, name string) error {
	ch, err := c.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare queue %s: %w", name, err)
	}
	return nil
}

// Close shuts the connection down. Subsequent channel requests fail.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil && !c.conn.IsClosed() {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
