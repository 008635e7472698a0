package bus

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrRequeue is returned by a handler to reject the delivery back onto the
// queue without logging it as a failure. The worker runtime uses it to bounce
// stage messages that arrive while the process is shutting down.
var ErrRequeue = errors.New("bus: requeue delivery")

// Handler processes one delivery. Returning nil acks the message (when the
// consumer is in manual-ack mode); returning an error nacks it back onto the
// queue for another consumer.
type Handler func(ctx context.Context, d amqp.Delivery) error

// ConsumeConfig describes one consumer session.
type ConsumeConfig struct {
	// Queue is the queue name. Ignored when Exclusive is set; the broker
	// assigns a name, reported through OnReady.
	Queue string
	// Exclusive declares a server-named, auto-deleted exclusive queue
	// instead of a durable named one. Used for RPC reply queues.
	Exclusive bool
	// Prefetch is the per-consumer QoS window; 0 means unlimited.
	Prefetch int
	// AutoAck disables manual acknowledgement. Reply-queue consumers use
	// this; stage and RPC-server consumers must not.
	AutoAck bool
	// OnReady, if set, is called with the consumed queue's name at the
	// start of every session (each reconnect starts a new session).
	OnReady func(queueName string)
}

// ConsumeLoop consumes the configured queue until ctx is cancelled. Each
// session declares the queue, applies QoS, and dispatches deliveries to h
// sequentially; on any broker error the session is torn down and re-
// established with backoff, mirroring the connection's dial policy.
func (c *Connection) ConsumeLoop(ctx context.Context, cfg ConsumeConfig, h Handler) {
	log := c.logger.Named("consume").With(zap.String("queue", cfg.Queue))
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.consumeSession(ctx, cfg, h)
		if ctx.Err() != nil {
			return
		}
		log.Warn("consumer session ended, restarting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// consumeSession runs a single consumer session; it returns when the
// delivery stream closes or ctx is cancelled.
func (c *Connection) consumeSession(ctx context.Context, cfg ConsumeConfig, h Handler) error {
	ch, err := c.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return err
		}
	}

	queueName := cfg.Queue
	if cfg.Exclusive {
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return err
		}
		queueName = q.Name
	} else {
		if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			return err
		}
	}

	if cfg.OnReady != nil {
		cfg.OnReady(queueName)
	}

	deliveries, err := ch.Consume(queueName, "", cfg.AutoAck, cfg.Exclusive, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("bus: delivery channel closed")
			}
			err := h(ctx, d)
			if cfg.AutoAck {
				continue
			}
			if err != nil {
				if !errors.Is(err, ErrRequeue) {
					c.logger.Warn("handler failed, requeueing delivery",
						zap.String("queue", queueName),
						zap.Error(err),
					)
				}
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}
