// Package rpc implements request/reply RPC over the message bus: a generic
// client and server parameterized over JSON request/response schemas, plus
// the worker control client that addresses per-hostname command queues.
//
// The transport contract: requests are published to a named durable queue
// with a fresh correlation id and the client's exclusive reply queue in
// reply-to; the server publishes the serialized response (or the literal
// null for response-less RPCs) back to reply-to under the same correlation
// id. Concurrent calls multiplex over one reply queue through a pending-slot
// table keyed by correlation id.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ARiSE-Lab/kGymSuite/internal/bus"
)

// Void marks an RPC with no response schema. Servers reply with the literal
// null; clients discard the body.
type Void struct{}

// caller is the transport half shared by Client and WorkerControl: one
// exclusive reply queue, one pending-slot table, calls addressed to an
// arbitrary queue name.
type caller struct {
	conn    *bus.Connection
	logger  *zap.Logger
	pending *pendingTable

	mu         sync.RWMutex
	replyQueue string

	readyOnce sync.Once
	ready     chan struct{}
}

func newCaller(conn *bus.Connection, logger *zap.Logger) *caller {
	return &caller{
		conn:    conn,
		logger:  logger,
		pending: newPendingTable(),
		ready:   make(chan struct{}),
	}
}

// start launches the reply-queue consumer session. It returns immediately;
// calls block until the first session is established.
func (c *caller) start(ctx context.Context) {
	go c.conn.ConsumeLoop(ctx, bus.ConsumeConfig{
		Exclusive: true,
		AutoAck:   true,
		OnReady: func(queueName string) {
			c.mu.Lock()
			c.replyQueue = queueName
			c.mu.Unlock()
			c.readyOnce.Do(func() { close(c.ready) })
		},
	}, func(_ context.Context, d amqp.Delivery) error {
		if !c.pending.fulfill(d.CorrelationId, d.Body) {
			c.logger.Debug("reply for unknown correlation id dropped",
				zap.String("correlation_id", d.CorrelationId),
			)
		}
		return nil
	})
}

// call publishes body to the named queue and waits for the correlated reply.
func (c *caller) call(ctx context.Context, queue string, body []byte) ([]byte, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.RLock()
	replyTo := c.replyQueue
	c.mu.RUnlock()

	correlationID := uuid.NewString()
	slot := c.pending.add(correlationID)
	defer c.pending.remove(correlationID)

	err := c.conn.Publish(ctx, queue, bus.Publishing{
		Body:          body,
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: call %s: %w", queue, err)
	}

	select {
	case reply := <-slot:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("rpc: call %s: %w", queue, ctx.Err())
	}
}

// Client is a typed RPC client bound to one named queue.
type Client[Req any, Resp any] struct {
	name string
	c    *caller
}

// NewClient creates a client for the named RPC. Call Start before Call.
func NewClient[Req any, Resp any](conn *bus.Connection, name string, logger *zap.Logger) *Client[Req, Resp] {
	return &Client[Req, Resp]{
		name: name,
		c:    newCaller(conn, logger.Named("rpc_client").With(zap.String("rpc", name))),
	}
}

// Start opens the exclusive reply queue and begins consuming replies. The
// consumer runs until ctx is cancelled.
func (cl *Client[Req, Resp]) Start(ctx context.Context) {
	cl.c.start(ctx)
}

// Call performs one RPC round trip. The ctx deadline bounds the whole call;
// scheduler RPCs should carry roughly a 30s timeout.
func (cl *Client[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var resp Resp

	body, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("rpc: marshal %s request: %w", cl.name, err)
	}
	reply, err := cl.c.call(ctx, cl.name, body)
	if err != nil {
		return resp, err
	}
	if _, ok := any(resp).(Void); ok {
		return resp, nil
	}
	if err := json.Unmarshal(reply, &resp); err != nil {
		return resp, fmt.Errorf("rpc: decode %s reply: %w", cl.name, err)
	}
	return resp, nil
}
