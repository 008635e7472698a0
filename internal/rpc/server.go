package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ARiSE-Lab/kGymSuite/internal/bus"
)

// HandlerFunc processes one decoded request and produces the response.
// Returning an error requeues the message so a transient fault retries on
// another consumer.
type HandlerFunc[Req any, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Server serves a typed RPC from a named durable queue with prefetch 1 and
// manual acknowledgement. The reply is published to the request's reply-to
// address under the request's correlation id, then the request is acked.
type Server[Req any, Resp any] struct {
	name    string
	conn    *bus.Connection
	handler HandlerFunc[Req, Resp]
	logger  *zap.Logger
}

// NewServer creates a server for the named RPC.
func NewServer[Req any, Resp any](conn *bus.Connection, name string, handler HandlerFunc[Req, Resp], logger *zap.Logger) *Server[Req, Resp] {
	return &Server[Req, Resp]{
		name:    name,
		conn:    conn,
		handler: handler,
		logger:  logger.Named("rpc_server").With(zap.String("rpc", name)),
	}
}

// Start begins serving. It returns immediately; the consumer session runs
// until ctx is cancelled.
func (s *Server[Req, Resp]) Start(ctx context.Context) {
	go s.conn.ConsumeLoop(ctx, bus.ConsumeConfig{
		Queue:    s.name,
		Prefetch: 1,
	}, s.serve)
}

func (s *Server[Req, Resp]) serve(ctx context.Context, d amqp.Delivery) error {
	var req Req
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fmt.Errorf("rpc: decode %s request: %w", s.name, err)
	}

	resp, err := s.handler(ctx, req)
	if err != nil {
		return fmt.Errorf("rpc: handle %s: %w", s.name, err)
	}

	body := []byte("null")
	if _, ok := any(resp).(Void); !ok {
		body, err = json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("rpc: marshal %s reply: %w", s.name, err)
		}
	}

	if d.ReplyTo == "" {
		// Fire-and-forget caller; nothing to reply to.
		return nil
	}
	err = s.conn.Publish(ctx, d.ReplyTo, bus.Publishing{
		Body:          body,
		CorrelationID: d.CorrelationId,
	})
	if err != nil {
		return fmt.Errorf("rpc: reply %s: %w", s.name, err)
	}
	return nil
}
