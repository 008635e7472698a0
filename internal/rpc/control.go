package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ARiSE-Lab/kGymSuite/internal/bus"
	"github.com/ARiSE-Lab/kGymSuite/internal/types"
)

// WorkerControl issues commands to worker-directed queues. Unlike Client it
// is not bound to a single queue: the target queue name embeds the claimant
// hostname, which is only known per call.
//
// A stale hostname (the worker disappeared) means the RPC never answers;
// callers bound that with the ctx deadline and treat expiry as non-fatal.
type WorkerControl struct {
	c *caller
}

// NewWorkerControl creates the control client. Call Start before use.
func NewWorkerControl(conn *bus.Connection, logger *zap.Logger) *WorkerControl {
	return &WorkerControl{
		c: newCaller(conn, logger.Named("worker_control")),
	}
}

// Start opens the shared reply queue for control calls.
func (w *WorkerControl) Start(ctx context.Context) {
	w.c.start(ctx)
}

// AbortJob asks the worker at hostname to cancel its in-flight task for the
// given job.
func (w *WorkerControl) AbortJob(ctx context.Context, hostname string, req types.JobAbortRequest) error {
	return w.command(ctx, types.AbortQueue(hostname), req)
}

// YieldJob asks the worker at hostname to yield its in-flight task for the
// given job.
func (w *WorkerControl) YieldJob(ctx context.Context, hostname string, req types.JobYieldRequest) error {
	return w.command(ctx, types.YieldQueue(hostname), req)
}

func (w *WorkerControl) command(ctx context.Context, queue string, req any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: marshal control request: %w", err)
	}
	if _, err := w.c.call(ctx, queue, body); err != nil {
		return err
	}
	return nil
}
