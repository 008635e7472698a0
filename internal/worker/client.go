// Package worker implements the worker runtime: it consumes a stage queue
// with prefetch 1, claims jobs through the scheduler RPCs, runs the stage
// task under the harness, delivers the result, and answers the per-hostname
// abort/yield control queues.
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/ARiSE-Lab/kGymSuite/internal/bus"
	"github.com/ARiSE-Lab/kGymSuite/internal/rpc"
	"github.com/ARiSE-Lab/kGymSuite/internal/types"
)

// SchedulerClient is the worker-side view of the scheduler RPCs.
type SchedulerClient interface {
	GetSystemConfig(ctx context.Context, req types.SystemConfigRequest) (types.SystemConfig, error)
	FocusJob(ctx context.Context, req types.JobFocusRequest) (types.JobFocusReceipt, error)
	UpdateJob(ctx context.Context, req types.JobUpdateRequest) error
	InsertJobLog(ctx context.Context, line types.JobLog) error
	InsertSystemLog(ctx context.Context, line types.SystemLog) error
}

// BusSchedulerClient is the production SchedulerClient, one typed RPC client
// per scheduler queue.
type BusSchedulerClient struct {
	sysCfg *rpc.Client[types.SystemConfigRequest, types.SystemConfig]
	focus  *rpc.Client[types.JobFocusRequest, types.JobFocusReceipt]
	update *rpc.Client[types.JobUpdateRequest, rpc.Void]
	jobLog *rpc.Client[types.JobLog, rpc.Void]
	sysLog *rpc.Client[types.SystemLog, rpc.Void]
}

// NewBusSchedulerClient creates the client set. Call Start before use.
func NewBusSchedulerClient(conn *bus.Connection, logger *zap.Logger) *BusSchedulerClient {
	return &BusSchedulerClient{
		sysCfg: rpc.NewClient[types.SystemConfigRequest, types.SystemConfig](conn, types.QueueGetSystemConfig, logger),
		focus:  rpc.NewClient[types.JobFocusRequest, types.JobFocusReceipt](conn, types.QueueFocusJob, logger),
		update: rpc.NewClient[types.JobUpdateRequest, rpc.Void](conn, types.QueueUpdateJob, logger),
		jobLog: rpc.NewClient[types.JobLog, rpc.Void](conn, types.QueueInsertJobLog, logger),
		sysLog: rpc.NewClient[types.SystemLog, rpc.Void](conn, types.QueueInsertSystemLog, logger),
	}
}

// Start opens the reply queues for all clients.
func (c *BusSchedulerClient) Start(ctx context.Context) {
	c.sysCfg.Start(ctx)
	c.focus.Start(ctx)
	c.update.Start(ctx)
	c.jobLog.Start(ctx)
	c.sysLog.Start(ctx)
}

func (c *BusSchedulerClient) GetSystemConfig(ctx context.Context, req types.SystemConfigRequest) (types.SystemConfig, error) {
	return c.sysCfg.Call(ctx, req)
}

func (c *BusSchedulerClient) FocusJob(ctx context.Context, req types.JobFocusRequest) (types.JobFocusReceipt, error) {
	return c.focus.Call(ctx, req)
}

func (c *BusSchedulerClient) UpdateJob(ctx context.Context, req types.JobUpdateRequest) error {
	_, err := c.update.Call(ctx, req)
	return err
}

func (c *BusSchedulerClient) InsertJobLog(ctx context.Context, line types.JobLog) error {
	_, err := c.jobLog.Call(ctx, line)
	return err
}

func (c *BusSchedulerClient) InsertSystemLog(ctx context.Context, line types.SystemLog) error {
	_, err := c.sysLog.Call(ctx, line)
	return err
}
