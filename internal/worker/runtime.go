package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ARiSE-Lab/kGymSuite/internal/bus"
	"github.com/ARiSE-Lab/kGymSuite/internal/rpc"
	"github.com/ARiSE-Lab/kGymSuite/internal/storage"
	"github.com/ARiSE-Lab/kGymSuite/internal/task"
	"github.com/ARiSE-Lab/kGymSuite/internal/types"
)

// rpcTimeout bounds each scheduler RPC round trip.
const rpcTimeout = 30 * time.Second

// closedRequeueDelay paces requeues while shutdown drains: the consumer is
// still up, so without it the prefetched stage message would cycle against
// the broker in a tight redeliver loop.
const closedRequeueDelay = time.Second

// Config configures a worker runtime.
type Config struct {
	// WorkerType is the stage queue this worker consumes.
	WorkerType string
	// Hostname is this worker's unique identity; it names the abort/yield
	// control queues and is written into claims.
	Hostname string

	Conn      *bus.Connection
	Scheduler SchedulerClient
	// NewTask returns a fresh task instance per claimed job.
	NewTask func() task.Task
	// ScratchRoot is where per-job scratch dirs are created; empty means the
	// system temp dir.
	ScratchRoot string
	Logger      *zap.Logger
}

// Runtime consumes one stage queue and runs at most one job at a time
// (prefetch 1). All mutable state is guarded by mu; the consume loop, the
// control RPC servers and Close all touch it.
type Runtime struct {
	workerType  string
	hostname    string
	conn        *bus.Connection
	sched       SchedulerClient
	newTask     func() task.Task
	scratchRoot string
	logger      *zap.Logger

	// newStorage is storage.New, injectable in tests.
	newStorage func(ctx context.Context, cfg storage.ProviderConfig) (storage.Backend, error)

	mu         sync.Mutex
	closed     bool
	active     bool
	currentJob types.JobID
	cancel     context.CancelCauseFunc

	jobWG sync.WaitGroup
}

// New creates a worker runtime.
func New(cfg Config) *Runtime {
	return &Runtime{
		workerType:  cfg.WorkerType,
		hostname:    cfg.Hostname,
		conn:        cfg.Conn,
		sched:       cfg.Scheduler,
		newTask:     cfg.NewTask,
		scratchRoot: cfg.ScratchRoot,
		logger:      cfg.Logger.Named("worker"),
		newStorage:  storage.New,
	}
}

// Run starts the control servers, announces the worker, and consumes the
// stage queue until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) {
	rpc.NewServer(r.conn, types.AbortQueue(r.hostname), r.handleAbort, r.logger).Start(ctx)
	rpc.NewServer(r.conn, types.YieldQueue(r.hostname), r.handleYield, r.logger).Start(ctx)

	r.announce(ctx, "worker joined")

	r.conn.ConsumeLoop(ctx, bus.ConsumeConfig{
		Queue:    r.workerType,
		Prefetch: 1,
		OnReady: func(queueName string) {
			r.logger.Info("consuming stage queue", zap.String("queue", queueName))
		},
	}, r.handleDelivery)
}

// Close marks the runtime closed, yields any in-flight task, and waits for
// it to drain through update_job.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	active := r.active
	cancel := r.cancel
	r.mu.Unlock()

	if active && cancel != nil {
		cancel(&task.Cancellation{Code: types.WorkerYieldedExceptionCode})
	}

	done := make(chan struct{})
	go func() {
		r.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("worker: close: %w", ctx.Err())
	}

	r.announce(ctx, "worker exiting")
	return nil
}

// announce publishes a fleet-level log line, best effort.
func (r *Runtime) announce(ctx context.Context, event string) {
	content, _ := json.Marshal(map[string]string{"event": event})
	cctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	err := r.sched.InsertSystemLog(cctx, types.SystemLog{
		TimeStamp:      time.Now().UTC(),
		WorkerType:     r.workerType,
		WorkerHostname: r.hostname,
		Content:        content,
	})
	if err != nil {
		r.logger.Warn("system log announcement failed",
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// handleDelivery decodes a stage message and runs the job. Malformed bodies
// are dropped; messages arriving while the runtime is closed are requeued
// for another worker.
func (r *Runtime) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	var id types.JobID
	if err := json.Unmarshal(d.Body, &id); err != nil {
		r.logger.Error("dropping malformed stage message", zap.Error(err))
		return nil
	}
	return r.ProcessJob(ctx, id)
}

// ProcessJob runs the full claim/run/deliver sequence for one job id.
func (r *Runtime) ProcessJob(ctx context.Context, id types.JobID) error {
	if !r.enter() {
		select {
		case <-ctx.Done():
		case <-time.After(closedRequeueDelay):
		}
		return bus.ErrRequeue
	}
	// Covers the delivery too: Close waits until the deliverable reached
	// the scheduler, not just until the task returned.
	defer r.jobWG.Done()
	log := r.logger.With(zap.String("job_id", id.String()))

	sysCfg, err := r.callGetSystemConfig(ctx)
	if err != nil {
		return fmt.Errorf("worker: get system config: %w", err)
	}

	receipt, err := r.callFocusJob(ctx, id)
	if err != nil {
		return fmt.Errorf("worker: focus job %s: %w", id, err)
	}
	if receipt.Status != types.Focused {
		log.Info("claim rejected, dropping stage message")
		return nil
	}
	job := receipt.JobContext
	log.Info("job claimed", zap.Int("stage", job.CurrentWorker))

	stage := job.CurrentStage()
	if stage == nil || stage.WorkerType != r.workerType {
		// The claim succeeded but the stage does not belong to this worker
		// type; resolve the claim with a failure instead of leaving the job
		// stuck inProgress.
		result := types.NewJobResult(r.workerType)
		result.WorkerException = &types.WorkerException{
			Code:      types.WorkerGeneralExceptionCode,
			Traceback: fmt.Sprintf("stage %d does not match worker type %s", job.CurrentWorker, r.workerType),
		}
		return r.deliver(ctx, job, result)
	}

	backend, err := r.newStorage(ctx, sysCfg.Storage)
	if err != nil {
		return fmt.Errorf("worker: init storage backend: %w", err)
	}

	taskCtx, ok := r.register(ctx, id)
	if !ok {
		// Shutdown began after the claim was won. Requeueing would strand
		// the job inProgress under this hostname, so hand the claim back as
		// yielded and let another worker pick the stage up.
		log.Info("claim won during shutdown, yielding it back")
		result := types.NewJobResult(r.workerType)
		result.WorkerException = &types.WorkerException{
			Code:      types.WorkerYieldedExceptionCode,
			Traceback: "worker shut down before the stage task started",
		}
		return r.deliver(ctx, job, result)
	}
	result := task.Execute(taskCtx, task.Options{
		Job:         job,
		StageIndex:  job.CurrentWorker,
		WorkerType:  r.workerType,
		Hostname:    r.hostname,
		Storage:     backend,
		Reporter:    r,
		Logger:      log,
		ScratchRoot: r.scratchRoot,
	}, r.newTask())
	r.unregister()

	return r.deliver(ctx, job, result)
}

// ReportJobLog forwards harness log lines to the scheduler's intake queue.
func (r *Runtime) ReportJobLog(ctx context.Context, line types.JobLog) error {
	cctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return r.sched.InsertJobLog(cctx, line)
}

func (r *Runtime) callGetSystemConfig(ctx context.Context) (types.SystemConfig, error) {
	cctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return r.sched.GetSystemConfig(cctx, types.SystemConfigRequest{WorkerType: r.workerType})
}

func (r *Runtime) callFocusJob(ctx context.Context, id types.JobID) (types.JobFocusReceipt, error) {
	cctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return r.sched.FocusJob(cctx, types.JobFocusRequest{
		JobID:          id,
		WorkerHostname: r.hostname,
	})
}

// deliver hands the stage deliverable back. A delivery failure propagates so
// the stage message is requeued; the stale-update guard makes the retry
// harmless.
func (r *Runtime) deliver(ctx context.Context, job *types.JobContext, result *types.JobResult) error {
	cctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	err := r.sched.UpdateJob(cctx, types.JobUpdateRequest{
		WorkerHostname: r.hostname,
		WorkerType:     r.workerType,
		WorkerIndex:    job.CurrentWorker,
		JobID:          job.JobID,
		Deliverable:    result,
	})
	if err != nil {
		return fmt.Errorf("worker: update job %s: %w", job.JobID, err)
	}
	return nil
}

// enter joins the drain group unless the runtime is closed. The check and
// the Add share mu with Close, so Close's wait sees every job that got in.
func (r *Runtime) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.jobWG.Add(1)
	return true
}

// register installs the job as the current task. It fails when the runtime
// was closed in the meantime.
func (r *Runtime) register(ctx context.Context, id types.JobID) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	taskCtx, cancel := context.WithCancelCause(ctx)
	r.active = true
	r.currentJob = id
	r.cancel = cancel
	return taskCtx, true
}

func (r *Runtime) unregister() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel(nil)
	}
	r.active = false
	r.cancel = nil
	r.mu.Unlock()
}

func (r *Runtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// cancelCurrent cancels the in-flight task with the given code iff it is
// running the named job. Mismatches are silent no-ops.
func (r *Runtime) cancelCurrent(id types.JobID, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active || r.currentJob != id || r.cancel == nil {
		return
	}
	r.logger.Info("cancelling current task",
		zap.String("job_id", id.String()),
		zap.String("code", code),
	)
	r.cancel(&task.Cancellation{Code: code})
}

func (r *Runtime) handleAbort(_ context.Context, req types.JobAbortRequest) (rpc.Void, error) {
	r.cancelCurrent(req.JobID, types.WorkerAbortedExceptionCode)
	return rpc.Void{}, nil
}

func (r *Runtime) handleYield(_ context.Context, req types.JobYieldRequest) (rpc.Void, error) {
	r.cancelCurrent(req.JobID, types.WorkerYieldedExceptionCode)
	return rpc.Void{}, nil
}
