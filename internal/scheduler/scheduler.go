// Package scheduler is the control-plane core: it binds the claim/update RPCs
// and the log intake to the persistence backend, dispatches stage messages to
// worker queues, and carries out operator commands (create, abort, restart)
// for the HTTP surface.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ARiSE-Lab/kGymSuite/internal/bus"
	"github.com/ARiSE-Lab/kGymSuite/internal/config"
	"github.com/ARiSE-Lab/kGymSuite/internal/metrics"
	"github.com/ARiSE-Lab/kGymSuite/internal/rpc"
	"github.com/ARiSE-Lab/kGymSuite/internal/store"
	"github.com/ARiSE-Lab/kGymSuite/internal/types"
)

// ErrBadStage is returned by RestartJob when the requested stage index is out
// of the job's stage range.
var ErrBadStage = errors.New("scheduler: stage index out of range")

// controlTimeout bounds worker-directed control RPCs. A claimant that
// disappeared never answers; expiry is treated as non-fatal.
const controlTimeout = 10 * time.Second

// queuePublisher is the slice of bus.Connection the scheduler publishes
// through.
type queuePublisher interface {
	Publish(ctx context.Context, queue string, p bus.Publishing) error
}

// workerCommander issues control commands to claimant workers.
type workerCommander interface {
	AbortJob(ctx context.Context, hostname string, req types.JobAbortRequest) error
}

// Server is the scheduler control plane.
type Server struct {
	store   *store.Store
	cfg     *config.Config
	conn    *bus.Connection
	pub     queuePublisher
	control workerCommander
	logger  *zap.Logger
}

// New wires the scheduler onto the persistence backend and the message bus.
func New(st *store.Store, cfg *config.Config, conn *bus.Connection, logger *zap.Logger) *Server {
	control := rpc.NewWorkerControl(conn, logger)
	return &Server{
		store:   st,
		cfg:     cfg,
		conn:    conn,
		pub:     conn,
		control: control,
		logger:  logger.Named("scheduler"),
	}
}

// Start brings up the RPC servers, the log intake, and the worker control
// client. It returns immediately; all consumers run until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	if wc, ok := s.control.(*rpc.WorkerControl); ok {
		wc.Start(ctx)
	}

	rpc.NewServer(s.conn, types.QueueGetSystemConfig, s.handleGetSystemConfig, s.logger).Start(ctx)
	rpc.NewServer(s.conn, types.QueueFocusJob, s.handleFocusJob, s.logger).Start(ctx)
	rpc.NewServer(s.conn, types.QueueUpdateJob, s.handleUpdateJob, s.logger).Start(ctx)
	rpc.NewServer(s.conn, types.QueueInsertJobLog, s.handleInsertJobLog, s.logger).Start(ctx)
	rpc.NewServer(s.conn, types.QueueInsertSystemLog, s.handleInsertSystemLog, s.logger).Start(ctx)

	s.logger.Info("scheduler rpc servers started")
}

// handleGetSystemConfig serves the storage declaration plus the config blob
// scoped to the requesting worker type.
func (s *Server) handleGetSystemConfig(_ context.Context, req types.SystemConfigRequest) (types.SystemConfig, error) {
	return types.SystemConfig{
		Storage:        s.cfg.Storage,
		WorkerConfig:   s.cfg.WorkerConfig(req.WorkerType),
		DeploymentName: s.cfg.DeploymentName,
	}, nil
}

// handleFocusJob runs the claim arbitration.
func (s *Server) handleFocusJob(ctx context.Context, req types.JobFocusRequest) (types.JobFocusReceipt, error) {
	receipt, err := s.store.FocusJob(ctx, req)
	if err != nil {
		return types.JobFocusReceipt{}, err
	}
	metrics.FocusVerdicts.WithLabelValues(string(receipt.Status)).Inc()
	s.logger.Info("focus verdict",
		zap.String("job_id", req.JobID.String()),
		zap.String("worker_hostname", req.WorkerHostname),
		zap.String("verdict", string(receipt.Status)),
	)
	return *receipt, nil
}

// handleUpdateJob applies a stage deliverable and dispatches the next stage
// when one exists.
func (s *Server) handleUpdateJob(ctx context.Context, req types.JobUpdateRequest) (rpc.Void, error) {
	dispatch, accepted, err := s.store.UpdateJob(ctx, req)
	if err != nil {
		return rpc.Void{}, err
	}

	outcome := "stale"
	if accepted {
		outcome = "accepted"
	}
	metrics.JobUpdates.WithLabelValues(outcome).Inc()
	s.logger.Info("job update",
		zap.String("job_id", req.JobID.String()),
		zap.String("worker_hostname", req.WorkerHostname),
		zap.Int("worker_index", req.WorkerIndex),
		zap.String("outcome", outcome),
	)

	if dispatch != nil {
		// The transition is committed; a dispatch failure must not requeue
		// the update (it would be rejected as stale and never re-dispatch),
		// so it is logged and the message acked.
		if err := s.EnqueueJob(ctx, dispatch.JobID, dispatch.WorkerType); err != nil {
			s.logger.Error("failed to dispatch next stage",
				zap.String("job_id", dispatch.JobID.String()),
				zap.String("worker_type", dispatch.WorkerType),
				zap.Error(err),
			)
		}
	}
	return rpc.Void{}, nil
}

// handleInsertJobLog persists one job log line. Intake is log-and-drop: a
// malformed or unpersistable line is logged and the message acked, never
// requeued.
func (s *Server) handleInsertJobLog(ctx context.Context, line types.JobLog) (rpc.Void, error) {
	if err := s.store.InsertJobLog(ctx, line); err != nil {
		s.logger.Error("dropping job log line", zap.Error(err))
		return rpc.Void{}, nil
	}
	metrics.LogLinesInserted.WithLabelValues("job").Inc()
	return rpc.Void{}, nil
}

// handleInsertSystemLog persists one fleet-level log line, same intake policy.
func (s *Server) handleInsertSystemLog(ctx context.Context, line types.SystemLog) (rpc.Void, error) {
	if err := s.store.InsertSystemLog(ctx, line); err != nil {
		s.logger.Error("dropping system log line", zap.Error(err))
		return rpc.Void{}, nil
	}
	metrics.LogLinesInserted.WithLabelValues("system").Inc()
	return rpc.Void{}, nil
}

// EnqueueJob publishes a job id onto the named worker type's stage queue.
// The payload is the id as a JSON string.
func (s *Server) EnqueueJob(ctx context.Context, id types.JobID, workerType string) error {
	body, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("scheduler: marshal job id: %w", err)
	}
	if err := s.pub.Publish(ctx, workerType, bus.Publishing{Body: body}); err != nil {
		return fmt.Errorf("scheduler: enqueue job %s to %s: %w", id, workerType, err)
	}
	metrics.JobsDispatched.WithLabelValues(workerType).Inc()
	return nil
}

// CreateJob persists a new job and dispatches its first stage.
func (s *Server) CreateJob(ctx context.Context, req types.JobRequest) (types.JobID, error) {
	id, err := s.store.NewJob(ctx, req)
	if err != nil {
		return 0, err
	}
	metrics.JobsCreated.Inc()
	s.logger.Info("job created",
		zap.String("job_id", id.String()),
		zap.Int("stages", len(req.JobWorkers)),
	)
	if err := s.EnqueueJob(ctx, id, req.JobWorkers[0].WorkerType); err != nil {
		return 0, err
	}
	return id, nil
}

// AbortJob aborts a job. Unclaimed jobs are aborted directly in the database;
// a claimed job is relayed to its claimant, which reports the abort through
// the normal update path. Terminal jobs are a no-op.
func (s *Server) AbortJob(ctx context.Context, id types.JobID) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	aborted, err := s.store.AbortJob(ctx, id)
	if err != nil {
		return err
	}
	if aborted {
		s.logger.Info("job aborted", zap.String("job_id", id.String()))
		return nil
	}

	// The direct abort lost, so the job is (or just became) claimed. Relay
	// to the claimant; an unanswered relay is not an error, the claimant may
	// already be gone and its claim will be resolved by its own update.
	hostname := job.CurrentWorkerHostname
	if hostname == "" {
		// Raced with a transition into a terminal state.
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	if err := s.control.AbortJob(cctx, hostname, types.JobAbortRequest{JobID: id}); err != nil {
		s.logger.Warn("abort relay unanswered",
			zap.String("job_id", id.String()),
			zap.String("worker_hostname", hostname),
			zap.Error(err),
		)
	}
	return nil
}

// RestartJob re-enters a terminal job at fromStage and dispatches that stage.
// fromStage -1 selects the job's last stage.
func (s *Server) RestartJob(ctx context.Context, id types.JobID, fromStage int) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return store.ErrNotRestartable
	}

	if fromStage == -1 {
		fromStage = len(job.JobWorkers) - 1
	}
	if fromStage < 0 || fromStage >= len(job.JobWorkers) {
		return fmt.Errorf("%w: %d of %d stages", ErrBadStage, fromStage, len(job.JobWorkers))
	}

	if err := s.store.RestartJob(ctx, id, fromStage); err != nil {
		return err
	}
	s.logger.Info("job restarted",
		zap.String("job_id", id.String()),
		zap.Int("from_stage", fromStage),
	)
	return s.EnqueueJob(ctx, id, job.JobWorkers[fromStage].WorkerType)
}
