// Package store is the scheduler's persistence backend: job creation, claim
// arbitration, stage advancement, abort/restart, the append-only log tables,
// and the crash-recovery sweep.
//
// All state transitions are conditional UPDATEs whose predicate encodes the
// legal transition and whose WHERE clause includes modified_time as a
// conflict token. Database atomicity makes each such update a linearization
// point: for N racing claims exactly one touches a row, and a tardy result
// delivery after a remote abort touches none.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ARiSE-Lab/kGymSuite/internal/db"
	"github.com/ARiSE-Lab/kGymSuite/internal/types"
)

var (
	// ErrNotFound is returned when the requested job does not exist.
	ErrNotFound = errors.New("store: job not found")
	// ErrInvalidJob is returned by NewJob for requests the core refuses to
	// persist (no stages, blank worker types).
	ErrInvalidJob = errors.New("store: invalid job request")
	// ErrNotRestartable is returned by RestartJob when the job is not in a
	// terminal state.
	ErrNotRestartable = errors.New("store: job is not restartable")
)

// errStale aborts the UpdateJob transaction when the digest guard matches no
// row; it never escapes this package.
var errStale = errors.New("store: stale update")

// Dispatch is the (job, next worker type) pair UpdateJob hands back when a
// stage completed cleanly and another stage remains; the scheduler publishes
// the job id onto that stage's queue.
type Dispatch struct {
	JobID      types.JobID
	WorkerType string
}

// Store wraps the scheduler database with the backend operations.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// New returns a Store backed by the provided *gorm.DB.
func New(gdb *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     gdb,
		logger: logger.Named("store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewJob persists a job atomically: the digest (pending, stage 0, no
// claimant), one stage row per argument, and the tag rows. The id is
// allocated by the database.
func (s *Store) NewJob(ctx context.Context, req types.JobRequest) (types.JobID, error) {
	if len(req.JobWorkers) == 0 {
		return 0, fmt.Errorf("%w: job has no stages", ErrInvalidJob)
	}
	for i, arg := range req.JobWorkers {
		if arg.WorkerType == "" {
			return 0, fmt.Errorf("%w: stage %d has no worker type", ErrInvalidJob, i)
		}
	}

	now := s.now().UnixNano()
	digest := db.JobDigest{
		CreatedTime:           now,
		ModifiedTime:          now,
		Status:                string(types.StatusPending),
		CurrentWorkerHostname: "",
		CurrentWorker:         0,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&digest).Error; err != nil {
			return fmt.Errorf("store: create digest: %w", err)
		}

		stages := make([]db.JobStage, len(req.JobWorkers))
		for i, arg := range req.JobWorkers {
			raw, err := json.Marshal(arg)
			if err != nil {
				return fmt.Errorf("store: marshal stage %d argument: %w", i, err)
			}
			stages[i] = db.JobStage{
				JobID:          digest.JobID,
				StageIndex:     i,
				WorkerType:     arg.WorkerType,
				WorkerArgument: string(raw),
			}
		}
		if err := tx.Create(&stages).Error; err != nil {
			return fmt.Errorf("store: create stages: %w", err)
		}

		if len(req.Tags) > 0 {
			tags := make([]db.JobTag, 0, len(req.Tags))
			for k, v := range req.Tags {
				tags = append(tags, db.JobTag{JobID: digest.JobID, TagKey: k, TagValue: v})
			}
			if err := tx.Create(&tags).Error; err != nil {
				return fmt.Errorf("store: create tags: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return types.JobID(digest.JobID), nil
}

// GetJob assembles the full read-only context: digest, ordered stages, tags.
// Returns ErrNotFound when no digest row exists.
func (s *Store) GetJob(ctx context.Context, id types.JobID) (*types.JobContext, error) {
	var digest db.JobDigest
	err := s.db.WithContext(ctx).First(&digest, "job_id = ?", uint32(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get digest: %w", err)
	}

	var stages []db.JobStage
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", uint32(id)).
		Order("stage_index ASC").
		Find(&stages).Error; err != nil {
		return nil, fmt.Errorf("store: get stages for job %s: %w", id, err)
	}

	var tagRows []db.JobTag
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", uint32(id)).
		Find(&tagRows).Error; err != nil {
		return nil, fmt.Errorf("store: get tags for job %s: %w", id, err)
	}

	jobStages := make([]types.JobStage, len(stages))
	for i, row := range stages {
		stage, err := stageToModel(row)
		if err != nil {
			return nil, err
		}
		jobStages[i] = stage
	}

	tags := make(map[string]string, len(tagRows))
	for _, t := range tagRows {
		tags[t.TagKey] = t.TagValue
	}

	return &types.JobContext{
		JobDigest:  digestToModel(digest),
		JobWorkers: jobStages,
		Tags:       tags,
	}, nil
}

// FocusJob is the claim arbitration. The conditional update accepts iff the
// digest is pending or waiting, unclaimed, and strictly older than now; the
// winner's hostname and timestamp are written in the same statement. The
// receipt carries a fresh context regardless of the verdict.
func (s *Store) FocusJob(ctx context.Context, req types.JobFocusRequest) (*types.JobFocusReceipt, error) {
	now := s.now().UnixNano()
	res := s.db.WithContext(ctx).Model(&db.JobDigest{}).
		Where("job_id = ? AND current_worker_hostname = ? AND status IN ? AND modified_time < ?",
			uint32(req.JobID), "",
			[]string{string(types.StatusPending), string(types.StatusWaiting)}, now).
		Updates(map[string]interface{}{
			"status":                  string(types.StatusInProgress),
			"current_worker_hostname": req.WorkerHostname,
			"modified_time":           now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("store: focus job %s: %w", req.JobID, res.Error)
	}

	status := types.Rejected
	if res.RowsAffected == 1 {
		status = types.Focused
	}

	jobCtx, err := s.GetJob(ctx, req.JobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return &types.JobFocusReceipt{Status: status, JobContext: jobCtx}, nil
}

// UpdateJob applies a stage deliverable in one transaction, guarded by the
// claim predicate in reverse: the digest must be inProgress, owned by the
// reporting hostname, at the reported stage index, and older than now.
//
// Outcomes:
//   - yielded worker exception: back to waiting at the same stage, result
//     NOT persisted; the stage will be re-claimed and re-run elsewhere.
//   - any other exception: aborted, result persisted.
//   - clean with a further stage: waiting, currentWorker advanced, and the
//     returned Dispatch names the next stage's queue.
//   - clean with no further stage: finished, currentWorker left at the last
//     valid index.
//
// The second return reports whether the guard accepted; a tardy delivery
// from a claimant that was remote-aborted meanwhile returns (nil, false, nil)
// and persists nothing.
func (s *Store) UpdateJob(ctx context.Context, req types.JobUpdateRequest) (*Dispatch, bool, error) {
	if req.Deliverable == nil {
		return nil, false, fmt.Errorf("store: update for job %s has no deliverable", req.JobID)
	}

	now := s.now().UnixNano()
	var dispatch *Dispatch

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deliv := req.Deliverable
		status := types.StatusAborted
		nextWorker := req.WorkerIndex

		switch {
		case deliv.Yielded():
			status = types.StatusWaiting
		case !deliv.Failed():
			var next db.JobStage
			err := tx.Where("job_id = ? AND stage_index = ?", uint32(req.JobID), req.WorkerIndex+1).
				First(&next).Error
			switch {
			case err == nil:
				status = types.StatusWaiting
				nextWorker = req.WorkerIndex + 1
				dispatch = &Dispatch{JobID: req.JobID, WorkerType: next.WorkerType}
			case errors.Is(err, gorm.ErrRecordNotFound):
				status = types.StatusFinished
			default:
				return fmt.Errorf("store: look up next stage: %w", err)
			}
		}

		res := tx.Model(&db.JobDigest{}).
			Where("job_id = ? AND status = ? AND current_worker_hostname = ? AND current_worker = ? AND modified_time < ?",
				uint32(req.JobID), string(types.StatusInProgress),
				req.WorkerHostname, req.WorkerIndex, now).
			Updates(map[string]interface{}{
				"status":                  string(status),
				"current_worker_hostname": "",
				"current_worker":          nextWorker,
				"modified_time":           now,
			})
		if res.Error != nil {
			return fmt.Errorf("store: update digest: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errStale
		}

		if !deliv.Yielded() {
			raw, err := json.Marshal(deliv)
			if err != nil {
				return fmt.Errorf("store: marshal deliverable: %w", err)
			}
			blob := string(raw)
			res := tx.Model(&db.JobStage{}).
				Where("job_id = ? AND stage_index = ?", uint32(req.JobID), req.WorkerIndex).
				Update("worker_result", &blob)
			if res.Error != nil {
				return fmt.Errorf("store: persist result: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("store: job %s has no stage %d", req.JobID, req.WorkerIndex)
			}
		}
		return nil
	})
	if errors.Is(err, errStale) {
		s.logger.Warn("stale update rejected",
			zap.String("job_id", req.JobID.String()),
			zap.String("worker_hostname", req.WorkerHostname),
			zap.Int("worker_index", req.WorkerIndex),
		)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return dispatch, true, nil
}

// AbortJob moves an unclaimed pending or waiting job to aborted. It returns
// false when no row changed (the job is claimed, terminal, or missing), in
// which case the caller escalates to a remote abort of the claimant.
func (s *Store) AbortJob(ctx context.Context, id types.JobID) (bool, error) {
	now := s.now().UnixNano()
	res := s.db.WithContext(ctx).Model(&db.JobDigest{}).
		Where("job_id = ? AND current_worker_hostname = ? AND status IN ? AND modified_time < ?",
			uint32(id), "",
			[]string{string(types.StatusPending), string(types.StatusWaiting)}, now).
		Updates(map[string]interface{}{
			"status":        string(types.StatusAborted),
			"modified_time": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: abort job %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RestartJob re-enters a terminal job at the chosen stage. Prior results of
// earlier stages are untouched; later results are overwritten only as those
// stages complete again.
func (s *Store) RestartJob(ctx context.Context, id types.JobID, fromStage int) error {
	now := s.now().UnixNano()
	res := s.db.WithContext(ctx).Model(&db.JobDigest{}).
		Where("job_id = ? AND current_worker_hostname = ? AND status IN ? AND modified_time < ?",
			uint32(id), "",
			[]string{string(types.StatusAborted), string(types.StatusFinished)}, now).
		Updates(map[string]interface{}{
			"status":         string(types.StatusPending),
			"current_worker": fromStage,
			"modified_time":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("store: restart job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotRestartable
	}
	return nil
}

// SweepLeftoverJobs aborts every job the previous scheduler process left in
// a non-terminal state. Called once on startup, before the bus consumers
// come up: queued broker messages for swept jobs become no-ops because the
// claim predicate no longer matches.
func (s *Store) SweepLeftoverJobs(ctx context.Context) (int64, error) {
	now := s.now().UnixNano()
	res := s.db.WithContext(ctx).Model(&db.JobDigest{}).
		Where("status IN ?", []string{
			string(types.StatusPending),
			string(types.StatusInProgress),
			string(types.StatusWaiting),
		}).
		Updates(map[string]interface{}{
			"status":                  string(types.StatusAborted),
			"current_worker_hostname": "",
			"modified_time":           now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("store: sweep leftover jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// InsertJobLog appends one job log line.
func (s *Store) InsertJobLog(ctx context.Context, log types.JobLog) error {
	row := db.JobLog{
		TimeStamp:      log.TimeStamp.UnixNano(),
		JobID:          uint32(log.JobID),
		WorkerType:     log.WorkerType,
		WorkerHostname: log.WorkerHostname,
		Content:        string(log.Content),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("store: insert job log: %w", err)
	}
	return nil
}

// InsertSystemLog appends one system log line.
func (s *Store) InsertSystemLog(ctx context.Context, log types.SystemLog) error {
	row := db.SystemLog{
		TimeStamp:      log.TimeStamp.UnixNano(),
		WorkerType:     log.WorkerType,
		WorkerHostname: log.WorkerHostname,
		Content:        string(log.Content),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("store: insert system log: %w", err)
	}
	return nil
}

// digestToModel converts a digest row to the wire model.
func digestToModel(row db.JobDigest) types.JobDigest {
	return types.JobDigest{
		JobID:                 types.JobID(row.JobID),
		CreatedTime:           time.Unix(0, row.CreatedTime).UTC(),
		ModifiedTime:          time.Unix(0, row.ModifiedTime).UTC(),
		Status:                types.Status(row.Status),
		CurrentWorkerHostname: row.CurrentWorkerHostname,
		CurrentWorker:         row.CurrentWorker,
	}
}

// stageToModel converts a stage row, decoding the opaque blobs.
func stageToModel(row db.JobStage) (types.JobStage, error) {
	var stage types.JobStage
	stage.WorkerType = row.WorkerType
	if err := json.Unmarshal([]byte(row.WorkerArgument), &stage.WorkerArgument); err != nil {
		return stage, fmt.Errorf("store: decode argument for stage %d: %w", row.StageIndex, err)
	}
	if row.WorkerResult != nil {
		var result types.JobResult
		if err := json.Unmarshal([]byte(*row.WorkerResult), &result); err != nil {
			return stage, fmt.Errorf("store: decode result for stage %d: %w", row.StageIndex, err)
		}
		stage.WorkerResult = &result
	}
	return stage, nil
}
