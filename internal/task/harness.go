package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ARiSE-Lab/kGymSuite/internal/storage"
	"github.com/ARiSE-Lab/kGymSuite/internal/types"
)

// Options configures one harness execution.
type Options struct {
	Job        *types.JobContext
	StageIndex int
	WorkerType string
	Hostname   string

	Storage  storage.Backend
	Reporter LogReporter
	Logger   *zap.Logger

	// ScratchRoot is the directory scratch dirs are created under; empty
	// means the system temp dir.
	ScratchRoot string
}

// Harness is what a running task sees: the claimed job, its stage argument,
// the mutable pending result, and the collaborator operations.
type Harness struct {
	Job           *types.JobContext
	StageIndex    int
	WorkerType    string
	Hostname      string
	PendingResult *types.JobResult

	// ScratchDir is a private directory created before Run and removed
	// after Clean, on every exit path.
	ScratchDir string

	storage  storage.Backend
	reporter LogReporter
	logger   *zap.Logger
}

// Argument returns the stage's opaque argument blob.
func (h *Harness) Argument() types.JobArgument {
	return h.Job.JobWorkers[h.StageIndex].WorkerArgument
}

// SubmitResource uploads the file at localPath to the storage collaborator
// under the stage's deterministic key prefix and returns its handle.
// Zero-byte files are skipped and return nil.
func (h *Harness) SubmitResource(ctx context.Context, localName, localPath string) (*types.JobResource, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("task: stat resource %s: %w", localPath, err)
	}
	if info.Size() == 0 {
		return nil, nil
	}

	key := fmt.Sprintf("jobs/%s/%d_%s/%s", h.Job.JobID, h.StageIndex, h.WorkerType, localName)
	if err := h.storage.Upload(ctx, localPath, key); err != nil {
		return nil, fmt.Errorf("task: upload resource %s: %w", localName, err)
	}
	uri, err := h.storage.URLFor(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("task: resolve resource uri %s: %w", key, err)
	}
	return &types.JobResource{Key: key, StorageURI: uri}, nil
}

// ReportJobLog publishes one log line upstream, fire-and-forget: marshal or
// delivery failures are logged locally and swallowed.
func (h *Harness) ReportJobLog(ctx context.Context, content any) {
	raw, err := json.Marshal(content)
	if err != nil {
		h.logger.Warn("job log content not serializable", zap.Error(err))
		return
	}
	line := types.JobLog{
		TimeStamp:      time.Now().UTC(),
		JobID:          h.Job.JobID,
		WorkerType:     h.WorkerType,
		WorkerHostname: h.Hostname,
		Content:        raw,
	}
	if err := h.reporter.ReportJobLog(ctx, line); err != nil {
		h.logger.Warn("job log delivery failed", zap.Error(err))
	}
}

// Execute runs one task under the harness and returns the stage deliverable.
// It never returns an error: every exit path, including panic-free failures
// and cancellation, is folded into the deliverable's exception slots.
//
// The scratch directory exists for the whole Run/Clean window and is removed
// afterwards on every path. Clean runs detached from ctx so cleanup still
// happens after cancellation; its errors are logged and swallowed.
func Execute(ctx context.Context, opts Options, t Task) *types.JobResult {
	result := types.NewJobResult(opts.WorkerType)

	scratch, err := os.MkdirTemp(opts.ScratchRoot, "kgym-")
	if err != nil {
		result.WorkerException = &types.WorkerException{
			Code:          types.WorkerGeneralExceptionCode,
			ExceptionType: fmt.Sprintf("%T", err),
			Traceback:     err.Error(),
		}
		return result
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			opts.Logger.Warn("failed to remove scratch dir",
				zap.String("dir", scratch),
				zap.Error(err),
			)
		}
	}()

	h := &Harness{
		Job:           opts.Job,
		StageIndex:    opts.StageIndex,
		WorkerType:    opts.WorkerType,
		Hostname:      opts.Hostname,
		PendingResult: result,
		ScratchDir:    scratch,
		storage:       opts.Storage,
		reporter:      opts.Reporter,
		logger:        opts.Logger,
	}

	runErr := t.Run(ctx, h)

	cleanCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := t.Clean(cleanCtx); err != nil {
		opts.Logger.Warn("task clean hook failed",
			zap.String("job_id", opts.Job.JobID.String()),
			zap.Error(err),
		)
	}

	if runErr == nil {
		return result
	}

	var jobErr *JobError
	if errors.As(runErr, &jobErr) {
		content := json.RawMessage("null")
		if jobErr.Content != nil {
			if raw, err := json.Marshal(jobErr.Content); err == nil {
				content = raw
			}
		}
		traceback := ""
		if jobErr.Err != nil {
			traceback = jobErr.Err.Error()
		}
		result.JobException = &types.JobException{
			Code:      jobErr.Code,
			Traceback: traceback,
			Content:   content,
		}
		return result
	}

	code := types.WorkerGeneralExceptionCode
	var cause *Cancellation
	if errors.As(context.Cause(ctx), &cause) {
		code = cause.Code
	}
	result.WorkerException = &types.WorkerException{
		Code:          code,
		ExceptionType: fmt.Sprintf("%T", runErr),
		Traceback:     runErr.Error(),
	}
	return result
}
