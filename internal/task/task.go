// Package task defines the stage-task contract and the harness that runs a
// task inside a claimed job: scratch directory lifecycle, resource uploads,
// fire-and-forget job logs, and the translation of every exit path into the
// stage deliverable.
package task

import (
	"context"
	"fmt"

	"github.com/ARiSE-Lab/kGymSuite/internal/types"
)

// Task is one stage-specific implementation. Run does the work; Clean is the
// cleanup hook invoked on every exit path, including cancellation, and must
// be prompt and idempotent.
type Task interface {
	Run(ctx context.Context, h *Harness) error
	Clean(ctx context.Context) error
}

// Cancellation is the structured cancel cause delivered to an in-flight task
// through its context: an operator abort or a graceful yield. The task
// observes it at its next blocking operation.
type Cancellation struct {
	// Code is one of the worker exception codes
	// (types.WorkerAbortedExceptionCode or types.WorkerYieldedExceptionCode).
	Code string
}

func (c *Cancellation) Error() string {
	return fmt.Sprintf("task: cancelled (%s)", c.Code)
}

// JobError is an expected, job-attributable failure a task returns from Run.
// The harness translates it into the deliverable's jobException slot; it
// never crashes the worker.
type JobError struct {
	// Code is a dotted failure class, e.g. "kbuilder.PatchFailed".
	Code string
	// Content is free-form structured data attached to the exception.
	Content any
	// Err is the underlying cause, recorded as the exception traceback.
	Err error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("task: %s", e.Code)
}

func (e *JobError) Unwrap() error { return e.Err }

// LogReporter publishes job log lines upstream. Implementations are
// fire-and-forget; delivery failure must not affect the task.
type LogReporter interface {
	ReportJobLog(ctx context.Context, line types.JobLog) error
}
