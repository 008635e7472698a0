// Package types defines the data model shared by the scheduler, the worker
// runtime and the HTTP surface: job identities, digests, stages, results,
// the exception taxonomy and the RPC request/receipt schemas. Everything
// here serializes as plain JSON: it is the wire format on the message bus
// and the storage format for stage argument/result blobs.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job. Terminal states are Aborted and
// Finished; terminal jobs are immutable except through restart.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "inProgress"
	StatusWaiting    Status = "waiting"
	StatusAborted    Status = "aborted"
	StatusFinished   Status = "finished"
)

// IsTerminal reports whether the status admits no further transitions other
// than an explicit restart.
func (s Status) IsTerminal() bool {
	return s == StatusAborted || s == StatusFinished
}

// Worker exception codes. These are the three runtime-level failure classes a
// worker can attach to a deliverable; everything job-attributable travels as
// a JobException with a worker-defined code instead.
const (
	WorkerAbortedExceptionCode = "kworker.AbortedException"
	WorkerYieldedExceptionCode = "kworker.YieldedException"
	WorkerGeneralExceptionCode = "kworker.GeneralException"
)

// JobException is an expected, per-stage failure attributable to the job's
// inputs. Code is a dotted string naming the failure class (for example
// "kbuilder.PatchFailed"); Content is free-form structured data.
type JobException struct {
	Code      string          `json:"code"`
	Traceback string          `json:"traceback"`
	Content   json.RawMessage `json:"content"`
}

// WorkerException is a runtime-level failure attributable to the worker or
// its environment: an operator abort, a graceful yield, or an uncategorized
// crash. ExceptionType records the concrete Go type of the original error.
type WorkerException struct {
	Code          string `json:"code"`
	ExceptionType string `json:"exceptionType"`
	Traceback     string `json:"traceback"`
}

// JobResource identifies an object produced during a stage, stored under a
// job-scoped key namespace in the storage collaborator.
type JobResource struct {
	Key        string `json:"key"`
	StorageURI string `json:"storageUri"`
}

// JobArgument is the opaque per-stage argument blob. Only workerType is
// interpreted by the core; all other fields belong to the stage's worker
// type and are carried through untouched.
type JobArgument struct {
	WorkerType string
	Extra      map[string]json.RawMessage
}

// MarshalJSON flattens Extra next to workerType, reproducing the open blob
// the worker originally submitted.
func (a JobArgument) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(a.Extra)+1)
	for k, v := range a.Extra {
		m[k] = v
	}
	wt, err := json.Marshal(a.WorkerType)
	if err != nil {
		return nil, err
	}
	m["workerType"] = wt
	return json.Marshal(m)
}

// UnmarshalJSON pulls workerType out of the blob and keeps every other field
// raw in Extra.
func (a *JobArgument) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if raw, ok := m["workerType"]; ok {
		if err := json.Unmarshal(raw, &a.WorkerType); err != nil {
			return fmt.Errorf("types: job argument workerType: %w", err)
		}
		delete(m, "workerType")
	}
	a.Extra = m
	return nil
}

// JobResult is the deliverable a worker hands back for one stage: the typed
// exception slots plus arbitrary worker-owned result fields (Extra). At most
// one of JobException and WorkerException is non-nil.
type JobResult struct {
	WorkerType      string
	JobException    *JobException
	WorkerException *WorkerException
	Extra           map[string]json.RawMessage
}

// NewJobResult returns an empty result seeded with the worker type, the
// shape the task harness hands to a freshly started task.
func NewJobResult(workerType string) *JobResult {
	return &JobResult{WorkerType: workerType, Extra: map[string]json.RawMessage{}}
}

// Set stores a worker-owned result field, marshaling v as JSON.
func (r *JobResult) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("types: result field %q: %w", key, err)
	}
	if r.Extra == nil {
		r.Extra = map[string]json.RawMessage{}
	}
	r.Extra[key] = raw
	return nil
}

// MarshalJSON emits workerType, the exception slots (null when absent, so
// presence checks on the far side are uniform) and the flattened Extra map.
func (r JobResult) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(r.Extra)+3)
	for k, v := range r.Extra {
		m[k] = v
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		m[key] = raw
		return nil
	}
	if err := put("workerType", r.WorkerType); err != nil {
		return nil, err
	}
	if err := put("jobException", r.JobException); err != nil {
		return nil, err
	}
	if err := put("workerException", r.WorkerException); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON; unknown fields land in Extra.
func (r *JobResult) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		raw, ok := m[key]
		if !ok {
			return nil
		}
		delete(m, key)
		return json.Unmarshal(raw, dst)
	}
	if err := take("workerType", &r.WorkerType); err != nil {
		return fmt.Errorf("types: job result workerType: %w", err)
	}
	if err := take("jobException", &r.JobException); err != nil {
		return fmt.Errorf("types: job result jobException: %w", err)
	}
	if err := take("workerException", &r.WorkerException); err != nil {
		return fmt.Errorf("types: job result workerException: %w", err)
	}
	r.Extra = m
	return nil
}

// Yielded reports whether this deliverable is a graceful-yield outcome, the
// one case where the stage result must not be persisted.
func (r *JobResult) Yielded() bool {
	return r.WorkerException != nil && r.WorkerException.Code == WorkerYieldedExceptionCode
}

// Failed reports whether the deliverable carries any exception.
func (r *JobResult) Failed() bool {
	return r.JobException != nil || r.WorkerException != nil
}

// JobStage is one element of a job's ordered worker sequence: the declared
// worker type, the opaque argument, and, once the stage has run, the result.
type JobStage struct {
	WorkerType     string      `json:"workerType"`
	WorkerArgument JobArgument `json:"workerArgument"`
	WorkerResult   *JobResult  `json:"workerResult"`
}

// JobDigest is the short, hot row for a job: everything needed to make
// scheduling decisions without fetching stage bodies. ModifiedTime is the
// conflict token for all conditional updates.
type JobDigest struct {
	JobID                 JobID     `json:"jobId"`
	CreatedTime           time.Time `json:"createdTime"`
	ModifiedTime          time.Time `json:"modifiedTime"`
	Status                Status    `json:"status"`
	CurrentWorkerHostname string    `json:"currentWorkerHostname"`
	CurrentWorker         int       `json:"currentWorker"`
}

// JobContext is the read-only denormalized view of a job handed to a worker
// at claim time: the digest plus all stages plus the tag map.
type JobContext struct {
	JobDigest
	JobWorkers []JobStage        `json:"jobWorkers"`
	Tags       map[string]string `json:"tags"`
}

// CurrentStage returns the stage indexed by CurrentWorker, or nil when the
// index is out of range.
func (c *JobContext) CurrentStage() *JobStage {
	if c.CurrentWorker < 0 || c.CurrentWorker >= len(c.JobWorkers) {
		return nil
	}
	return &c.JobWorkers[c.CurrentWorker]
}

// SystemLog is an append-only record of a worker-fleet event not tied to a
// particular job (workers joining, going offline, environment faults).
type SystemLog struct {
	TimeStamp      time.Time       `json:"timeStamp"`
	WorkerType     string          `json:"workerType"`
	WorkerHostname string          `json:"workerHostname"`
	Content        json.RawMessage `json:"content"`
}

// JobLog is an append-only record emitted by a stage while it runs.
type JobLog struct {
	TimeStamp      time.Time       `json:"timeStamp"`
	JobID          JobID           `json:"jobId"`
	WorkerType     string          `json:"workerType"`
	WorkerHostname string          `json:"workerHostname"`
	Content        json.RawMessage `json:"content"`
}
