package types

import (
	"encoding/json"

	"github.com/ARiSE-Lab/kGymSuite/internal/storage"
)

// Queue names. Stage queues are named by the bare workerType string; the
// scheduler-facing RPC and log-intake queues carry the "scheduler." prefix;
// worker-directed control queues embed the target hostname.
const (
	QueueGetSystemConfig = "scheduler.get_system_config"
	QueueFocusJob        = "scheduler.focus_job"
	QueueUpdateJob       = "scheduler.update_job"
	QueueInsertSystemLog = "scheduler.insert_system_log"
	QueueInsertJobLog    = "scheduler.insert_job_log"
)

// AbortQueue returns the name of the worker-directed abort channel for the
// given hostname.
func AbortQueue(hostname string) string {
	return "workers." + hostname + ".abort_job"
}

// YieldQueue returns the name of the worker-directed yield channel for the
// given hostname.
func YieldQueue(hostname string) string {
	return "workers." + hostname + ".yield_job"
}

// SystemConfig is the scheduler-owned configuration a worker fetches before
// claiming a job: the storage provider declaration and the config blob for
// the requesting worker type.
type SystemConfig struct {
	Storage        storage.ProviderConfig `json:"storage"`
	WorkerConfig   json.RawMessage        `json:"workerConfig"`
	DeploymentName string                 `json:"deploymentName"`
}

// SystemConfigRequest asks for the system configuration scoped to one worker
// type.
type SystemConfigRequest struct {
	WorkerType string `json:"workerType"`
}

// JobRequest creates a new job: the ordered stage arguments plus initial tags.
type JobRequest struct {
	JobWorkers []JobArgument     `json:"jobWorkers"`
	Tags       map[string]string `json:"tags"`
}

// JobFocusRequest is a worker's claim attempt on a job.
type JobFocusRequest struct {
	JobID          JobID  `json:"jobId"`
	WorkerHostname string `json:"workerHostname"`
}

// FocusStatus is the verdict of a claim attempt.
type FocusStatus string

const (
	Focused  FocusStatus = "focused"
	Rejected FocusStatus = "rejected"
)

// JobFocusReceipt carries the claim verdict plus a fresh context either way;
// rejected callers may still want the context for diagnostics.
type JobFocusReceipt struct {
	Status     FocusStatus `json:"status"`
	JobContext *JobContext `json:"jobContext"`
}

// JobUpdateRequest delivers a stage's deliverable back to the scheduler.
// WorkerHostname and WorkerIndex must match the digest's current claim for
// the update to be accepted.
type JobUpdateRequest struct {
	WorkerHostname string     `json:"workerHostname"`
	WorkerType     string     `json:"workerType"`
	WorkerIndex    int        `json:"workerIndex"`
	JobID          JobID      `json:"jobId"`
	Deliverable    *JobResult `json:"deliverable"`
}

// JobAbortRequest asks a worker to cancel its in-flight task for the given
// job. Mismatched ids are silent no-ops on the worker side.
type JobAbortRequest struct {
	JobID JobID `json:"jobId"`
}

// JobYieldRequest asks a worker to yield its in-flight task for the given job.
type JobYieldRequest struct {
	JobID JobID `json:"jobId"`
}
