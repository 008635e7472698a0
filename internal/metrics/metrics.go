// Package metrics defines the scheduler's Prometheus instruments. They are
// registered on the default registry and exposed through the HTTP surface's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsCreated counts jobs persisted through newJob.
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kgym",
		Subsystem: "scheduler",
		Name:      "jobs_created_total",
		Help:      "Number of jobs created.",
	})

	// JobsDispatched counts stage dispatch messages published to worker
	// queues, labeled by the target worker type.
	JobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kgym",
		Subsystem: "scheduler",
		Name:      "jobs_dispatched_total",
		Help:      "Number of stage dispatches published, by worker type.",
	}, []string{"worker_type"})

	// FocusVerdicts counts claim attempts by verdict (focused, rejected).
	FocusVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kgym",
		Subsystem: "scheduler",
		Name:      "focus_verdicts_total",
		Help:      "Number of claim attempts, by verdict.",
	}, []string{"verdict"})

	// JobUpdates counts deliverable applications by outcome (accepted, stale).
	JobUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kgym",
		Subsystem: "scheduler",
		Name:      "job_updates_total",
		Help:      "Number of stage deliverables processed, by outcome.",
	}, []string{"outcome"})

	// LogLinesInserted counts log intake writes by table (job, system).
	LogLinesInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kgym",
		Subsystem: "scheduler",
		Name:      "log_lines_inserted_total",
		Help:      "Number of log lines persisted, by log kind.",
	}, []string{"kind"})
)
