package jobs

import (
	"context"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting for a worker.
	StatusPending Status = "pending"
	// StatusRunning means a worker is executing the job.
	StatusRunning Status = "running"
	// StatusSucceeded means the task returned without error.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the task returned an error on its final attempt.
	StatusFailed Status = "failed"
	// StatusTerminated means the job hit its hard time limit. A terminated
	// job is never resumed; it can only be resubmitted as a new job.
	StatusTerminated Status = "terminated"
)

// Finished reports whether s is a terminal state.
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTerminated
}

// Task is the unit of work run by a job. The context is cancelled when the
// soft time limit expires or the queue shuts down.
type Task func(ctx context.Context) (any, error)

// Job is a snapshot of a submitted task.
type Job struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Status  Status `json:"status"`
	// Attempts counts task invocations, including retries.
	Attempts int    `json:"attempts"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	// ResubmittedFrom is the ID of the job this one was resubmitted from.
	ResubmittedFrom string     `json:"resubmitted_from,omitempty"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// record is the queue's mutable view of a job.
type record struct {
	job  Job
	task Task
}

func (r *record) snapshot() Job {
	j := r.job
	if r.job.StartedAt != nil {
		started := *r.job.StartedAt
		j.StartedAt = &started
	}
	if r.job.FinishedAt != nil {
		finished := *r.job.FinishedAt
		j.FinishedAt = &finished
	}
	return j
}
