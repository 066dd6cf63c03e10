package jobs

import (
	"errors"
)

var (
	// ErrJobNotFound indicates that an unknown job was requested. If returned
	// in conjunction with an HTTP request, it should be paired with a 404
	// response status.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotFinished is returned when resubmitting a job that is still
	// pending or running. If returned in conjunction with an HTTP request, it
	// should be paired with a 409 response status.
	ErrJobNotFinished = errors.New("job has not finished")
	// ErrQueueFull is returned when the pending backlog is at capacity. If
	// returned in conjunction with an HTTP request, it should be paired with
	// a 503 response status.
	ErrQueueFull = errors.New("job queue is full")
	// ErrSoftTimeLimit is the cancellation cause seen by a task whose soft
	// time limit expired.
	ErrSoftTimeLimit = errors.New("soft time limit exceeded")
	// ErrHardTimeLimit is recorded on a job terminated at its hard time
	// limit.
	ErrHardTimeLimit = errors.New("hard time limit exceeded")
)
