package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/examstutor/model-quantizer/pkg/logging"
	"github.com/examstutor/model-quantizer/pkg/metrics"
)

const (
	// defaultBacklog is the number of pending jobs the queue holds before
	// Submit fails with ErrQueueFull.
	defaultBacklog = 256
	// defaultRetryDelay is the initial backoff between attempts.
	defaultRetryDelay = 2 * time.Second
)

// Config controls how a Queue runs jobs.
type Config struct {
	// Workers is the number of jobs run concurrently.
	Workers int
	// SoftTimeLimit cancels a job's context once elapsed. Zero disables it.
	SoftTimeLimit time.Duration
	// HardTimeLimit terminates a job once elapsed. Zero disables it.
	HardTimeLimit time.Duration
	// MaxAttempts bounds the task invocations per job. Values below 1 are
	// treated as 1.
	MaxAttempts uint
	// RetryDelay is the initial backoff between attempts.
	RetryDelay time.Duration
	// Retryable reports whether an attempt's error may be retried. When nil
	// no error is retried.
	Retryable func(error) bool
	// Backlog is the capacity of the pending queue.
	Backlog int
}

// Queue runs submitted tasks on a fixed pool of workers.
type Queue struct {
	// log is the associated logger.
	log logging.Logger
	// cfg is the queue configuration.
	cfg Config
	// rec records job outcomes. It may be nil.
	rec *metrics.Recorder
	// pending carries IDs of jobs awaiting a worker.
	pending chan string
	// now returns the current time.
	now func() time.Time

	// lock guards jobs.
	lock sync.RWMutex
	// jobs maps job IDs to their records.
	jobs map[string]*record
}

// NewQueue creates a queue. Jobs are accepted immediately but only run once
// Run is called.
func NewQueue(log logging.Logger, cfg Config, rec *metrics.Recorder) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Backlog < 1 {
		cfg.Backlog = defaultBacklog
	}
	return &Queue{
		log:     log,
		cfg:     cfg,
		rec:     rec,
		pending: make(chan string, cfg.Backlog),
		now:     time.Now,
		jobs:    make(map[string]*record),
	}
}

// Submit enqueues task and returns the new job's ID. subject labels the
// job's metrics.
func (q *Queue) Submit(name, subject string, task Task) (string, error) {
	return q.submit(name, subject, task, "")
}

func (q *Queue) submit(name, subject string, task Task, from string) (string, error) {
	id := uuid.NewString()
	rec := &record{
		job: Job{
			ID:              id,
			Name:            name,
			Subject:         subject,
			Status:          StatusPending,
			ResubmittedFrom: from,
			SubmittedAt:     q.now(),
		},
		task: task,
	}

	q.lock.Lock()
	q.jobs[id] = rec
	q.lock.Unlock()

	select {
	case q.pending <- id:
	default:
		q.lock.Lock()
		delete(q.jobs, id)
		q.lock.Unlock()
		return "", ErrQueueFull
	}
	q.log.Infof("Submitted %s job %s (%s)", name, id, subject)
	return id, nil
}

// Get returns a snapshot of the job with the given ID.
func (q *Queue) Get(id string) (Job, error) {
	q.lock.RLock()
	defer q.lock.RUnlock()
	rec, ok := q.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return rec.snapshot(), nil
}

// List returns snapshots of all known jobs, oldest first.
func (q *Queue) List() []Job {
	q.lock.RLock()
	jobs := make([]Job, 0, len(q.jobs))
	for _, rec := range q.jobs {
		jobs = append(jobs, rec.snapshot())
	}
	q.lock.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].SubmittedAt.Equal(jobs[j].SubmittedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})
	return jobs
}

// Resubmit enqueues the task of a finished job as a new job with a fresh ID
// and attempt counter.
func (q *Queue) Resubmit(id string) (string, error) {
	q.lock.RLock()
	rec, ok := q.jobs[id]
	var job Job
	if ok {
		job = rec.snapshot()
	}
	q.lock.RUnlock()

	if !ok {
		return "", ErrJobNotFound
	}
	if !job.Status.Finished() {
		return "", fmt.Errorf("%w: %s is %s", ErrJobNotFinished, id, job.Status)
	}
	return q.submit(job.Name, job.Subject, rec.task, id)
}

// Prune drops finished jobs that finished more than olderThan ago and
// returns how many were dropped.
func (q *Queue) Prune(olderThan time.Duration) int {
	cutoff := q.now().Add(-olderThan)
	q.lock.Lock()
	defer q.lock.Unlock()
	pruned := 0
	for id, rec := range q.jobs {
		if rec.job.Status.Finished() && rec.job.FinishedAt != nil && rec.job.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
			pruned++
		}
	}
	return pruned
}

// Run starts the workers and blocks until ctx is cancelled and every
// running job has returned or been terminated.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-q.pending:
					q.execute(ctx, id)
				}
			}
		})
	}
	return g.Wait()
}

// outcome is the result of one job execution.
type outcome struct {
	result any
	err    error
}

// execute runs one job to completion or termination.
func (q *Queue) execute(ctx context.Context, id string) {
	q.lock.Lock()
	rec, ok := q.jobs[id]
	if !ok {
		// Pruned or rolled back before a worker got to it.
		q.lock.Unlock()
		return
	}
	started := q.now()
	rec.job.Status = StatusRunning
	rec.job.StartedAt = &started
	job := rec.job
	task := rec.task
	q.lock.Unlock()

	log := q.log.WithField("job", id)
	log.Infof("Running %s job (%s)", job.Name, job.Subject)

	_ = metrics.Measure(q.rec, job.Subject, func() error {
		taskCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		if q.cfg.SoftTimeLimit > 0 {
			var stop context.CancelFunc
			taskCtx, stop = context.WithTimeoutCause(taskCtx, q.cfg.SoftTimeLimit, ErrSoftTimeLimit)
			defer stop()
		}

		done := make(chan outcome, 1)
		go func() {
			result, err := q.attempt(taskCtx, rec, log, task)
			done <- outcome{result: result, err: err}
		}()

		var hardLimit <-chan time.Time
		if q.cfg.HardTimeLimit > 0 {
			timer := time.NewTimer(q.cfg.HardTimeLimit)
			defer timer.Stop()
			hardLimit = timer.C
		}

		select {
		case o := <-done:
			q.finish(rec, o)
			if o.err != nil {
				log.WithError(o.err).Warn("Job failed")
			} else {
				log.Info("Job succeeded")
			}
			return o.err
		case <-hardLimit:
			// The task goroutine cannot be stopped; its context is cancelled
			// and whatever it eventually returns is discarded.
			cancel(ErrHardTimeLimit)
			q.terminate(rec)
			log.Errorf("Job terminated after %s", q.cfg.HardTimeLimit)
			return ErrHardTimeLimit
		}
	})
}

// attempt runs task, retrying errors accepted by cfg.Retryable.
func (q *Queue) attempt(ctx context.Context, rec *record, log logging.Logger, task Task) (any, error) {
	var result any
	err := retry.Do(
		func() error {
			q.lock.Lock()
			rec.job.Attempts++
			q.lock.Unlock()

			r, err := task(ctx)
			if err != nil {
				return err
			}
			result = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(q.cfg.MaxAttempts),
		retry.Delay(q.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return q.cfg.Retryable != nil && q.cfg.Retryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("Attempt %d failed, retrying: %v", n+1, err)
		}),
	)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
		return nil, err
	}
	return result, nil
}

// finish records a completed execution unless the job was already
// terminated.
func (q *Queue) finish(rec *record, o outcome) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if rec.job.Status == StatusTerminated {
		return
	}
	finished := q.now()
	rec.job.FinishedAt = &finished
	if o.err != nil {
		rec.job.Status = StatusFailed
		rec.job.Error = o.err.Error()
		return
	}
	rec.job.Status = StatusSucceeded
	rec.job.Result = o.result
}

func (q *Queue) terminate(rec *record) {
	q.lock.Lock()
	defer q.lock.Unlock()
	finished := q.now()
	rec.job.FinishedAt = &finished
	rec.job.Status = StatusTerminated
	rec.job.Error = ErrHardTimeLimit.Error()
}
