package jobs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/examstutor/model-quantizer/pkg/logging"
	"github.com/examstutor/model-quantizer/pkg/metrics"
)

// periodic is a job run on a fixed interval.
type periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
}

// Scheduler runs periodic jobs until its context is cancelled.
type Scheduler struct {
	// log is the associated logger.
	log logging.Logger
	// rec records each run's outcome. It may be nil.
	rec *metrics.Recorder

	// lock guards entries.
	lock sync.Mutex
	// entries are the registered jobs.
	entries []periodic
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log logging.Logger, rec *metrics.Recorder) *Scheduler {
	return &Scheduler{log: log, rec: rec}
}

// Every registers fn to run every interval, starting one interval after Run
// is called. Jobs registered after Run has started are not run.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.entries = append(s.entries, periodic{name: name, interval: interval, fn: fn})
}

// Run drives all registered jobs and blocks until ctx is cancelled. A failed
// run is logged and the job is run again at its next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.lock.Lock()
	entries := append([]periodic(nil), s.entries...)
	s.lock.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			ticker := time.NewTicker(e.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					err := metrics.Measure(s.rec, e.name, func() error {
						return e.fn(ctx)
					})
					if err != nil {
						s.log.Warnf("Periodic job %s failed: %v", e.name, err)
					}
				}
			}
		})
	}
	return g.Wait()
}
