// Package scheduler runs rebalance jobs on cron schedules in the market timezone.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job represents a scheduled job. ctx is cancelled when the scheduler's
// parent context is, so a long run stops at shutdown.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler manages background jobs
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	log  zerolog.Logger
}

// New creates a scheduler evaluating schedules in loc.
// Both five-field and six-field (leading seconds) expressions are accepted.
func New(loc *time.Location, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctx: context.Background(),
		log: log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler. Jobs run under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs. Cancel the context
// given to Start first so running jobs return promptly.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a new job with cron schedule
// Schedule examples:
//   - "30 9 * * MON-FRI"    - 9:30 weekdays
//   - "0 30 9 * * MON-FRI"  - same, with seconds
//   - "@every 30s"          - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("Running job")

		if err := job.Run(s.ctx); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("Job failed")
		} else {
			s.log.Debug().Str("job", job.Name()).Msg("Job completed")
		}
	})
	if err != nil {
		return 0, err
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Time("next_run", s.Next(id)).
		Msg("Job registered")

	return id, nil
}

// Next returns the next activation of a registered job, zero before Start
func (s *Scheduler) Next(id cron.EntryID) time.Time {
	return s.cron.Entry(id).Next
}

// RunNow executes a job immediately (outside schedule)
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run(ctx)
}
