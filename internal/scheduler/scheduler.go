// Package scheduler runs the periodic jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/releasebot/pkg/logger"
)

// Scheduler triggers named jobs on cron specs. A job that is still running
// when its next tick arrives is skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler evaluating specs in the given IANA timezone.
// An empty timezone means UTC.
func New(timezone string) (*Scheduler, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(logger.CronLogger{}),
			cron.WithChain(cron.Recover(logger.CronLogger{})),
		),
		parser: parser,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Add registers run under name on spec. Errors returned by run are logged.
func (s *Scheduler) Add(name, spec string, run func(ctx context.Context) error) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}

	job := cron.NewChain(cron.SkipIfStillRunning(logger.CronLogger{})).Then(cron.FuncJob(func() {
		log := logger.WithField("job", name)
		start := time.Now()
		log.Debug().Msg("Job started")
		if err := run(s.ctx); err != nil {
			log.Error().Err(err).Msg("Job failed")
			return
		}
		log.Debug().Dur("duration", time.Since(start)).Msg("Job finished")
	}))

	if _, err := s.cron.AddJob(spec, job); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	logger.Info().Str("job", name).Str("spec", spec).Msg("Job scheduled")
	return nil
}

// Start begins running the registered jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}
