package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc retrains one symbol.
type JobFunc func(ctx context.Context, symbol string) error

// Options tune scheduler behaviour.
type Options struct {
	// Cron is a standard five-field cron expression.
	Cron       string
	Location   *time.Location
	Symbols    []string
	RunOnStart bool
}

// Scheduler retrains a fixed set of symbols on a cron schedule. A tick that
// fires while the previous one is still running is skipped.
type Scheduler struct {
	opts     Options
	schedule cron.Schedule
	logger   zerolog.Logger
}

// New parses the schedule up front so a bad expression fails at startup.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if len(opts.Symbols) == 0 {
		return nil, errors.New("scheduler: no symbols configured")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	schedule, err := cron.ParseStandard(opts.Cron)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse %q: %w", opts.Cron, err)
	}
	return &Scheduler{
		opts:     opts,
		schedule: schedule,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Next reports the first activation strictly after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	return s.schedule.Next(now.In(s.opts.Location))
}

// Run blocks, invoking job for every symbol at each activation until ctx is
// cancelled. In-flight jobs are waited for before returning.
func (s *Scheduler) Run(ctx context.Context, job JobFunc) error {
	if s.opts.RunOnStart {
		s.tick(ctx, job)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	logAdapter := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(s.opts.Location),
		cron.WithLogger(logAdapter),
		cron.WithChain(cron.Recover(logAdapter), cron.SkipIfStillRunning(logAdapter)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.tick(ctx, job) }))

	c.Start()
	s.logger.Info().Str("cron", s.opts.Cron).Strs("symbols", s.opts.Symbols).
		Time("next_run", s.Next(time.Now())).Msg("scheduler started")

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	s.logger.Info().Msg("scheduler stopped")
	return ctx.Err()
}

// tick trains symbols one after another. A failure is logged and does not
// stop the remaining symbols.
func (s *Scheduler) tick(ctx context.Context, job JobFunc) {
	started := time.Now()
	failed := 0
	for _, symbol := range s.opts.Symbols {
		if ctx.Err() != nil {
			return
		}
		if err := job(ctx, symbol); err != nil {
			failed++
			s.logger.Error().Err(err).Str("symbol", symbol).Msg("scheduled training failed")
		}
	}
	s.logger.Info().Int("symbols", len(s.opts.Symbols)).Int("failed", failed).
		Dur("took", time.Since(started)).Time("next_run", s.Next(time.Now())).Msg("scheduled tick finished")
}

// cronLogger routes cron's internal logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
