// Package scheduler triggers ingestion runs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context)

// Scheduler runs a Job on a cron expression. A tick that fires while the previous
// run is still going is skipped.
type Scheduler struct {
	job      Job
	spec     string
	schedule cron.Schedule
	loc      *time.Location
	log      *slog.Logger
}

// New parses spec (standard five-field syntax or descriptors like "@hourly")
// and returns a Scheduler evaluating it in loc.
func New(spec string, loc *time.Location, job Job, log *slog.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		job:      job,
		spec:     spec,
		schedule: schedule,
		loc:      loc,
		log:      log.With("component", "scheduler"),
	}, nil
}

// Next returns the first activation strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

// Once runs the job immediately.
func (s *Scheduler) Once(ctx context.Context) {
	s.job(ctx)
}

// Run blocks until ctx is cancelled, then waits for a running job to finish.
func (s *Scheduler) Run(ctx context.Context) {
	logger := slogAdapter{log: s.log}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.job(ctx) }))

	s.log.Info("scheduler started", "schedule", s.spec, "next", s.Next(time.Now()))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
}

// slogAdapter satisfies cron.Logger.
type slogAdapter struct {
	log *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.log.Debug(msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.log.Error(msg, append(keysAndValues, "error", err)...)
}
