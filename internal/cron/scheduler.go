// Package cron runs the retention cleanup on a cron schedule, deleting
// terminal tasks older than the configured window.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/patelmm79/dev-nexus/internal/taskstore"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the cleanup scheduler.
type Config struct {
	Store     taskstore.Store
	Logger    *slog.Logger
	Schedule  string        // cron expression; defaults to 03:00 daily
	Retention time.Duration // terminal-task retention; defaults to 7 days
	Interval  time.Duration // tick interval; defaults to 1 minute
}

// Scheduler ticks at a short interval and fires the cleanup whenever the
// cron schedule's next run time has passed.
type Scheduler struct {
	store     taskstore.Store
	logger    *slog.Logger
	schedule  string
	retention time.Duration
	interval  time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. It returns an error for an unparseable
// cron expression so misconfiguration fails at startup, not at 3am.
func NewScheduler(cfg Config) (*Scheduler, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, err
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		logger:    logger,
		schedule:  schedule,
		retention: retention,
		interval:  interval,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	next, err := NextRunTime(s.schedule, time.Now())
	if err != nil {
		// Parse already succeeded in NewScheduler; this cannot happen.
		s.logger.Error("cron: schedule parse failed", "error", err)
		return
	}
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cleanup scheduler started",
		"schedule", s.schedule, "retention", s.retention, "next_run", next)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cleanup scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires the cleanup when the schedule's next run time has passed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	s.mu.Unlock()
	if !due {
		return
	}
	s.fire(ctx, now)
}

// fire runs one cleanup pass and advances the schedule.
func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	cutoff := now.UTC().Add(-s.retention)
	removed, err := s.store.Cleanup(ctx, cutoff)
	if err != nil {
		s.logger.Error("cleanup failed", "cutoff", cutoff, "error", err)
	} else {
		s.logger.Info("cleanup completed", "cutoff", cutoff, "removed", removed)
	}

	next, err := NextRunTime(s.schedule, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time", "error", err)
		return
	}
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
