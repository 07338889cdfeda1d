package refresh

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pricewatcher/pricewatcher/internal/config"
)

// Runner is the part of Service the scheduler drives. Runs are submitted
// through Go so they execute on the runner's own context and are drained by
// its shutdown, not cut off when the scheduler stops.
type Runner interface {
	RefreshAll(ctx context.Context, trigger Trigger) (RunResult, error)
	Go(name string, fn func(ctx context.Context)) error
}

// Scheduler fires a full refresh once a day at a fixed UTC time and on
// demand. The scheduler waits for each run before arming the next timer, so
// runs never overlap.
type Scheduler struct {
	runner  Runner
	hour    int
	minute  int
	logger  *slog.Logger
	now     func() time.Time
	trigger chan struct{}
}

// NewScheduler parses dailyAt ("HH:MM", UTC).
func NewScheduler(r Runner, dailyAt string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hour, minute, err := config.ParseDailyAt(dailyAt)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		runner:  r,
		hour:    hour,
		minute:  minute,
		logger:  logger,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}, nil
}

// TriggerNow requests a manual run. Returns false if one is already queued.
func (s *Scheduler) TriggerNow() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Start blocks until ctx is cancelled. Intended to be called with `go`.
func (s *Scheduler) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.logger.Info("Refresh scheduler stopped")
			return
		}
		now := s.now()
		next := NextRun(now, s.hour, s.minute)
		s.logger.Info("Next daily refresh scheduled", "at", next)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-timer.C:
			s.run(ctx, TriggerDaily)
		case <-s.trigger:
			timer.Stop()
			s.run(ctx, TriggerManual)
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Refresh scheduler stopped")
			return
		}
	}
}

// run hands one refresh to the runner and waits for it, or for ctx. A run
// still going when ctx ends is left to the runner's shutdown.
func (s *Scheduler) run(ctx context.Context, trigger Trigger) {
	done := make(chan struct{})
	err := s.runner.Go("refresh_"+string(trigger), func(ctx context.Context) {
		defer close(done)
		res, err := s.runner.RefreshAll(ctx, trigger)
		switch {
		case errors.Is(err, ErrRunInProgress):
			s.logger.Warn("Refresh skipped, another run is in progress", "trigger", trigger)
		case err != nil && ctx.Err() == nil:
			s.logger.Error("Refresh run failed, will retry on next trigger", "trigger", trigger, "error", err)
		case err != nil:
			s.logger.Warn("Refresh run cancelled", "trigger", trigger, "error", err)
		default:
			s.logger.Info("Scheduled refresh finished", "summary", res.Summary())
		}
	})
	if err != nil {
		s.logger.Warn("Refresh not started", "trigger", trigger, "error", err)
		return
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// NextRun returns the first hour:minute UTC strictly after now.
func NextRun(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
