// Package scheduler runs the periodic delivery sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/austindbirch/inbox_hooks/internal/delivery"
	"github.com/austindbirch/inbox_hooks/internal/logging"
)

const DefaultSchedule = "@every 30s"

// Sweeper is the part of the reconciler the scheduler drives.
type Sweeper interface {
	Sweep(ctx context.Context, limit int) (delivery.Report, error)
}

// Scheduler triggers sweeps on a cron schedule. A run still in progress when
// the next tick fires causes that tick to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	limit   int
	timeout time.Duration
	logger  *logging.Logger
}

// New registers the sweep job. timeout bounds a single run; zero means one minute.
func New(schedule string, sweeper Sweeper, limit int, timeout time.Duration, logger *logging.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DiscardLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		sweeper: sweeper,
		limit:   limit,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce performs a single sweep and logs the result.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.sweeper.Sweep(ctx, s.limit)
	switch {
	case errors.Is(err, delivery.ErrSweepInProgress):
		s.logger.Plain().Debug("sweep skipped, another replica holds the lease")
	case err != nil:
		s.logger.Plain().WithError(err).Error("scheduled sweep failed")
	default:
		s.logger.Plain().WithFields(map[string]any{
			"processed": report.Deliveries,
			"delivered": report.Delivered,
		}).Debug("scheduled sweep done")
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and returns a context done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
