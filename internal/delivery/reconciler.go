package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/inbox_hooks/internal/logging"
	"github.com/austindbirch/inbox_hooks/internal/metrics"
	"github.com/austindbirch/inbox_hooks/internal/tracing"
)

const (
	DefaultSweepLimit = 50
	MaxSweepLimit     = 200

	// SweepLockKey names the lease held while a sweep runs.
	SweepLockKey = "inbox_hooks:sweep"
)

// Reconciler re-attempts pending deliveries whose next attempt is due.
type Reconciler struct {
	Store    Store
	Executor *Executor
	// Locker is optional; without one, overlapping sweeps are tolerated and
	// the store's stale-attempt guard discards the losing update.
	Locker  Locker
	LockTTL time.Duration
	// DefaultLimit replaces a non-positive sweep limit and MaxLimit caps it.
	// Zero values fall back to DefaultSweepLimit and MaxSweepLimit.
	DefaultLimit int
	MaxLimit     int
	Logger       *logging.Logger
	Now          func() time.Time
}

func NewReconciler(store Store, exec *Executor) *Reconciler {
	return &Reconciler{
		Store:    store,
		Executor: exec,
		LockTTL:  time.Minute,
		Logger:   logging.Default(),
		Now:      time.Now,
	}
}

// ClampLimit applies the default for non-positive limits and caps at MaxSweepLimit.
func ClampLimit(limit int) int {
	return clampLimit(limit, DefaultSweepLimit, MaxSweepLimit)
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		return max
	}
	return limit
}

// Limit is the batch size Sweep uses for a requested limit.
func (r *Reconciler) Limit(limit int) int {
	def, max := r.DefaultLimit, r.MaxLimit
	if max <= 0 {
		max = MaxSweepLimit
	}
	if def <= 0 {
		def = DefaultSweepLimit
	}
	return clampLimit(limit, def, max)
}

// Sweep attempts up to limit due deliveries concurrently and returns how
// they went. Individual attempt failures never abort the sweep.
func (r *Reconciler) Sweep(ctx context.Context, limit int) (Report, error) {
	limit = r.Limit(limit)
	ctx, span := tracing.StartSpan(ctx, "delivery.sweep", attribute.Int("sweep.limit", limit))
	defer span.End()
	log := r.logger().WithContext(ctx)

	if r.Locker != nil {
		release, ok, err := r.Locker.TryLock(ctx, SweepLockKey, r.lockTTL())
		if err != nil {
			metrics.RecordSweep("error", 0)
			tracing.SetSpanError(ctx, err)
			return Report{}, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			metrics.RecordSweep("skipped", 0)
			return Report{}, ErrSweepInProgress
		}
		defer release()
	}

	due, err := r.Store.DueDeliveries(ctx, r.now(), limit)
	if err != nil {
		metrics.RecordSweep("error", 0)
		tracing.SetSpanError(ctx, err)
		return Report{}, fmt.Errorf("select due deliveries: %w", err)
	}

	outcomes := make([]Outcome, len(due))
	var g errgroup.Group
	for i := range due {
		g.Go(func() error {
			dd := due[i]
			outcomes[i] = r.Executor.Attempt(ctx, dd.Delivery, dd.Webhook, dd.Message)
			return nil
		})
	}
	_ = g.Wait()

	report := newReport(outcomes)
	metrics.RecordSweep("ok", report.Deliveries)
	span.SetAttributes(
		attribute.Int("sweep.processed", report.Deliveries),
		attribute.Int("sweep.delivered", report.Delivered),
	)
	if report.Deliveries > 0 {
		log.WithFields(map[string]any{
			"processed": report.Deliveries,
			"delivered": report.Delivered,
			"retrying":  report.Retrying,
			"failed":    report.Failed,
		}).Info("sweep finished")
	}
	if err := report.Errors(); err != nil && !allStale(report) {
		log.WithError(err).Warn("some sweep outcomes were not recorded")
	}
	return report, nil
}

func allStale(r Report) bool {
	for _, o := range r.Outcomes {
		if o.Err != nil && !errors.Is(o.Err, ErrStaleAttempt) {
			return false
		}
	}
	return true
}

func (r *Reconciler) lockTTL() time.Duration {
	if r.LockTTL > 0 {
		return r.LockTTL
	}
	return time.Minute
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Reconciler) logger() *logging.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.Default()
}
