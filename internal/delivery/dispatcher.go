package delivery

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/inbox_hooks/internal/logging"
	"github.com/austindbirch/inbox_hooks/internal/metrics"
	"github.com/austindbirch/inbox_hooks/internal/tracing"
)

// Dispatcher fans a newly created message out to the recipient's webhooks.
type Dispatcher struct {
	Store    Store
	Executor *Executor
	Logger   *logging.Logger
	Now      func() time.Time
}

func NewDispatcher(store Store, exec *Executor) *Dispatcher {
	return &Dispatcher{
		Store:    store,
		Executor: exec,
		Logger:   logging.Default(),
		Now:      time.Now,
	}
}

// Dispatch creates one pending delivery per enabled webhook of recipientID
// and runs the first attempts concurrently. Attempt failures only show up in
// the report; the returned error covers webhook lookup and row creation.
// A recipient without enabled webhooks yields an empty report and no writes.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, recipientID string) (Report, error) {
	ctx, span := tracing.StartSpan(ctx, "delivery.dispatch",
		attribute.String("message.id", msg.ID),
		attribute.String("user.id", recipientID),
	)
	defer span.End()
	log := d.logger().WithContext(ctx).WithMessage(msg.ID).WithUser(recipientID)

	hooks, err := d.Store.EnabledWebhooks(ctx, recipientID)
	if err != nil {
		metrics.RecordFanoutError()
		tracing.SetSpanError(ctx, err)
		return Report{}, fmt.Errorf("list enabled webhooks: %w", err)
	}
	if len(hooks) == 0 {
		return Report{}, nil
	}

	ids := make([]string, len(hooks))
	for i, h := range hooks {
		ids[i] = h.ID
	}
	rows, err := d.Store.CreateDeliveries(ctx, msg.ID, ids, d.now())
	if err != nil {
		metrics.RecordFanoutError()
		tracing.SetSpanError(ctx, err)
		return Report{}, fmt.Errorf("create deliveries: %w", err)
	}
	if len(rows) != len(hooks) {
		metrics.RecordFanoutError()
		return Report{}, fmt.Errorf("create deliveries: got %d rows for %d webhooks", len(rows), len(hooks))
	}

	metrics.RecordFanout(len(rows))
	span.SetAttributes(attribute.Int("delivery.count", len(rows)))
	log.WithField("deliveries", len(rows)).Info("fanning out message")

	outcomes := make([]Outcome, len(rows))
	var g errgroup.Group
	for i := range rows {
		g.Go(func() error {
			outcomes[i] = d.Executor.Attempt(ctx, rows[i], hooks[i], msg)
			return nil
		})
	}
	_ = g.Wait()

	report := newReport(outcomes)
	if err := report.Errors(); err != nil {
		log.WithError(err).Warn("some delivery outcomes were not recorded")
	}
	return report, nil
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *logging.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logging.Default()
}
