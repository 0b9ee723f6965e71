package delivery

import (
	"context"
	"time"
)

// Store is the narrow persistence contract the engine depends on.
// Implementations must apply each method atomically.
type Store interface {
	// EnabledWebhooks returns the enabled webhooks owned by userID.
	EnabledWebhooks(ctx context.Context, userID string) ([]Webhook, error)
	// CreateDeliveries inserts one pending row per webhook, attempt count 0,
	// next attempt at the given time. Rows are returned in webhook order.
	CreateDeliveries(ctx context.Context, messageID string, webhookIDs []string, at time.Time) ([]Delivery, error)
	// RecordAttempt applies u to its delivery row or returns ErrStaleAttempt.
	RecordAttempt(ctx context.Context, u AttemptUpdate) error
	// MarkWebhookDelivered sets the webhook's last-delivered-at.
	MarkWebhookDelivered(ctx context.Context, webhookID string, at time.Time) error
	// DueDeliveries selects up to limit pending rows due at or before now whose
	// webhook is still enabled.
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]DueDelivery, error)
}

// Locker guards a sweep against concurrent sweeps in other processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// FailureNotifier is told about deliveries that reached the terminal failed state.
type FailureNotifier interface {
	NotifyFailed(ctx context.Context, dl DeadLetter) error
}
