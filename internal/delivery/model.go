package delivery

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a delivery. Transitions are one-way:
// pending -> delivered or pending -> failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further attempt may run for the status.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateWebhook = errors.New("webhook already registered for this url")
	// ErrStaleAttempt is returned by a store when an attempt update no longer
	// matches the row it was computed from (status left pending or the attempt
	// count moved).
	ErrStaleAttempt = errors.New("delivery changed since attempt started")
	// ErrSweepInProgress is returned when another sweep holds the sweep lease.
	ErrSweepInProgress = errors.New("sweep already in progress")
)

// Webhook is a user's subscription to their inbound messages.
type Webhook struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	URL             string     `json:"url"`
	Secret          string     `json:"-"`
	Enabled         bool       `json:"enabled"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastDeliveredAt *time.Time `json:"lastDeliveredAt"`
}

// Message is the event being delivered. It is owned by the messaging
// subsystem and never modified here.
type Message struct {
	ID        string    `json:"id"`
	FromName  string    `json:"fromName"`
	ToUserID  string    `json:"toUserId"`
	ToName    string    `json:"toName"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Delivery is one (webhook, message) pairing and its attempt history.
type Delivery struct {
	ID             string     `json:"id"`
	WebhookID      string     `json:"webhookId"`
	MessageID      string     `json:"messageId"`
	Status         Status     `json:"status"`
	AttemptCount   int        `json:"attemptCount"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt"`
	LastAttemptAt  *time.Time `json:"lastAttemptAt"`
	ResponseStatus int        `json:"responseStatus,omitempty"`
	ResponseBody   string     `json:"responseBody,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// DueDelivery is a pending delivery joined with everything needed to
// re-attempt it.
type DueDelivery struct {
	Delivery Delivery
	Webhook  Webhook
	Message  Message
}

// AttemptUpdate is the row mutation produced by one executed attempt.
// AttemptCount is the new count; stores apply it only while the row is still
// pending at AttemptCount-1.
type AttemptUpdate struct {
	DeliveryID     string
	Status         Status
	AttemptCount   int
	AttemptedAt    time.Time
	NextAttemptAt  *time.Time
	ResponseStatus int
	ResponseBody   string
	Error          string
}
