package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/inbox_hooks/internal/logging"
	"github.com/austindbirch/inbox_hooks/internal/metrics"
	"github.com/austindbirch/inbox_hooks/internal/signing"
	"github.com/austindbirch/inbox_hooks/internal/tracing"
)

const (
	HeaderTimestamp = "X-OADM-Timestamp"
	HeaderSignature = "X-OADM-Signature" // sha256=<hex>
	HeaderDelivery  = "X-OADM-Delivery"

	DefaultUserAgent       = "oadm-inbox-webhook/1.0"
	DefaultTimeout         = 5 * time.Second
	DefaultMaxResponseBody = 1000

	// drainLimit bounds how much of an unread response body is discarded so
	// the connection can be reused.
	drainLimit = 64 << 10
)

// ReasonTimeout is the failure reason recorded when an attempt times out.
const ReasonTimeout = "timeout"

// ExecutorConfig tunes outbound attempts.
type ExecutorConfig struct {
	Timeout         time.Duration
	MaxResponseBody int
	UserAgent       string
	Schedule        Schedule
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Timeout:         DefaultTimeout,
		MaxResponseBody: DefaultMaxResponseBody,
		UserAgent:       DefaultUserAgent,
		Schedule:        DefaultSchedule,
	}
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = DefaultMaxResponseBody
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if len(c.Schedule) == 0 {
		c.Schedule = DefaultSchedule
	}
	return c
}

// Outcome is the result of a single attempt. Attempt failures are reported
// through Delivered and Reason; Err is set only when the row update failed.
type Outcome struct {
	DeliveryID     string     `json:"deliveryId"`
	WebhookID      string     `json:"webhookId"`
	Attempt        int        `json:"attempt"`
	Delivered      bool       `json:"delivered"`
	Status         Status     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	ResponseStatus int        `json:"responseStatus,omitempty"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty"`
	Err            error      `json:"-"`
}

// Executor performs one signed HTTP attempt and records its result.
type Executor struct {
	Store    Store
	Client   *http.Client
	Config   ExecutorConfig
	Notifier FailureNotifier
	Logger   *logging.Logger
	Now      func() time.Time
}

// NewExecutor returns an executor with default logger and clock. A nil client
// gets a plain http.Client; the per-attempt timeout is applied via context.
func NewExecutor(store Store, client *http.Client, cfg ExecutorConfig) *Executor {
	if client == nil {
		client = &http.Client{}
	}
	return &Executor{
		Store:  store,
		Client: client,
		Config: cfg.withDefaults(),
		Logger: logging.Default(),
		Now:    time.Now,
	}
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) logger() *logging.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Default()
}

// Attempt sends delivery d to webhook w and persists the outcome. It never
// returns a transport or HTTP failure as an error; those become the outcome's
// Reason and, when retries remain, a rescheduled pending row.
func (e *Executor) Attempt(ctx context.Context, d Delivery, w Webhook, m Message) Outcome {
	cfg := e.Config.withDefaults()
	attemptNumber := d.AttemptCount + 1
	out := Outcome{DeliveryID: d.ID, WebhookID: w.ID, Attempt: attemptNumber}

	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("delivery.id", d.ID),
		attribute.String("webhook.id", w.ID),
		attribute.String("message.id", m.ID),
		attribute.Int("delivery.attempt", attemptNumber),
	)
	defer span.End()
	entry := func() *logging.LogEntry {
		return e.logger().WithContext(ctx).WithDelivery(d.ID).WithWebhook(w.ID).WithMessage(m.ID)
	}
	// The request has gone out by the time the row is written, so the write
	// must not be lost to a cancelled caller.
	recCtx := context.WithoutCancel(ctx)

	body, err := NewPayload(d.ID, attemptNumber, m).Encode()
	if err != nil {
		out.Reason = "payload_encode_failed"
	}

	// the signed timestamp is also the recorded attempt time
	attemptedAt := e.now()
	var (
		status   int
		respBody string
	)
	if out.Reason == "" {
		status, respBody, out.Reason = e.send(ctx, cfg, w, d.ID, body, attemptedAt)
	}
	latency := e.now().Sub(attemptedAt)

	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	out.ResponseStatus = status
	update := AttemptUpdate{
		DeliveryID:     d.ID,
		AttemptCount:   attemptNumber,
		AttemptedAt:    attemptedAt,
		ResponseStatus: status,
		ResponseBody:   respBody,
	}

	switch {
	case out.Reason == "":
		out.Delivered = true
		out.Status = StatusDelivered
		update.Status = StatusDelivered
		tracing.AddSpanEvent(ctx, "delivery.success")
	default:
		update.Error = out.Reason
		span.SetAttributes(attribute.String("failure_reason", out.Reason))
		if next, ok := cfg.Schedule.Next(attemptNumber, attemptedAt); ok {
			out.Status = StatusPending
			out.NextAttemptAt = &next
			update.Status = StatusPending
			update.NextAttemptAt = &next
			tracing.AddSpanEvent(ctx, "delivery.retry_scheduled",
				attribute.Int("attempt", attemptNumber),
				attribute.String("next_attempt_at", next.UTC().Format(time.RFC3339)),
			)
		} else {
			out.Status = StatusFailed
			update.Status = StatusFailed
			tracing.AddSpanEvent(ctx, "delivery.failed", attribute.Int("attempt", attemptNumber))
		}
	}

	if err := e.Store.RecordAttempt(recCtx, update); err != nil {
		out.Err = fmt.Errorf("record attempt %d for delivery %s: %w", attemptNumber, d.ID, err)
		tracing.SetSpanError(ctx, err)
		if errors.Is(err, ErrStaleAttempt) {
			entry().WithField("attempt", attemptNumber).Warn("delivery changed during attempt, outcome discarded")
		} else {
			entry().WithError(err).Error("record attempt failed")
		}
		return out
	}

	e.observe(out, latency)

	switch out.Status {
	case StatusDelivered:
		if err := e.Store.MarkWebhookDelivered(recCtx, w.ID, attemptedAt); err != nil {
			entry().WithError(err).Warn("update webhook last delivered failed")
		}
		entry().WithFields(map[string]any{
			"attempt":    attemptNumber,
			"status":     status,
			"latency_ms": latency.Milliseconds(),
		}).Info("webhook delivered")
	case StatusPending:
		entry().WithFields(map[string]any{
			"attempt": attemptNumber,
			"reason":  out.Reason,
			"next_at": out.NextAttemptAt.UTC().Format(time.RFC3339),
		}).Info("webhook attempt failed, retry scheduled")
	case StatusFailed:
		entry().WithFields(map[string]any{
			"attempt": attemptNumber,
			"reason":  out.Reason,
		}).Warn("webhook delivery failed permanently")
		e.notifyFailed(recCtx, d, w, out, attemptedAt)
	}
	return out
}

// send performs the HTTP call. reason is empty on a 2xx response.
func (e *Executor) send(ctx context.Context, cfg ExecutorConfig, w Webhook, deliveryID string, body []byte, at time.Time) (status int, respBody, reason string) {
	ts := at.Unix()
	sig := signing.Sign(w.Secret, ts, body)

	// Attempts outlive the caller: a cancelled request context must not
	// abandon a row mid-attempt. The timeout still applies.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", transportReason(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, signing.Header(sig))
	req.Header.Set(HeaderDelivery, deliveryID)

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	resp, err := e.Client.Do(req)
	if err != nil {
		if isTimeout(err) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return 0, "", ReasonTimeout
		}
		return 0, "", transportReason(err)
	}
	defer resp.Body.Close()

	status = resp.StatusCode
	respBody = readTruncated(resp.Body, cfg.MaxResponseBody)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

	if status < 200 || status > 299 {
		reason = "status_" + strconv.Itoa(status)
	}
	return status, respBody, reason
}

func (e *Executor) observe(out Outcome, latency time.Duration) {
	metrics.RecordAttempt(outcomeLabel(out), out.ResponseStatus, latency)
	if out.Delivered {
		return
	}
	bucket := ReasonBucket(out.Reason, out.ResponseStatus)
	if out.Status == StatusFailed {
		metrics.RecordTerminalFailure(bucket)
		return
	}
	metrics.RecordRetry(bucket)
}

func (e *Executor) notifyFailed(ctx context.Context, d Delivery, w Webhook, out Outcome, at time.Time) {
	if e.Notifier == nil {
		return
	}
	info := DeadLetterInfo{
		DeliveryID:   d.ID,
		WebhookID:    w.ID,
		UserID:       w.UserID,
		MessageID:    d.MessageID,
		URL:          w.URL,
		TraceHeaders: tracing.InjectHeaders(ctx),
	}
	dl := NewDeadLetter(info, out.Attempt, out.ResponseStatus, out.Reason,
		fmt.Sprintf("max attempts reached (%d)", out.Attempt), at)
	if err := e.Notifier.NotifyFailed(ctx, dl); err != nil {
		e.logger().WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("dead letter publish failed")
		tracing.SetSpanError(ctx, err)
	}
}

func outcomeLabel(out Outcome) string {
	switch out.Status {
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "retrying"
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// transportReason is the error text without the "Post \"<url>\":" prefix
// added by the http client, so secrets in query strings are not stored.
func transportReason(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		err = ue.Err
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "request_failed"
	}
	return msg
}

// readTruncated reads at most limit bytes and returns them as valid UTF-8
// text without NUL bytes, which text columns reject.
func readTruncated(r io.Reader, limit int) string {
	b, err := io.ReadAll(io.LimitReader(r, int64(limit)))
	if err != nil && len(b) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(b), "")
	return strings.ReplaceAll(s, "\x00", "")
}
