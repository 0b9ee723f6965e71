// Package postgres implements the delivery and webhook stores on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/inbox_hooks/internal/delivery"
	"github.com/austindbirch/inbox_hooks/internal/webhook"
)

const (
	uniqueViolation      = "23505"
	invalidTextRep       = "22P02"
	webhookUserURLUnique = "webhooks_user_url_uq"
)

var (
	_ delivery.Store = (*Store)(nil)
	_ webhook.Store  = (*Store)(nil)
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// isBadID reports whether err is postgres rejecting a malformed uuid.
func isBadID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == invalidTextRep
}

// notFoundOnBadID maps malformed uuid input to ErrNotFound; such ids cannot
// match any row.
func notFoundOnBadID(err error) error {
	if isBadID(err) {
		return delivery.ErrNotFound
	}
	return err
}

// webhooksOf lists a user's webhooks. A malformed user id owns none.
func (s *Store) webhooksOf(ctx context.Context, query, userID string) ([]delivery.Webhook, error) {
	rows, err := s.pool.Query(ctx, query, userID)
	if err == nil {
		var hooks []delivery.Webhook
		hooks, err = pgx.CollectRows(rows, scanWebhook)
		if err == nil {
			return hooks, nil
		}
	}
	if isBadID(err) {
		return nil, nil
	}
	return nil, err
}

// delivery.Store

func (s *Store) EnabledWebhooks(ctx context.Context, userID string) ([]delivery.Webhook, error) {
	return s.webhooksOf(ctx, `
		SELECT id, user_id, url, secret, enabled, created_at, last_delivered_at
		FROM webhooks
		WHERE user_id = $1 AND enabled
		ORDER BY created_at, id`, userID)
}

func (s *Store) CreateDeliveries(ctx context.Context, messageID string, webhookIDs []string, at time.Time) ([]delivery.Delivery, error) {
	if len(webhookIDs) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, wid := range webhookIDs {
		batch.Queue(`
			INSERT INTO webhook_deliveries (webhook_id, message_id, status, attempt_count, next_attempt_at, created_at)
			VALUES ($1, $2, 'pending', 0, $3, $3)
			RETURNING `+deliveryColumns, wid, messageID, at)
	}
	br := tx.SendBatch(ctx, batch)
	out := make([]delivery.Delivery, 0, len(webhookIDs))
	for range webhookIDs {
		d, err := scanDelivery(br.QueryRow())
		if err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("insert delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := br.Close(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RecordAttempt(ctx context.Context, u delivery.AttemptUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2,
		    attempt_count = $3,
		    last_attempt_at = $4,
		    next_attempt_at = $5,
		    response_status = $6,
		    response_body = $7,
		    error = $8
		WHERE id = $1 AND status = 'pending' AND attempt_count = $3 - 1`,
		u.DeliveryID, string(u.Status), u.AttemptCount, u.AttemptedAt, u.NextAttemptAt,
		nullInt(u.ResponseStatus), nullString(u.ResponseBody), nullString(u.Error),
	)
	if err != nil {
		return notFoundOnBadID(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_deliveries WHERE id = $1)`, u.DeliveryID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return delivery.ErrNotFound
	}
	return delivery.ErrStaleAttempt
}

func (s *Store) MarkWebhookDelivered(ctx context.Context, webhookID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE webhooks SET last_delivered_at = $2 WHERE id = $1`, webhookID, at)
	if err != nil {
		return notFoundOnBadID(err)
	}
	if tag.RowsAffected() == 0 {
		return delivery.ErrNotFound
	}
	return nil
}

func (s *Store) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]delivery.DueDelivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.webhook_id, d.message_id, d.status, d.attempt_count, d.next_attempt_at,
		       d.last_attempt_at, d.response_status, d.response_body, d.error, d.created_at,
		       w.id, w.user_id, w.url, w.secret, w.enabled, w.created_at, w.last_delivered_at,
		       m.id, m.from_name, m.to_user_id, u.name, m.text, m.created_at
		FROM webhook_deliveries d
		JOIN webhooks w ON w.id = d.webhook_id
		JOIN messages m ON m.id = d.message_id
		JOIN users u ON u.id = m.to_user_id
		WHERE d.status = 'pending' AND d.next_attempt_at <= $1 AND w.enabled
		ORDER BY d.next_attempt_at, d.created_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (delivery.DueDelivery, error) {
		var (
			dd delivery.DueDelivery
			dr deliveryRow
		)
		err := row.Scan(
			&dr.ID, &dr.WebhookID, &dr.MessageID, &dr.Status, &dr.AttemptCount, &dr.NextAttemptAt,
			&dr.LastAttemptAt, &dr.ResponseStatus, &dr.ResponseBody, &dr.Error, &dr.CreatedAt,
			&dd.Webhook.ID, &dd.Webhook.UserID, &dd.Webhook.URL, &dd.Webhook.Secret, &dd.Webhook.Enabled,
			&dd.Webhook.CreatedAt, &dd.Webhook.LastDeliveredAt,
			&dd.Message.ID, &dd.Message.FromName, &dd.Message.ToUserID, &dd.Message.ToName,
			&dd.Message.Text, &dd.Message.CreatedAt,
		)
		dd.Delivery = dr.toDelivery()
		return dd, err
	})
}

// webhook.Store

func (s *Store) InsertWebhook(ctx context.Context, w delivery.Webhook) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhooks (id, user_id, url, secret, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.UserID, w.URL, w.Secret, w.Enabled, w.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == webhookUserURLUnique {
		return delivery.ErrDuplicateWebhook
	}
	return err
}

func (s *Store) ListWebhooks(ctx context.Context, userID string) ([]delivery.Webhook, error) {
	return s.webhooksOf(ctx, `
		SELECT id, user_id, url, secret, enabled, created_at, last_delivered_at
		FROM webhooks
		WHERE user_id = $1
		ORDER BY created_at, id`, userID)
}

func (s *Store) DeleteWebhook(ctx context.Context, userID, webhookID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1 AND user_id = $2`, webhookID, userID)
	if err != nil {
		return notFoundOnBadID(err)
	}
	if tag.RowsAffected() == 0 {
		return delivery.ErrNotFound
	}
	return nil
}

func (s *Store) SetWebhookEnabled(ctx context.Context, userID, webhookID string, enabled bool) (delivery.Webhook, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE webhooks SET enabled = $3
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, url, secret, enabled, created_at, last_delivered_at`,
		webhookID, userID, enabled)
	if err != nil {
		return delivery.Webhook{}, notFoundOnBadID(err)
	}
	w, err := pgx.CollectExactlyOneRow(rows, scanWebhook)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Webhook{}, delivery.ErrNotFound
	}
	return w, notFoundOnBadID(err)
}

func (s *Store) ListDeliveries(ctx context.Context, userID, webhookID string, limit int) ([]delivery.Delivery, error) {
	var owned bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhooks WHERE id = $1 AND user_id = $2)`,
		webhookID, userID).Scan(&owned)
	if err != nil {
		return nil, notFoundOnBadID(err)
	}
	if !owned {
		return nil, delivery.ErrNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (delivery.Delivery, error) {
		return scanDelivery(row)
	})
}

// InsertMessage records a message on behalf of the messaging subsystem. The
// recipient user must already exist. Inserting the same id twice is a no-op.
func (s *Store) InsertMessage(ctx context.Context, m delivery.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, to_user_id, from_name, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.ToUserID, m.FromName, m.Text, m.CreatedAt)
	return err
}

const deliveryColumns = `id, webhook_id, message_id, status, attempt_count, next_attempt_at,
	last_attempt_at, response_status, response_body, error, created_at`

type deliveryRow struct {
	ID             string
	WebhookID      string
	MessageID      string
	Status         string
	AttemptCount   int
	NextAttemptAt  *time.Time
	LastAttemptAt  *time.Time
	ResponseStatus *int32
	ResponseBody   *string
	Error          *string
	CreatedAt      time.Time
}

func (r deliveryRow) toDelivery() delivery.Delivery {
	d := delivery.Delivery{
		ID:            r.ID,
		WebhookID:     r.WebhookID,
		MessageID:     r.MessageID,
		Status:        delivery.Status(r.Status),
		AttemptCount:  r.AttemptCount,
		NextAttemptAt: r.NextAttemptAt,
		LastAttemptAt: r.LastAttemptAt,
		CreatedAt:     r.CreatedAt,
	}
	if r.ResponseStatus != nil {
		d.ResponseStatus = int(*r.ResponseStatus)
	}
	if r.ResponseBody != nil {
		d.ResponseBody = *r.ResponseBody
	}
	if r.Error != nil {
		d.Error = *r.Error
	}
	return d
}

func scanDelivery(row pgx.Row) (delivery.Delivery, error) {
	var r deliveryRow
	err := row.Scan(&r.ID, &r.WebhookID, &r.MessageID, &r.Status, &r.AttemptCount, &r.NextAttemptAt,
		&r.LastAttemptAt, &r.ResponseStatus, &r.ResponseBody, &r.Error, &r.CreatedAt)
	return r.toDelivery(), err
}

func scanWebhook(row pgx.CollectableRow) (delivery.Webhook, error) {
	var w delivery.Webhook
	err := row.Scan(&w.ID, &w.UserID, &w.URL, &w.Secret, &w.Enabled, &w.CreatedAt, &w.LastDeliveredAt)
	return w, err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(i int) *int32 {
	if i == 0 {
		return nil
	}
	v := int32(i)
	return &v
}
