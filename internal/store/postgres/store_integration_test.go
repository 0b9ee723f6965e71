//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/austindbirch/inbox_hooks/internal/delivery"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in -short mode")
	}
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker not available, skipping integration tests")
	}
	_ = provider.Close()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("inbox_test"),
		tcpostgres.WithUsername("inbox"),
		tcpostgres.WithPassword("inbox_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	// idempotent
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func insertUser(t *testing.T, pool *pgxpool.Pool, name string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(context.Background(), `INSERT INTO users (name) VALUES ($1) RETURNING id`, name).Scan(&id)
	require.NoError(t, err)
	return id
}

func newWebhook(userID, url string, enabled bool) delivery.Webhook {
	return delivery.Webhook{
		ID:        uuid.NewString(),
		UserID:    userID,
		URL:       url,
		Secret:    "integration-secret",
		Enabled:   enabled,
		CreatedAt: time.Now().UTC(),
	}
}

func TestStoreLifecycle(t *testing.T) {
	pool := setupPostgres(t)
	s := New(pool)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	bob := insertUser(t, pool, "bob")
	carol := insertUser(t, pool, "carol")

	on := newWebhook(bob, "https://a.example.com/hook", true)
	off := newWebhook(bob, "https://b.example.com/hook", false)
	require.NoError(t, s.InsertWebhook(ctx, on))
	require.NoError(t, s.InsertWebhook(ctx, off))

	dup := newWebhook(bob, on.URL, true)
	assert.ErrorIs(t, s.InsertWebhook(ctx, dup), delivery.ErrDuplicateWebhook)
	require.NoError(t, s.InsertWebhook(ctx, newWebhook(carol, on.URL, true)), "uniqueness is per owner")

	hooks, err := s.EnabledWebhooks(ctx, bob)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, on.ID, hooks[0].ID)

	hooks, err = s.EnabledWebhooks(ctx, "not-a-uuid")
	require.NoError(t, err, "a malformed recipient has no webhooks")
	assert.Empty(t, hooks)
	hooks, err = s.ListWebhooks(ctx, "not-a-uuid")
	require.NoError(t, err)
	assert.Empty(t, hooks)

	msg := delivery.Message{ID: uuid.NewString(), ToUserID: bob, FromName: "alice", Text: "hi", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.InsertMessage(ctx, msg))
	require.NoError(t, s.InsertMessage(ctx, msg))

	now := time.Now().UTC().Truncate(time.Microsecond)
	rows, err := s.CreateDeliveries(ctx, msg.ID, []string{on.ID, on.ID, on.ID}, now)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, d := range rows {
		assert.Equal(t, delivery.StatusPending, d.Status)
		assert.Zero(t, d.AttemptCount)
		require.NotNil(t, d.NextAttemptAt)
	}

	due, err := s.DueDeliveries(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "bob", due[0].Message.ToName)
	assert.Equal(t, "integration-secret", due[0].Webhook.Secret)

	next := now.Add(30 * time.Second)
	require.NoError(t, s.RecordAttempt(ctx, delivery.AttemptUpdate{
		DeliveryID: rows[0].ID, Status: delivery.StatusPending, AttemptCount: 1,
		AttemptedAt: now, NextAttemptAt: &next, Error: "timeout",
	}))
	err = s.RecordAttempt(ctx, delivery.AttemptUpdate{
		DeliveryID: rows[0].ID, Status: delivery.StatusDelivered, AttemptCount: 1, AttemptedAt: now,
	})
	assert.ErrorIs(t, err, delivery.ErrStaleAttempt)
	assert.ErrorIs(t, s.RecordAttempt(ctx, delivery.AttemptUpdate{DeliveryID: uuid.NewString(), AttemptCount: 1, Status: delivery.StatusDelivered, AttemptedAt: now}),
		delivery.ErrNotFound)

	require.NoError(t, s.RecordAttempt(ctx, delivery.AttemptUpdate{
		DeliveryID: rows[1].ID, Status: delivery.StatusDelivered, AttemptCount: 1,
		AttemptedAt: now, ResponseStatus: 200, ResponseBody: "ok",
	}))
	require.NoError(t, s.MarkWebhookDelivered(ctx, on.ID, now))

	due, err = s.DueDeliveries(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1, "only the untouched row is still due now")

	history, err := s.ListDeliveries(ctx, bob, on.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 3)
	_, err = s.ListDeliveries(ctx, carol, on.ID, 10)
	assert.ErrorIs(t, err, delivery.ErrNotFound)
	_, err = s.ListDeliveries(ctx, bob, "not-a-uuid", 10)
	assert.ErrorIs(t, err, delivery.ErrNotFound)

	got, err := s.SetWebhookEnabled(ctx, bob, on.ID, false)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.LastDeliveredAt)
	due, err = s.DueDeliveries(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "disabled webhooks are not swept")

	assert.ErrorIs(t, s.DeleteWebhook(ctx, carol, on.ID), delivery.ErrNotFound)
	require.NoError(t, s.DeleteWebhook(ctx, bob, on.ID))
	var left int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM webhook_deliveries WHERE webhook_id = $1`, on.ID).Scan(&left))
	assert.Zero(t, left, "deliveries cascade with their webhook")
}
