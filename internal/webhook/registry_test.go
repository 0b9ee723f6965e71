package webhook_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/inbox_hooks/internal/delivery"
	"github.com/austindbirch/inbox_hooks/internal/store/memory"
	"github.com/austindbirch/inbox_hooks/internal/webhook"
)

func boolPtr(b bool) *bool { return &b }

func TestRegister(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := webhook.NewRegistry(store, nil)

	got, err := reg.Register(ctx, "user-1", webhook.RegisterRequest{URL: "  https://example.com/hook  "})
	require.NoError(t, err)
	assert.NotEmpty(t, got.Webhook.ID)
	assert.Equal(t, "https://example.com/hook", got.Webhook.URL)
	assert.Equal(t, "user-1", got.Webhook.UserID)
	assert.True(t, got.Webhook.Enabled)
	assert.False(t, got.Webhook.CreatedAt.IsZero())

	raw, err := base64.RawURLEncoding.DecodeString(got.Secret)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	stored, ok := store.Webhook(got.Webhook.ID)
	require.True(t, ok)
	assert.Equal(t, got.Secret, stored.Secret)
}

func TestRegisterWithSecretAndDisabled(t *testing.T) {
	reg := webhook.NewRegistry(memory.New(), nil)
	got, err := reg.Register(context.Background(), "u", webhook.RegisterRequest{
		URL:     "http://localhost:9000/hook",
		Secret:  "my-own-secret",
		Enabled: boolPtr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, "my-own-secret", got.Secret)
	assert.False(t, got.Webhook.Enabled)
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		req  webhook.RegisterRequest
		want error
	}{
		{"http remote host", webhook.RegisterRequest{URL: "http://example.com/hook"}, webhook.ErrInvalidURL},
		{"too short", webhook.RegisterRequest{URL: "https:/"}, webhook.ErrInvalidURL},
		{"too long", webhook.RegisterRequest{URL: "https://example.com/" + strings.Repeat("a", webhook.MaxURLLength)}, webhook.ErrInvalidURL},
		{"malformed", webhook.RegisterRequest{URL: "::not a url::"}, webhook.ErrInvalidURL},
		{"secret too short", webhook.RegisterRequest{URL: "https://example.com", Secret: "1234567"}, webhook.ErrInvalidSecret},
		{"secret too long", webhook.RegisterRequest{URL: "https://example.com", Secret: strings.Repeat("s", webhook.MaxSecretLength+1)}, webhook.ErrInvalidSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			_, err := webhook.NewRegistry(store, nil).Register(context.Background(), "u", tt.req)
			assert.ErrorIs(t, err, tt.want)
			hooks, _ := store.ListWebhooks(context.Background(), "u")
			assert.Empty(t, hooks)
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	ctx := context.Background()
	reg := webhook.NewRegistry(memory.New(), nil)

	_, err := reg.Register(ctx, "u", webhook.RegisterRequest{URL: "https://example.com/a"})
	require.NoError(t, err)

	_, err = reg.Register(ctx, "u", webhook.RegisterRequest{URL: "https://example.com/a"})
	assert.ErrorIs(t, err, delivery.ErrDuplicateWebhook)

	_, err = reg.Register(ctx, "someone-else", webhook.RegisterRequest{URL: "https://example.com/a"})
	assert.NoError(t, err)
}

func TestListStripsSecrets(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := webhook.NewRegistry(store, nil)
	for _, u := range []string{"https://example.com/1", "https://example.com/2"} {
		_, err := reg.Register(ctx, "u", webhook.RegisterRequest{URL: u})
		require.NoError(t, err)
	}

	hooks, err := reg.List(ctx, "u")
	require.NoError(t, err)
	require.Len(t, hooks, 2)
	for _, h := range hooks {
		assert.Empty(t, h.Secret)
		stored, _ := store.Webhook(h.ID)
		assert.NotEmpty(t, stored.Secret)
	}
}

func TestDeleteCascadesAndIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := webhook.NewRegistry(store, nil)
	got, err := reg.Register(ctx, "u", webhook.RegisterRequest{URL: "https://example.com/hook"})
	require.NoError(t, err)
	id := got.Webhook.ID

	store.SaveMessage(delivery.Message{ID: "m1", ToUserID: "u"})
	_, err = store.CreateDeliveries(ctx, "m1", []string{id}, got.Webhook.CreatedAt)
	require.NoError(t, err)
	require.Len(t, store.Deliveries(), 1)

	assert.ErrorIs(t, reg.Delete(ctx, "intruder", id), delivery.ErrNotFound)
	require.NoError(t, reg.Delete(ctx, "u", id))
	assert.Empty(t, store.Deliveries())
	assert.ErrorIs(t, reg.Delete(ctx, "u", id), delivery.ErrNotFound)
}

func TestSetEnabled(t *testing.T) {
	ctx := context.Background()
	reg := webhook.NewRegistry(memory.New(), nil)
	got, err := reg.Register(ctx, "u", webhook.RegisterRequest{URL: "https://example.com/hook"})
	require.NoError(t, err)

	w, err := reg.SetEnabled(ctx, "u", got.Webhook.ID, false)
	require.NoError(t, err)
	assert.False(t, w.Enabled)
	assert.Empty(t, w.Secret)

	_, err = reg.SetEnabled(ctx, "other", got.Webhook.ID, true)
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestDeliveriesHistory(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := webhook.NewRegistry(store, nil)
	got, err := reg.Register(ctx, "u", webhook.RegisterRequest{URL: "https://example.com/hook"})
	require.NoError(t, err)

	for _, m := range []string{"m1", "m2", "m3"} {
		store.SaveMessage(delivery.Message{ID: m, ToUserID: "u"})
		_, err := store.CreateDeliveries(ctx, m, []string{got.Webhook.ID}, got.Webhook.CreatedAt)
		require.NoError(t, err)
	}

	ds, err := reg.Deliveries(ctx, "u", got.Webhook.ID, 2)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "m3", ds[0].MessageID)
	assert.Equal(t, "m2", ds[1].MessageID)

	ds, err = reg.Deliveries(ctx, "u", got.Webhook.ID, 0)
	require.NoError(t, err)
	assert.Len(t, ds, 3)

	_, err = reg.Deliveries(ctx, "other", got.Webhook.ID, 10)
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

type brokenStore struct {
	webhook.Store
}

func (brokenStore) InsertWebhook(context.Context, delivery.Webhook) error {
	return errors.New("connection reset")
}

func TestRegisterWrapsStoreErrors(t *testing.T) {
	_, err := webhook.NewRegistry(brokenStore{}, nil).Register(context.Background(), "u", webhook.RegisterRequest{URL: "https://example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert webhook")
	assert.False(t, errors.Is(err, delivery.ErrDuplicateWebhook))
}

func TestGenerateSecretIsRandom(t *testing.T) {
	a, err := webhook.GenerateSecret()
	require.NoError(t, err)
	b, err := webhook.GenerateSecret()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}
