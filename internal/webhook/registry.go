package webhook

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/inbox_hooks/internal/delivery"
	"github.com/austindbirch/inbox_hooks/internal/logging"
)

const (
	MinURLLength    = 8
	MaxURLLength    = 2048
	MinSecretLength = 8
	MaxSecretLength = 128

	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

var (
	ErrInvalidURL    = errors.New("invalid_url")
	ErrInvalidSecret = errors.New("invalid_secret")
)

// Store persists webhook registrations. Lookups and mutations are scoped to
// the owning user; rows owned by someone else behave as missing.
type Store interface {
	InsertWebhook(ctx context.Context, w delivery.Webhook) error
	ListWebhooks(ctx context.Context, userID string) ([]delivery.Webhook, error)
	DeleteWebhook(ctx context.Context, userID, webhookID string) error
	SetWebhookEnabled(ctx context.Context, userID, webhookID string, enabled bool) (delivery.Webhook, error)
	ListDeliveries(ctx context.Context, userID, webhookID string, limit int) ([]delivery.Delivery, error)
}

// RegisterRequest describes a new webhook. Secret is generated when empty;
// Enabled defaults to true.
type RegisterRequest struct {
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// Registration is returned once, at creation. It is the only place the
// secret is ever handed back.
type Registration struct {
	Webhook delivery.Webhook `json:"webhook"`
	Secret  string           `json:"secret"`
}

// Registry manages users' webhook registrations.
type Registry struct {
	store  Store
	logger *logging.Logger
	now    func() time.Time
}

func NewRegistry(store Store, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{store: store, logger: logger, now: time.Now}
}

// Register validates and stores a new webhook for userID. A second webhook
// with the same URL for the same user fails with delivery.ErrDuplicateWebhook.
func (r *Registry) Register(ctx context.Context, userID string, req RegisterRequest) (Registration, error) {
	url := strings.TrimSpace(req.URL)
	if len(url) < MinURLLength || len(url) > MaxURLLength || !IsAcceptableURL(url) {
		return Registration{}, ErrInvalidURL
	}

	secret := req.Secret
	if secret == "" {
		var err error
		if secret, err = GenerateSecret(); err != nil {
			return Registration{}, fmt.Errorf("generate secret: %w", err)
		}
	} else if len(secret) < MinSecretLength || len(secret) > MaxSecretLength {
		return Registration{}, ErrInvalidSecret
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	w := delivery.Webhook{
		ID:        uuid.NewString(),
		UserID:    userID,
		URL:       url,
		Secret:    secret,
		Enabled:   enabled,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.InsertWebhook(ctx, w); err != nil {
		if errors.Is(err, delivery.ErrDuplicateWebhook) {
			return Registration{}, err
		}
		return Registration{}, fmt.Errorf("insert webhook: %w", err)
	}

	r.logger.WithContext(ctx).WithUser(userID).WithWebhook(w.ID).WithField("enabled", enabled).Info("webhook registered")
	return Registration{Webhook: w, Secret: secret}, nil
}

// List returns userID's webhooks without secrets.
func (r *Registry) List(ctx context.Context, userID string) ([]delivery.Webhook, error) {
	hooks, err := r.store.ListWebhooks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	for i := range hooks {
		hooks[i].Secret = ""
	}
	return hooks, nil
}

// Delete removes a webhook and, by cascade, its deliveries.
func (r *Registry) Delete(ctx context.Context, userID, webhookID string) error {
	if err := r.store.DeleteWebhook(ctx, userID, webhookID); err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete webhook: %w", err)
	}
	r.logger.WithContext(ctx).WithUser(userID).WithWebhook(webhookID).Info("webhook deleted")
	return nil
}

// SetEnabled toggles delivery to a webhook. Pending deliveries of a disabled
// webhook stay pending and are skipped by sweeps until it is re-enabled.
func (r *Registry) SetEnabled(ctx context.Context, userID, webhookID string, enabled bool) (delivery.Webhook, error) {
	w, err := r.store.SetWebhookEnabled(ctx, userID, webhookID, enabled)
	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			return delivery.Webhook{}, err
		}
		return delivery.Webhook{}, fmt.Errorf("set webhook enabled: %w", err)
	}
	w.Secret = ""
	return w, nil
}

// Deliveries lists a webhook's delivery history, newest first.
func (r *Registry) Deliveries(ctx context.Context, userID, webhookID string, limit int) ([]delivery.Delivery, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	ds, err := r.store.ListDeliveries(ctx, userID, webhookID, limit)
	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return ds, nil
}

// GenerateSecret returns 32 random bytes encoded as unpadded base64url.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
