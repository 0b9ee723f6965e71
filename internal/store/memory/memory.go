// Package memory is an in-process implementation of the delivery and webhook
// stores, used by tests and single-node local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/inbox_hooks/internal/delivery"
	"github.com/austindbirch/inbox_hooks/internal/webhook"
)

var (
	_ delivery.Store = (*Store)(nil)
	_ webhook.Store  = (*Store)(nil)
)

type Store struct {
	mu         sync.Mutex
	webhooks   map[string]delivery.Webhook
	order      []string // webhook ids in insertion order
	messages   map[string]delivery.Message
	deliveries map[string]delivery.Delivery
	seq        map[string]int // delivery id -> insertion sequence
	next       int
}

func New() *Store {
	return &Store{
		webhooks:   make(map[string]delivery.Webhook),
		messages:   make(map[string]delivery.Message),
		deliveries: make(map[string]delivery.Delivery),
		seq:        make(map[string]int),
	}
}

// SaveMessage stores a message so due deliveries can be joined to it.
func (s *Store) SaveMessage(m delivery.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
}

// InsertMessage is SaveMessage behind the context-aware store signature.
func (s *Store) InsertMessage(_ context.Context, m delivery.Message) error {
	s.SaveMessage(m)
	return nil
}

// Delivery returns a copy of one delivery row.
func (s *Store) Delivery(id string) (delivery.Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	return cloneDelivery(d), ok
}

// Deliveries returns copies of every delivery row in creation order.
func (s *Store) Deliveries() []delivery.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]delivery.Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, cloneDelivery(d))
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}

// Webhook returns a copy of one webhook including its secret.
func (s *Store) Webhook(id string) (delivery.Webhook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	return cloneWebhook(w), ok
}

// delivery.Store

func (s *Store) EnabledWebhooks(_ context.Context, userID string) ([]delivery.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery.Webhook
	for _, id := range s.order {
		w := s.webhooks[id]
		if w.UserID == userID && w.Enabled {
			out = append(out, cloneWebhook(w))
		}
	}
	return out, nil
}

func (s *Store) CreateDeliveries(_ context.Context, messageID string, webhookIDs []string, at time.Time) ([]delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range webhookIDs {
		if _, ok := s.webhooks[id]; !ok {
			return nil, fmt.Errorf("webhook %s: %w", id, delivery.ErrNotFound)
		}
	}
	out := make([]delivery.Delivery, 0, len(webhookIDs))
	for _, wid := range webhookIDs {
		next := at
		d := delivery.Delivery{
			ID:            uuid.NewString(),
			WebhookID:     wid,
			MessageID:     messageID,
			Status:        delivery.StatusPending,
			AttemptCount:  0,
			NextAttemptAt: &next,
			CreatedAt:     at,
		}
		s.next++
		s.seq[d.ID] = s.next
		s.deliveries[d.ID] = d
		out = append(out, cloneDelivery(d))
	}
	return out, nil
}

func (s *Store) RecordAttempt(_ context.Context, u delivery.AttemptUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[u.DeliveryID]
	if !ok {
		return delivery.ErrNotFound
	}
	if d.Status != delivery.StatusPending || d.AttemptCount != u.AttemptCount-1 {
		return delivery.ErrStaleAttempt
	}
	at := u.AttemptedAt
	d.Status = u.Status
	d.AttemptCount = u.AttemptCount
	d.LastAttemptAt = &at
	d.NextAttemptAt = cloneTime(u.NextAttemptAt)
	d.ResponseStatus = u.ResponseStatus
	d.ResponseBody = u.ResponseBody
	d.Error = u.Error
	s.deliveries[d.ID] = d
	return nil
}

func (s *Store) MarkWebhookDelivered(_ context.Context, webhookID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[webhookID]
	if !ok {
		return delivery.ErrNotFound
	}
	w.LastDeliveredAt = &at
	s.webhooks[webhookID] = w
	return nil
}

func (s *Store) DueDeliveries(_ context.Context, now time.Time, limit int) ([]delivery.DueDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []delivery.Delivery
	for _, d := range s.deliveries {
		if d.Status != delivery.StatusPending || d.NextAttemptAt == nil || d.NextAttemptAt.After(now) {
			continue
		}
		if w, ok := s.webhooks[d.WebhookID]; !ok || !w.Enabled {
			continue
		}
		if _, ok := s.messages[d.MessageID]; !ok {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(*due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt)
		}
		return s.seq[due[i].ID] < s.seq[due[j].ID]
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]delivery.DueDelivery, len(due))
	for i, d := range due {
		out[i] = delivery.DueDelivery{
			Delivery: cloneDelivery(d),
			Webhook:  cloneWebhook(s.webhooks[d.WebhookID]),
			Message:  s.messages[d.MessageID],
		}
	}
	return out, nil
}

// webhook.Store

func (s *Store) InsertWebhook(_ context.Context, w delivery.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.webhooks {
		if existing.UserID == w.UserID && existing.URL == w.URL {
			return delivery.ErrDuplicateWebhook
		}
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	s.webhooks[w.ID] = cloneWebhook(w)
	s.order = append(s.order, w.ID)
	return nil
}

func (s *Store) ListWebhooks(_ context.Context, userID string) ([]delivery.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery.Webhook
	for _, id := range s.order {
		if w := s.webhooks[id]; w.UserID == userID {
			out = append(out, cloneWebhook(w))
		}
	}
	return out, nil
}

func (s *Store) DeleteWebhook(_ context.Context, userID, webhookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[webhookID]
	if !ok || w.UserID != userID {
		return delivery.ErrNotFound
	}
	delete(s.webhooks, webhookID)
	for i, id := range s.order {
		if id == webhookID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for id, d := range s.deliveries {
		if d.WebhookID == webhookID {
			delete(s.deliveries, id)
			delete(s.seq, id)
		}
	}
	return nil
}

func (s *Store) SetWebhookEnabled(_ context.Context, userID, webhookID string, enabled bool) (delivery.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[webhookID]
	if !ok || w.UserID != userID {
		return delivery.Webhook{}, delivery.ErrNotFound
	}
	w.Enabled = enabled
	s.webhooks[webhookID] = w
	return cloneWebhook(w), nil
}

func (s *Store) ListDeliveries(_ context.Context, userID, webhookID string, limit int) ([]delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[webhookID]
	if !ok || w.UserID != userID {
		return nil, delivery.ErrNotFound
	}
	var out []delivery.Delivery
	for _, d := range s.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, cloneDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] > s.seq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneDelivery(d delivery.Delivery) delivery.Delivery {
	d.NextAttemptAt = cloneTime(d.NextAttemptAt)
	d.LastAttemptAt = cloneTime(d.LastAttemptAt)
	return d
}

func cloneWebhook(w delivery.Webhook) delivery.Webhook {
	w.LastDeliveredAt = cloneTime(w.LastDeliveredAt)
	return w
}
