package webhooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c.mueller/pm-connect/internal/models"
)

// Store persists webhooks and their delivery log. database.DB implements it
// on SQLite; MemoryStore keeps everything in process.
type Store interface {
	SaveWebhook(ctx context.Context, w *models.Webhook) error
	GetWebhook(ctx context.Context, id string) (*models.Webhook, error)
	ListWebhooks(ctx context.Context, companyID string) ([]models.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, at time.Time, reason string, maxFailures int) (disabled bool, err error)
	AddDelivery(ctx context.Context, d *models.Delivery, keep int) error
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]models.Delivery, error)
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu         sync.RWMutex
	webhooks   map[string]models.Webhook
	deliveries map[string][]models.Delivery // per webhook, oldest first
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		webhooks:   make(map[string]models.Webhook),
		deliveries: make(map[string][]models.Delivery),
	}
}

func clone(w models.Webhook) models.Webhook {
	w.Events = append([]string(nil), w.Events...)
	if w.LastTriggeredAt != nil {
		t := *w.LastTriggeredAt
		w.LastTriggeredAt = &t
	}
	return w
}

func (s *MemoryStore) SaveWebhook(_ context.Context, w *models.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[w.ID] = clone(*w)
	return nil
}

func (s *MemoryStore) GetWebhook(_ context.Context, id string) (*models.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, fmt.Errorf("webhook %s: %w", id, models.ErrNotFound)
	}
	c := clone(w)
	return &c, nil
}

func (s *MemoryStore) ListWebhooks(_ context.Context, companyID string) ([]models.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Webhook, 0, len(s.webhooks))
	for _, w := range s.webhooks {
		if companyID == "" || w.CompanyID == companyID {
			out = append(out, clone(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteWebhook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[id]; !ok {
		return fmt.Errorf("webhook %s: %w", id, models.ErrNotFound)
	}
	delete(s.webhooks, id)
	delete(s.deliveries, id)
	return nil
}

func (s *MemoryStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return fmt.Errorf("webhook %s: %w", id, models.ErrNotFound)
	}
	w.FailureCount = 0
	w.LastError = ""
	w.LastTriggeredAt = &at
	s.webhooks[id] = w
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, id string, at time.Time, reason string, maxFailures int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return false, fmt.Errorf("webhook %s: %w", id, models.ErrNotFound)
	}
	w.FailureCount++
	w.LastError = reason
	w.LastTriggeredAt = &at
	disabled := false
	if w.Enabled && w.FailureCount >= maxFailures {
		w.Enabled = false
		disabled = true
	}
	s.webhooks[id] = w
	return disabled, nil
}

func (s *MemoryStore) AddDelivery(_ context.Context, d *models.Delivery, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := append(s.deliveries[d.WebhookID], *d)
	if keep > 0 && len(log) > keep {
		log = append([]models.Delivery(nil), log[len(log)-keep:]...)
	}
	s.deliveries[d.WebhookID] = log
	return nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, webhookID string, limit int) ([]models.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.deliveries[webhookID]
	out := make([]models.Delivery, 0, len(log))
	for i := len(log) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, log[i])
	}
	return out, nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id string) (*models.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, log := range s.deliveries {
		for _, d := range log {
			if d.ID == id {
				d := d
				return &d, nil
			}
		}
	}
	return nil, fmt.Errorf("delivery %s: %w", id, models.ErrNotFound)
}
