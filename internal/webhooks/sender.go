// Package webhooks delivers domain events to URLs registered by companies.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c.mueller/pm-connect/internal/metrics"
	"github.com/c.mueller/pm-connect/internal/models"
)

// Delivery request headers
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	userAgent       = "PMConnect-Webhook/1.0"
)

// Defaults applied by New for zero Options fields
const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxFailures = 10
	DefaultLogSize     = 50
)

// ErrInvalidInput is returned for webhook registrations that fail validation
var ErrInvalidInput = errors.New("invalid webhook")

// Replicator propagates registry changes to peer nodes
type Replicator interface {
	WebhookUpserted(w *models.Webhook)
	WebhookDeleted(id string, at time.Time)
}

// Options tune delivery
type Options struct {
	Timeout     time.Duration
	MaxFailures int
	LogSize     int
	Client      *http.Client
}

// Sender owns the webhook registry and delivers events to it. Deliveries run
// in background goroutines; Wait blocks until they have finished.
type Sender struct {
	store   Store
	opts    Options
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	replicator Replicator

	wg sync.WaitGroup
}

// New creates a sender on top of store
func New(store Store, opts Options, m *metrics.Metrics, logger *slog.Logger) *Sender {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.LogSize <= 0 {
		opts.LogSize = DefaultLogSize
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		store:   store,
		opts:    opts,
		client:  client,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetReplicator attaches the cluster once it is running
func (s *Sender) SetReplicator(r Replicator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicator = r
}

func (s *Sender) replicateUpsert(w *models.Webhook) {
	s.mu.RLock()
	r := s.replicator
	s.mu.RUnlock()
	if r != nil {
		r.WebhookUpserted(w)
	}
}

func (s *Sender) replicateDelete(id string, at time.Time) {
	s.mu.RLock()
	r := s.replicator
	s.mu.RUnlock()
	if r != nil {
		r.WebhookDeleted(id, at)
	}
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func normalizeEvents(events []string) ([]string, error) {
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if !models.IsKnownEvent(e) {
			return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidInput, e)
		}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one event is required", ErrInvalidInput)
	}
	return out, nil
}

// Create registers a webhook for a company
func (s *Sender) Create(ctx context.Context, companyID string, input models.CreateWebhookInput) (*models.Webhook, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return nil, fmt.Errorf("%w: company id is required", ErrInvalidInput)
	}
	if !validURL(input.URL) {
		return nil, fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidInput)
	}
	events, err := normalizeEvents(input.Events)
	if err != nil {
		return nil, err
	}

	now := s.now()
	w := &models.Webhook{
		ID:        uuid.NewString(),
		CompanyID: companyID,
		URL:       input.URL,
		Secret:    input.Secret,
		Events:    events,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveWebhook(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info("webhook registered", "webhook_id", w.ID, "company_id", companyID, "events", events)
	s.replicateUpsert(w)
	return w, nil
}

// Get returns a webhook
func (s *Sender) Get(ctx context.Context, id string) (*models.Webhook, error) {
	return s.store.GetWebhook(ctx, id)
}

// List returns the webhooks of a company
func (s *Sender) List(ctx context.Context, companyID string) ([]models.Webhook, error) {
	return s.store.ListWebhooks(ctx, companyID)
}

// Update changes a webhook. Re-enabling resets the failure counter.
func (s *Sender) Update(ctx context.Context, id string, input models.UpdateWebhookInput) (*models.Webhook, error) {
	w, err := s.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.URL != nil {
		if !validURL(*input.URL) {
			return nil, fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidInput)
		}
		w.URL = *input.URL
	}
	if input.Secret != nil {
		w.Secret = *input.Secret
	}
	if input.Events != nil {
		events, err := normalizeEvents(input.Events)
		if err != nil {
			return nil, err
		}
		w.Events = events
	}
	if input.Enabled != nil {
		if *input.Enabled && !w.Enabled {
			w.FailureCount = 0
			w.LastError = ""
		}
		w.Enabled = *input.Enabled
	}
	w.UpdatedAt = s.now()

	if err := s.store.SaveWebhook(ctx, w); err != nil {
		return nil, err
	}
	s.replicateUpsert(w)
	return w, nil
}

// Enable re-enables a webhook disabled after consecutive failures
func (s *Sender) Enable(ctx context.Context, id string) (*models.Webhook, error) {
	enabled := true
	return s.Update(ctx, id, models.UpdateWebhookInput{Enabled: &enabled})
}

// Delete removes a webhook and its delivery log
func (s *Sender) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteWebhook(ctx, id); err != nil {
		return err
	}
	s.logger.Info("webhook deleted", "webhook_id", id)
	s.replicateDelete(id, s.now())
	return nil
}

// Deliveries returns the logged deliveries of a webhook, newest first
func (s *Sender) Deliveries(ctx context.Context, id string, limit int) ([]models.Delivery, error) {
	if _, err := s.store.GetWebhook(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListDeliveries(ctx, id, limit)
}

// Dispatch fans an event out to every enabled webhook of the company that
// subscribes to it. It returns immediately; delivery happens in the
// background and failures never reach the caller.
func (s *Sender) Dispatch(companyID, event string, data any) {
	if companyID == "" {
		return
	}
	body, err := json.Marshal(models.Envelope{
		Event:     event,
		Timestamp: s.now(),
		CompanyID: companyID,
		Data:      data,
	})
	if err != nil {
		s.logger.Error("failed to encode webhook envelope", "event", event, "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		hooks, err := s.store.ListWebhooks(ctx, companyID)
		cancel()
		if err != nil {
			s.logger.Error("failed to list webhooks", "company_id", companyID, "error", err)
			return
		}

		for i := range hooks {
			w := hooks[i]
			if !w.Enabled || !w.Subscribes(event) {
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.deliver(context.Background(), &w, event, body, 1)
			}()
		}
	}()
}

// Test sends a webhook.test ping synchronously, regardless of subscriptions
func (s *Sender) Test(ctx context.Context, id string) (*models.Delivery, error) {
	w, err := s.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(models.Envelope{
		Event:     models.EventWebhookTest,
		Timestamp: s.now(),
		CompanyID: w.CompanyID,
		Data: map[string]string{
			"message":   "Test delivery from PM Connect",
			"webhookId": w.ID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding test envelope: %w", err)
	}
	return s.deliver(ctx, w, models.EventWebhookTest, body, 1), nil
}

// Retry re-sends a logged delivery synchronously with its original payload
func (s *Sender) Retry(ctx context.Context, deliveryID string) (*models.Delivery, error) {
	prev, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	w, err := s.store.GetWebhook(ctx, prev.WebhookID)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, w, prev.Event, prev.Payload, prev.Attempt+1), nil
}

// Wait blocks until in-flight deliveries have finished
func (s *Sender) Wait() {
	s.wg.Wait()
}

// deliver POSTs body to the webhook, logs the attempt and updates the
// failure bookkeeping
func (s *Sender) deliver(ctx context.Context, w *models.Webhook, event string, body []byte, attempt int) *models.Delivery {
	d := &models.Delivery{
		ID:        uuid.NewString(),
		WebhookID: w.ID,
		Event:     event,
		Payload:   json.RawMessage(body),
		Attempt:   attempt,
		CreatedAt: s.now(),
	}

	start := time.Now()
	status, err := s.post(ctx, w, d.ID, event, body)
	took := time.Since(start)

	d.StatusCode = status
	d.DurationMs = took.Milliseconds()
	switch {
	case err != nil:
		d.Error = err.Error()
	case status < 200 || status > 299:
		d.Error = fmt.Sprintf("unexpected status %d", status)
	default:
		d.Success = true
	}
	s.metrics.WebhookDelivery(event, d.Success, took)

	// Bookkeeping must outlive a cancelled request context
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()

	if err := s.store.AddDelivery(bg, d, s.opts.LogSize); err != nil {
		s.logger.Error("failed to log webhook delivery", "webhook_id", w.ID, "error", err)
	}

	if d.Success {
		if err := s.store.RecordSuccess(bg, w.ID, d.CreatedAt); err != nil {
			s.logger.Error("failed to record webhook success", "webhook_id", w.ID, "error", err)
		}
		s.logger.Debug("webhook delivered", "webhook_id", w.ID, "event", event, "status", status)
		return d
	}

	s.logger.Warn("webhook delivery failed", "webhook_id", w.ID, "event", event, "attempt", attempt, "error", d.Error)
	disabled, err := s.store.RecordFailure(bg, w.ID, d.CreatedAt, d.Error, s.opts.MaxFailures)
	if err != nil {
		s.logger.Error("failed to record webhook failure", "webhook_id", w.ID, "error", err)
		return d
	}
	if disabled {
		s.metrics.WebhookDisabled()
		s.logger.Warn("webhook disabled after consecutive failures", "webhook_id", w.ID, "max_failures", s.opts.MaxFailures)
		if current, err := s.store.GetWebhook(bg, w.ID); err == nil {
			current.UpdatedAt = s.now()
			if err := s.store.SaveWebhook(bg, current); err == nil {
				s.replicateUpsert(current)
			}
		}
	}
	return d
}

func (s *Sender) post(ctx context.Context, w *models.Webhook, deliveryID, event string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderDelivery, deliveryID)
	if w.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(w.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// Snapshot returns every webhook for a full-state sync
func (s *Sender) Snapshot(ctx context.Context) ([]models.Webhook, error) {
	return s.store.ListWebhooks(ctx, "")
}

// ApplyUpsert stores a webhook received from a peer unless the local copy is
// newer. Applied changes are not re-broadcast.
func (s *Sender) ApplyUpsert(ctx context.Context, w *models.Webhook) error {
	current, err := s.store.GetWebhook(ctx, w.ID)
	switch {
	case err == nil:
		if current.UpdatedAt.After(w.UpdatedAt) {
			return nil
		}
	case !errors.Is(err, models.ErrNotFound):
		return err
	}
	return s.store.SaveWebhook(ctx, w)
}

// ApplyDelete removes a webhook deleted on a peer unless it was updated
// locally after the deletion
func (s *Sender) ApplyDelete(ctx context.Context, id string, at time.Time) error {
	current, err := s.store.GetWebhook(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.UpdatedAt.After(at) {
		return nil
	}
	return s.store.DeleteWebhook(ctx, id)
}
