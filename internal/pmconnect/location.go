package pmconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/c.mueller/pm-connect/internal/models"
	"github.com/c.mueller/pm-connect/internal/tracking"
	"github.com/c.mueller/pm-connect/internal/webhooks"
)

// DefaultHistoryPoints is the history length returned when none is requested
const DefaultHistoryPoints = 100

// EventLocationUpdated names the payload of outbound location webhooks
const EventLocationUpdated = "location.updated"

func validPoint(p models.LocationPoint) bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lng) &&
		p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// RecordLocation appends a GPS sample to a started task's track. Points for
// tasks that are not being tracked are rejected with ErrTrackingInactive.
func (s *Service) RecordLocation(ctx context.Context, taskID, actorChatID string, p models.LocationPoint) (tracking.Snapshot, error) {
	if !validPoint(p) {
		return tracking.Snapshot{}, ErrInvalidLocation
	}
	current, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return tracking.Snapshot{}, err
	}
	if actorChatID != "" && current.WorkerChatID != actorChatID {
		return tracking.Snapshot{}, ErrNotAssigned
	}
	in, err := s.store.GetIntegration(ctx, current.IntegrationID)
	if err != nil {
		return tracking.Snapshot{}, err
	}

	now := s.now()
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}
	interval := time.Duration(in.Settings.LocationIntervalSecs) * time.Second

	var notify bool
	task, err := s.store.UpdateTask(ctx, taskID, func(t *models.WorkerTask) error {
		tr := &t.LocationTracking
		if !tr.Enabled || t.Status == models.StatusCompleted {
			return ErrTrackingInactive
		}
		s.tracker.Record(tr, p)
		if in.Settings.LocationWebhookURL != "" &&
			(tr.LastWebhookSentAt == nil || now.Sub(*tr.LastWebhookSentAt) >= interval) {
			tr.LastWebhookSentAt = &now
			notify = true
		}
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return tracking.Snapshot{}, err
	}

	s.metrics.LocationPoint()
	snap := tracking.Summarize(task, false, 0)
	if notify {
		s.postLocation(in, task, snap)
	}
	return snap, nil
}

// LocationSnapshot returns the tracking view of a task addressed through its
// integration's connect id. A task without points reports has_location=false.
func (s *Service) LocationSnapshot(ctx context.Context, connectID, taskID string, history bool, limit int) (tracking.Snapshot, error) {
	_, task, err := s.Lookup(ctx, connectID, taskID)
	if err != nil {
		return tracking.Snapshot{}, err
	}
	if limit <= 0 {
		limit = DefaultHistoryPoints
	}
	return tracking.Summarize(task, history, limit), nil
}

type locationPayload struct {
	Event          string           `json:"event"`
	Timestamp      time.Time        `json:"timestamp"`
	IntegrationID  string           `json:"integration_id"`
	TaskID         string           `json:"task_id"`
	ExternalTaskID string           `json:"external_task_id"`
	WorkerChatID   string           `json:"worker_chat_id"`
	Location       tracking.Snapshot `json:"location"`
}

// postLocation sends the integration's location webhook in the background.
// Failures are logged only.
func (s *Service) postLocation(in *models.Integration, task *models.WorkerTask, snap tracking.Snapshot) {
	body, err := json.Marshal(locationPayload{
		Event:          EventLocationUpdated,
		Timestamp:      s.now(),
		IntegrationID:  in.ID,
		TaskID:         task.ID,
		ExternalTaskID: task.ExternalTaskID,
		WorkerChatID:   task.WorkerChatID,
		Location:       snap,
	})
	if err != nil {
		s.logger.Error("failed to encode location webhook", "task_id", task.ID, "error", err)
		return
	}
	target := in.Settings.LocationWebhookURL
	secret := in.WebhookSecret

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.send(ctx, target, secret, body); err != nil {
			s.logger.Warn("location webhook failed", "task_id", task.ID, "url", target, "error", err)
		}
	}()
}

func (s *Service) send(ctx context.Context, target, secret string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhooks.HeaderEvent, EventLocationUpdated)
	if secret != "" {
		req.Header.Set(webhooks.HeaderSignature, webhooks.Sign(secret, body))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
