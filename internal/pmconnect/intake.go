package pmconnect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/c.mueller/pm-connect/internal/models"
	"github.com/c.mueller/pm-connect/internal/normalize"
	"github.com/c.mueller/pm-connect/internal/webhooks"
)

// Intake headers
const (
	HeaderHookSecret    = "X-Hook-Secret"
	HeaderHookSignature = "X-Hook-Signature"
)

// IntakeResult describes the outcome of one inbound webhook
type IntakeResult struct {
	TaskID    string `json:"taskId,omitempty"`
	SentTo    string `json:"sentTo,omitempty"`
	Created   bool   `json:"created"`
	Delivered bool   `json:"delivered"`
	Warning   string `json:"warning,omitempty"`

	// Handshake replies; set instead of a task
	Challenge  string `json:"-"`
	HookSecret string `json:"-"`
}

// Intake processes a webhook POSTed to an integration's connect URL:
// normalize, create or update the task, deliver it to the resolved worker.
//
// When the payload names no active worker the task is still recorded and the
// result is returned together with ErrNoMatchingWorker.
func (s *Service) Intake(ctx context.Context, connectID string, body []byte, header http.Header) (*IntakeResult, error) {
	in, err := s.store.GetIntegrationByConnectID(ctx, connectID)
	if err != nil {
		return nil, fmt.Errorf("integration %s: %w", connectID, err)
	}
	if !in.IsActive {
		return nil, fmt.Errorf("integration %s is inactive: %w", connectID, models.ErrNotFound)
	}
	platform := string(in.Platform)

	// Asana handshake: echo the secret and keep it for signature checks
	if secret := header.Get(HeaderHookSecret); secret != "" {
		if _, err := s.store.UpdateIntegration(ctx, in.ID, func(i *models.Integration) error {
			i.WebhookSecret = secret
			i.UpdatedAt = s.now()
			return nil
		}); err != nil {
			return nil, err
		}
		s.logger.Info("webhook handshake completed", "integration_id", in.ID, "platform", platform)
		s.metrics.IntakeRequest(platform, "handshake")
		return &IntakeResult{HookSecret: secret}, nil
	}
	if challenge, ok := normalize.Challenge(body); ok {
		s.metrics.IntakeRequest(platform, "handshake")
		return &IntakeResult{Challenge: challenge}, nil
	}

	if in.WebhookSecret != "" {
		sig := header.Get(HeaderHookSignature)
		if sig == "" {
			sig = header.Get(webhooks.HeaderSignature)
		}
		if !webhooks.Verify(in.WebhookSecret, body, sig) {
			s.metrics.IntakeRequest(platform, "bad_signature")
			return nil, ErrInvalidSignature
		}
	}

	nt, err := s.normalizer.Normalize(in.Platform, body, in.Settings.DefaultPriority)
	if err != nil {
		s.metrics.IntakeRequest(platform, "malformed")
		return nil, err
	}
	if nt.ExternalTaskID == "" {
		nt.ExternalTaskID = uuid.NewString()
	}

	worker, resolved := in.Workers.Resolve(nt.AssigneeExternalID, nt.AssigneeName)

	now := s.now()
	candidate := &models.WorkerTask{
		ID:                 uuid.NewString(),
		IntegrationID:      in.ID,
		ExternalTaskID:     nt.ExternalTaskID,
		ExternalBoardID:    nt.ExternalBoardID,
		Title:              nt.Title,
		Description:        nt.Description,
		DestinationAddress: nt.DestinationAddress,
		Destination:        nt.Destination,
		DueDate:            nt.DueDate,
		Priority:           nt.Priority,
		Status:             models.StatusSent,
		SentAt:             now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if resolved {
		candidate.WorkerChatID = worker.ChatID
		candidate.WorkerExternalID = worker.ExternalID
	}

	task, created, err := s.store.CreateOrGetTask(ctx, candidate)
	if err != nil {
		return nil, err
	}

	result := &IntakeResult{TaskID: task.ID, Created: created}
	changed := false
	if created {
		if resolved && !nt.NamesAssignee() {
			result.Warning = inferredWarning
		}
		if err := s.store.IncrementTasksSent(ctx, in.ID); err != nil {
			return nil, err
		}
		s.metrics.TaskCreated(platform)
		s.logger.Info("task created",
			"task_id", task.ID, "integration_id", in.ID, "external_task_id", task.ExternalTaskID)
		s.publish(in, models.EventTaskCreated, task)
	} else {
		task, changed, result.Warning, err = s.refresh(ctx, task.ID, nt, worker, resolved)
		if err != nil {
			return nil, err
		}
		s.logger.Info("task updated from webhook",
			"task_id", task.ID, "integration_id", in.ID, "external_task_id", task.ExternalTaskID)
		s.publish(in, models.EventTaskUpdated, task)
	}

	if task.WorkerChatID == "" {
		s.metrics.IntakeRequest(platform, "no_worker")
		s.metrics.TaskDelivery("deferred")
		s.logger.Warn("no matching worker for task",
			"task_id", task.ID, "assignee", nt.AssigneeExternalID, "assignee_name", nt.AssigneeName)
		result.Warning = joinWarnings(result.Warning, noWorkerWarning(nt))
		return result, fmt.Errorf("%w: %s", ErrNoMatchingWorker, describeAssignee(nt))
	}

	result.SentTo = task.WorkerChatID
	switch {
	case task.Status == models.StatusCompleted:
		result.Delivered = task.Delivered()
	case !task.Delivered():
		task = s.deliver(ctx, in, task)
		result.Delivered = task.Delivered()
		if !result.Delivered {
			result.Warning = joinWarnings(result.Warning, "delivery deferred: "+task.DeliveryError)
		}
	default:
		if changed {
			s.refreshMessage(ctx, in, task)
		}
		result.Delivered = true
	}
	s.metrics.IntakeRequest(platform, "ok")
	return result, nil
}

// refresh applies the fields a re-delivered webhook actually carried to an
// existing task. Status and history are left alone, and fields the payload
// omits keep their stored values. A task bound to a worker keeps that worker;
// an unbound task picks up the newly resolved one.
func (s *Service) refresh(ctx context.Context, id string, nt models.NormalizedTask, worker models.Worker, resolved bool) (*models.WorkerTask, bool, string, error) {
	var warning string
	changed := false
	task, err := s.store.UpdateTask(ctx, id, func(t *models.WorkerTask) error {
		if !nt.TitleDefaulted && t.Title != nt.Title {
			t.Title = nt.Title
			changed = true
		}
		if nt.Description != "" && t.Description != nt.Description {
			t.Description = nt.Description
			changed = true
		}
		if !nt.PriorityDefaulted && t.Priority != nt.Priority {
			t.Priority = nt.Priority
			changed = true
		}
		if nt.DueDate != nil && (t.DueDate == nil || !t.DueDate.Equal(*nt.DueDate)) {
			t.DueDate = nt.DueDate
			changed = true
		}
		if nt.DestinationAddress != "" && t.DestinationAddress != nt.DestinationAddress {
			t.DestinationAddress = nt.DestinationAddress
			changed = true
		}
		if nt.Destination != nil && (t.Destination == nil || *t.Destination != *nt.Destination) {
			t.Destination = nt.Destination
			changed = true
		}
		if nt.ExternalBoardID != "" {
			t.ExternalBoardID = nt.ExternalBoardID
		}
		switch {
		case !resolved:
		case t.WorkerChatID == "":
			t.WorkerChatID = worker.ChatID
			t.WorkerExternalID = worker.ExternalID
			if !nt.NamesAssignee() {
				warning = inferredWarning
			}
		case !nt.NamesAssignee():
			// follow-up events often name nobody; the bound worker stays
		case !strings.EqualFold(t.WorkerExternalID, worker.ExternalID):
			warning = fmt.Sprintf("task stays assigned to %s; reassignment to %s ignored",
				t.WorkerExternalID, worker.ExternalID)
		}
		t.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, false, "", err
	}
	if warning != "" && warning != inferredWarning {
		s.logger.Warn("task reassignment ignored", "task_id", id, "detail", warning)
	}
	return task, changed, warning, nil
}

// deliver sends the task to its worker and records the message id or the
// delivery error. Failures never undo the task.
func (s *Service) deliver(ctx context.Context, in *models.Integration, task *models.WorkerTask) *models.WorkerTask {
	var messageID int64
	var deliveryErr error
	if s.messenger == nil {
		deliveryErr = errors.New("messaging is disabled")
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
		msg, err := s.messenger.SendMessage(sendCtx, task.WorkerChatID, FormatTask(in, task), Keyboard(task, s.appURL(in, task)))
		cancel()
		if err != nil {
			deliveryErr = err
		} else {
			messageID = msg.MessageID
		}
	}

	updated, err := s.store.UpdateTask(ctx, task.ID, func(t *models.WorkerTask) error {
		if deliveryErr != nil {
			t.DeliveryError = deliveryErr.Error()
		} else {
			t.MessageID = messageID
			t.DeliveryError = ""
		}
		t.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record delivery", "task_id", task.ID, "error", err)
		updated = task
	}

	if deliveryErr != nil {
		s.metrics.TaskDelivery("failed")
		s.logger.Warn("task delivery failed", "task_id", task.ID, "chat_id", task.WorkerChatID, "error", deliveryErr)
		return updated
	}
	s.metrics.TaskDelivery("sent")
	s.focus.SetFocus(task.WorkerChatID, task.ID)
	s.logger.Info("task delivered", "task_id", task.ID, "chat_id", task.WorkerChatID, "message_id", messageID)
	return updated
}

// RetryDeliveries re-sends up to limit open tasks whose delivery failed or
// was deferred. It returns how many reached their worker.
func (s *Service) RetryDeliveries(ctx context.Context, limit int) (int, error) {
	if s.messenger == nil {
		return 0, nil
	}
	tasks, err := s.store.ListTasks(ctx, models.TaskFilter{Open: true, Undelivered: true, Limit: limit})
	if err != nil {
		return 0, err
	}
	return s.redeliver(ctx, tasks), nil
}

// redeliver sends each task of an active integration to its worker and
// returns how many were delivered
func (s *Service) redeliver(ctx context.Context, tasks []models.WorkerTask) int {
	integrations := make(map[string]*models.Integration)
	delivered := 0
	for i := range tasks {
		task := &tasks[i]
		in, ok := integrations[task.IntegrationID]
		if !ok {
			var err error
			in, err = s.store.GetIntegration(ctx, task.IntegrationID)
			if err != nil {
				s.logger.Warn("skipping redelivery", "task_id", task.ID, "error", err)
				continue
			}
			integrations[task.IntegrationID] = in
		}
		if !in.IsActive {
			continue
		}
		if s.deliver(ctx, in, task).Delivered() {
			delivered++
		}
	}
	return delivered
}

// refreshMessage edits the worker's task message to match the stored task
func (s *Service) refreshMessage(ctx context.Context, in *models.Integration, task *models.WorkerTask) {
	if s.messenger == nil || !task.Delivered() {
		return
	}
	editCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.messenger.EditMessageText(editCtx, task.WorkerChatID, task.MessageID,
		FormatTask(in, task), Keyboard(task, s.appURL(in, task)))
	if err != nil {
		s.logger.Warn("failed to edit task message", "task_id", task.ID, "error", err)
	}
}

// inferredWarning flags a task bound to the integration's only active worker
// because the payload named no assignee
const inferredWarning = "assignee inferred: only active worker"

func describeAssignee(nt models.NormalizedTask) string {
	switch {
	case nt.AssigneeExternalID != "":
		return "assignee " + nt.AssigneeExternalID
	case nt.AssigneeName != "":
		return "assignee " + nt.AssigneeName
	}
	return "payload names no assignee"
}

func noWorkerWarning(nt models.NormalizedTask) string {
	return "no matching worker (" + describeAssignee(nt) + "); task recorded, delivery deferred"
}

func joinWarnings(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "; " + b
}
