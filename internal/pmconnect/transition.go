package pmconnect

import (
	"context"
	"errors"
	"fmt"

	"github.com/c.mueller/pm-connect/internal/models"
	"github.com/c.mueller/pm-connect/internal/tracking"
)

// TransitionResult reports what an action did to a task
type TransitionResult struct {
	Task    *models.WorkerTask `json:"task"`
	From    models.Status      `json:"from"`
	To      models.Status      `json:"to"`
	Changed bool               `json:"changed"`
}

// StatusChange is the payload of task.status_changed events
type StatusChange struct {
	TaskID         string        `json:"task_id"`
	ExternalTaskID string        `json:"external_task_id"`
	IntegrationID  string        `json:"integration_id"`
	WorkerChatID   string        `json:"worker_chat_id"`
	From           models.Status `json:"from"`
	To             models.Status `json:"to"`
}

// Transition applies a worker action to a task. actorChatID must be the
// assigned worker's chat; pass "" for trusted callers. Re-applying the
// current status succeeds without changing anything.
func (s *Service) Transition(ctx context.Context, taskID, actorChatID string, action Action) (*TransitionResult, error) {
	current, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if actorChatID != "" && current.WorkerChatID != actorChatID {
		return nil, ErrNotAssigned
	}
	in, err := s.store.GetIntegration(ctx, current.IntegrationID)
	if err != nil {
		return nil, err
	}

	var from, to models.Status
	task, err := s.store.UpdateTask(ctx, taskID, func(t *models.WorkerTask) error {
		from = t.Status
		target, err := Target(t.Status, action, in.Settings.AutoStartOnView)
		if err != nil {
			return err
		}
		if err := CanTransition(t.Status, target); err != nil {
			return err
		}
		to = target
		if from == to {
			return errNoChange
		}
		if to == models.StatusCompleted && in.Settings.RequirePhotoProof && len(t.PhotoURLs) == 0 {
			return ErrPhotoRequired
		}
		s.apply(t, in, to)
		return nil
	})
	if errors.Is(err, errNoChange) {
		return &TransitionResult{Task: current, From: from, To: to}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}

	s.afterTransition(ctx, in, task, from, to)
	return &TransitionResult{Task: task, From: from, To: to, Changed: true}, nil
}

// errNoChange aborts the store update when the status is already current
var errNoChange = errors.New("no change")

// apply sets the timestamps and side state of entering status to
func (s *Service) apply(t *models.WorkerTask, in *models.Integration, to models.Status) {
	now := s.now()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case models.StatusSeen:
		if t.SeenAt == nil {
			t.SeenAt = &now
		}
	case models.StatusStarted:
		if t.SeenAt == nil {
			t.SeenAt = &now
		}
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.AwaitingProblem = false
		if in.Settings.LocationTracking {
			tracking.Start(&t.LocationTracking, now)
		}
	case models.StatusProblem:
		t.AwaitingProblem = true
		t.ProblemDescription = ""
	case models.StatusCompleted:
		t.CompletedAt = &now
		t.AwaitingProblem = false
		tracking.Stop(&t.LocationTracking, now)
	}
}

// afterTransition runs the effects of a committed status change: stats,
// events, notifications and the refreshed worker message.
func (s *Service) afterTransition(ctx context.Context, in *models.Integration, task *models.WorkerTask, from, to models.Status) {
	s.metrics.StatusTransition(string(to))
	s.logger.Info("task status changed", "task_id", task.ID, "from", from, "to", to)

	if to == models.StatusCompleted {
		mins := task.CompletedAt.Sub(task.SentAt).Minutes()
		if mins < 0 {
			mins = 0
		}
		if err := s.store.RecordCompletion(ctx, in.ID, mins); err != nil {
			s.logger.Error("failed to record completion", "integration_id", in.ID, "error", err)
		}
		s.focus.ClearFocus(task.WorkerChatID, task.ID)
	} else if task.WorkerChatID != "" {
		s.focus.SetFocus(task.WorkerChatID, task.ID)
	}

	s.publish(in, models.EventTaskStatusChanged, StatusChange{
		TaskID:         task.ID,
		ExternalTaskID: task.ExternalTaskID,
		IntegrationID:  in.ID,
		WorkerChatID:   task.WorkerChatID,
		From:           from,
		To:             to,
	})
	switch to {
	case models.StatusCompleted:
		s.publish(in, models.EventTaskCompleted, task)
	case models.StatusProblem:
		if in.Settings.NotifyOnProblem {
			s.notifyOwner(ctx, in, fmt.Sprintf("⚠️ %s reported a problem with: %s\nWaiting for details.",
				s.workerName(in, task), task.Title))
		}
	}

	s.refreshMessage(ctx, in, task)
}

// CaptureProblem stores text as the problem description of a task in the
// problem state, replacing an earlier description
func (s *Service) CaptureProblem(ctx context.Context, taskID, text string) (*models.WorkerTask, error) {
	current, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	in, err := s.store.GetIntegration(ctx, current.IntegrationID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.UpdateTask(ctx, taskID, func(t *models.WorkerTask) error {
		if t.Status != models.StatusProblem {
			return fmt.Errorf("%w: task has no open problem", ErrInvalidTransition)
		}
		t.ProblemDescription = text
		t.AwaitingProblem = false
		t.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("problem reported", "task_id", task.ID)
	s.publish(in, models.EventTaskProblem, task)
	if in.Settings.NotifyOnProblem {
		s.notifyOwner(ctx, in, fmt.Sprintf("⚠️ Problem on %s (%s):\n%s", task.Title, s.workerName(in, task), text))
	}
	s.refreshMessage(ctx, in, task)
	return task, nil
}

// AddComment appends a worker comment to a task
func (s *Service) AddComment(ctx context.Context, taskID, text string) (*models.WorkerTask, error) {
	return s.store.UpdateTask(ctx, taskID, func(t *models.WorkerTask) error {
		now := s.now()
		t.Comments = append(t.Comments, models.Comment{Message: text, Timestamp: now})
		t.UpdatedAt = now
		return nil
	})
}

// AddPhoto records a photo proof reference on a task
func (s *Service) AddPhoto(ctx context.Context, taskID, ref string) (*models.WorkerTask, error) {
	return s.store.UpdateTask(ctx, taskID, func(t *models.WorkerTask) error {
		if t.Status == models.StatusCompleted {
			return ErrTaskCompleted
		}
		t.PhotoURLs = append(t.PhotoURLs, ref)
		t.UpdatedAt = s.now()
		return nil
	})
}

func (s *Service) workerName(in *models.Integration, task *models.WorkerTask) string {
	if w, ok := in.Workers.Find(task.WorkerExternalID); ok && w.Name != "" {
		return w.Name
	}
	if task.WorkerExternalID != "" {
		return task.WorkerExternalID
	}
	return "Worker"
}

// notifyOwner messages the integration owner, best effort
func (s *Service) notifyOwner(ctx context.Context, in *models.Integration, text string) {
	if s.messenger == nil || in.OwnerChatID == "" {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.messenger.SendMessage(sendCtx, in.OwnerChatID, text, nil); err != nil {
		s.logger.Warn("failed to notify owner", "integration_id", in.ID, "error", err)
	}
}
