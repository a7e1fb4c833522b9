package pmconnect

import (
	"fmt"
	"strings"

	"github.com/c.mueller/pm-connect/internal/models"
)

// Action is a worker input that may change a task's status
type Action string

// Action constants
const (
	ActionView    Action = "view"
	ActionStart   Action = "start"
	ActionProblem Action = "problem"
	ActionResume  Action = "resume"
	ActionDone    Action = "done"
)

// ParseAction maps callback data and text commands to an action
func ParseAction(raw string) (Action, bool) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "/")) {
	case "view", "open":
		return ActionView, true
	case "start":
		return ActionStart, true
	case "problem":
		return ActionProblem, true
	case "resume":
		return ActionResume, true
	case "done":
		return ActionDone, true
	}
	return "", false
}

// allowed lists the forward edges of the state machine. Re-entering the
// current state is handled separately as a no-op.
var allowed = map[models.Status][]models.Status{
	models.StatusSent:    {models.StatusSeen, models.StatusStarted, models.StatusCompleted},
	models.StatusSeen:    {models.StatusStarted, models.StatusCompleted},
	models.StatusStarted: {models.StatusProblem, models.StatusCompleted},
	models.StatusProblem: {models.StatusStarted, models.StatusCompleted},
}

// CanTransition reports whether a task may move from one status to another.
// Completed tasks reject everything, including completing again.
func CanTransition(from, to models.Status) error {
	if from == models.StatusCompleted {
		return ErrTaskCompleted
	}
	if from == to {
		return nil
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Target returns the status action leads to from current. Viewing only
// promotes unseen tasks; for any other status it leaves the task unchanged.
func Target(current models.Status, action Action, autoStartOnView bool) (models.Status, error) {
	switch action {
	case ActionView:
		if current != models.StatusSent {
			if current == models.StatusCompleted {
				return current, ErrTaskCompleted
			}
			return current, nil
		}
		if autoStartOnView {
			return models.StatusStarted, nil
		}
		return models.StatusSeen, nil
	case ActionStart:
		return models.StatusStarted, nil
	case ActionProblem:
		return models.StatusProblem, nil
	case ActionResume:
		if current != models.StatusProblem && current != models.StatusCompleted && current != models.StatusStarted {
			return current, fmt.Errorf("%w: nothing to resume from %s", ErrInvalidTransition, current)
		}
		return models.StatusStarted, nil
	case ActionDone:
		return models.StatusCompleted, nil
	}
	return current, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
}

// StatusLabel is the worker facing name of a status
func StatusLabel(s models.Status) string {
	switch s {
	case models.StatusSent:
		return "📨 New"
	case models.StatusSeen:
		return "👀 Seen"
	case models.StatusStarted:
		return "🚀 In progress"
	case models.StatusProblem:
		return "⚠️ Problem"
	case models.StatusCompleted:
		return "✅ Completed"
	}
	return string(s)
}
