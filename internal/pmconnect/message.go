package pmconnect

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/c.mueller/pm-connect/internal/models"
	"github.com/c.mueller/pm-connect/internal/telegram"
)

const callbackPrefix = "pmc"

// CallbackData encodes an action on a task for an inline button
func CallbackData(action Action, taskID string) string {
	return callbackPrefix + ":" + string(action) + ":" + taskID
}

// ParseCallbackData decodes data produced by CallbackData
func ParseCallbackData(data string) (Action, string, bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != callbackPrefix || parts[2] == "" {
		return "", "", false
	}
	action, ok := ParseAction(parts[1])
	if !ok {
		return "", "", false
	}
	return action, parts[2], true
}

var priorityLabels = map[models.Priority]string{
	models.PriorityLow:    "🟢 Low",
	models.PriorityMedium: "🟡 Medium",
	models.PriorityHigh:   "🟠 High",
	models.PriorityUrgent: "🔴 Urgent",
}

// FormatTask renders the worker message of a task
func FormatTask(in *models.Integration, task *models.WorkerTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 %s\n", task.Title)
	fmt.Fprintf(&b, "From %s · %s\n", in.Platform.DisplayName(), in.Name)
	if label, ok := priorityLabels[task.Priority]; ok {
		fmt.Fprintf(&b, "Priority: %s\n", label)
	}
	if task.DueDate != nil {
		fmt.Fprintf(&b, "Due: %s\n", task.DueDate.Format("Jan 2, 2006 15:04 MST"))
	}
	if task.DestinationAddress != "" {
		fmt.Fprintf(&b, "📍 %s\n", task.DestinationAddress)
	}
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	fmt.Fprintf(&b, "\nStatus: %s", StatusLabel(task.Status))
	if task.Status == models.StatusProblem && task.ProblemDescription != "" {
		fmt.Fprintf(&b, "\nProblem: %s", task.ProblemDescription)
	}
	return b.String()
}

// appURL returns the Mini App link of a task, or "" when no public base url
// is configured. Telegram only opens web apps over https.
func (s *Service) appURL(in *models.Integration, task *models.WorkerTask) string {
	if !strings.HasPrefix(s.baseURL, "https://") {
		return ""
	}
	q := url.Values{}
	q.Set("connect", in.ConnectID)
	q.Set("task", task.ID)
	return strings.TrimRight(s.baseURL, "/") + "/app/task?" + q.Encode()
}

// Keyboard returns the inline buttons offered for the task's status. Completed
// tasks get none.
func Keyboard(task *models.WorkerTask, appURL string) *telegram.InlineKeyboardMarkup {
	open := telegram.InlineKeyboardButton{Text: "👀 Open", CallbackData: CallbackData(ActionView, task.ID)}
	if appURL != "" {
		open = telegram.InlineKeyboardButton{Text: "👀 Open", WebApp: &telegram.WebAppInfo{URL: appURL}}
	}
	start := telegram.InlineKeyboardButton{Text: "🚀 Start", CallbackData: CallbackData(ActionStart, task.ID)}
	done := telegram.InlineKeyboardButton{Text: "✅ Done", CallbackData: CallbackData(ActionDone, task.ID)}
	problem := telegram.InlineKeyboardButton{Text: "⚠️ Problem", CallbackData: CallbackData(ActionProblem, task.ID)}
	resume := telegram.InlineKeyboardButton{Text: "🔄 Resume", CallbackData: CallbackData(ActionResume, task.ID)}

	var rows [][]telegram.InlineKeyboardButton
	switch task.Status {
	case models.StatusSent, models.StatusSeen:
		rows = [][]telegram.InlineKeyboardButton{{open}, {start, done}}
	case models.StatusStarted:
		rows = [][]telegram.InlineKeyboardButton{{problem, done}}
	case models.StatusProblem:
		rows = [][]telegram.InlineKeyboardButton{{resume, done}}
	default:
		return nil
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
}
