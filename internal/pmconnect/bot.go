package pmconnect

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/c.mueller/pm-connect/internal/models"
	"github.com/c.mueller/pm-connect/internal/telegram"
)

// HandleUpdate processes one inbound bot update. It never fails: unknown
// input and errors are acknowledged and logged so the transport can move on.
func (s *Service) HandleUpdate(ctx context.Context, u telegram.Update) {
	switch {
	case u.CallbackQuery != nil:
		s.metrics.BotUpdate("callback")
		s.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		s.handleMessage(ctx, u.Message, false)
	case u.EditedMessage != nil:
		s.handleMessage(ctx, u.EditedMessage, true)
	default:
		s.metrics.BotUpdate("ignored")
	}
}

func chatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (s *Service) handleCallback(ctx context.Context, q *telegram.CallbackQuery) {
	answer := ""
	defer func() {
		if s.messenger == nil {
			return
		}
		ackCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.messenger.AnswerCallbackQuery(ackCtx, q.ID, answer); err != nil {
			s.logger.Warn("failed to answer callback", "callback_id", q.ID, "error", err)
		}
	}()

	action, taskID, ok := ParseCallbackData(q.Data)
	if !ok {
		s.logger.Debug("ignoring unknown callback data", "data", q.Data)
		return
	}
	chat := chatID(q.From.ID)
	if q.Message != nil {
		chat = chatID(q.Message.Chat.ID)
	}

	res, err := s.Transition(ctx, taskID, chat, action)
	if err != nil {
		answer = errorReply(err)
		s.logger.Info("callback rejected", "task_id", taskID, "action", action, "error", err)
		return
	}
	s.focus.SetFocus(chat, taskID)
	if res.Changed {
		answer = StatusLabel(res.To)
	}
	if res.To == models.StatusProblem && res.Changed {
		s.reply(ctx, chat, "⚠️ Please describe the problem in your next message.")
	}
}

func (s *Service) handleMessage(ctx context.Context, m *telegram.Message, edited bool) {
	chat := chatID(m.Chat.ID)

	if m.Location != nil {
		s.metrics.BotUpdate("location")
		s.handleLocation(ctx, chat, m, edited)
		return
	}
	if edited {
		s.metrics.BotUpdate("ignored")
		return
	}
	if fileID, ok := m.LargestPhoto(); ok {
		s.metrics.BotUpdate("photo")
		s.handlePhoto(ctx, chat, fileID, strings.TrimSpace(m.Caption))
		return
	}

	text := strings.TrimSpace(m.Text)
	if text == "" {
		s.metrics.BotUpdate("ignored")
		return
	}
	if commandWord(text) == entryCommand {
		s.metrics.BotUpdate("command")
		s.handleEntry(ctx, chat)
		return
	}
	if action, ok := parseCommand(text); ok {
		s.metrics.BotUpdate("command")
		s.handleCommand(ctx, chat, action)
		return
	}
	s.metrics.BotUpdate("text")
	s.handleText(ctx, chat, text)
}

// entryCommand is what Telegram sends when a user opens the bot, optionally
// followed by a deep-link payload
const entryCommand = "/start"

// commandWord returns the lowercased first word of text without a trailing
// @botname on slash commands
func commandWord(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	word := fields[0]
	if i := strings.IndexByte(word, '@'); i > 0 && strings.HasPrefix(word, "/") {
		word = word[:i]
	}
	return strings.ToLower(word)
}

// parseCommand recognises the text commands workers may type instead of
// pressing a button: start, done, problem and their slash forms. /start
// itself opens the bot and never changes a task.
func parseCommand(text string) (Action, bool) {
	word := commandWord(text)
	if word == "" || word == entryCommand {
		return "", false
	}
	if len(strings.Fields(text)) > 1 && !strings.HasPrefix(word, "/") {
		return "", false
	}
	action, ok := ParseAction(word)
	if !ok || action == ActionView {
		return "", false
	}
	return action, true
}

// handleEntry answers /start. Open tasks of the chat that could not be
// delivered so far are sent now.
func (s *Service) handleEntry(ctx context.Context, chat string) {
	tasks, err := s.store.ListTasks(ctx, models.TaskFilter{
		WorkerChatID: chat, Open: true, Undelivered: true, Limit: entryBatch,
	})
	if err != nil {
		s.logger.Error("failed to list undelivered tasks", "chat_id", chat, "error", err)
		return
	}
	if n := s.redeliver(ctx, tasks); n > 0 {
		s.logger.Info("delivered deferred tasks on bot start", "chat_id", chat, "count", n)
		return
	}
	s.reply(ctx, chat, "👋 You are connected. New tasks will show up here.")
}

const entryBatch = 20

// focusedTask resolves the task a chat is acting on: the focused task when it
// is still open, otherwise the newest open task assigned to the chat
func (s *Service) focusedTask(ctx context.Context, chat string) (*models.WorkerTask, error) {
	if id, ok := s.focus.Focus(chat); ok {
		task, err := s.store.GetTask(ctx, id)
		if err == nil && task.WorkerChatID == chat && task.Status != models.StatusCompleted {
			return task, nil
		}
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		s.focus.ClearFocus(chat, id)
	}
	tasks, err := s.store.ListTasks(ctx, models.TaskFilter{WorkerChatID: chat, Open: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, models.ErrNotFound
	}
	s.focus.SetFocus(chat, tasks[0].ID)
	return &tasks[0], nil
}

func (s *Service) handleCommand(ctx context.Context, chat string, action Action) {
	task, err := s.focusedTask(ctx, chat)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.reply(ctx, chat, "You have no open tasks.")
			return
		}
		s.logger.Error("failed to resolve task for command", "chat_id", chat, "error", err)
		return
	}

	// The worker has never received this task; show it instead of acting on it
	if !task.Delivered() {
		if s.redeliver(ctx, []models.WorkerTask{*task}) > 0 {
			s.reply(ctx, chat, "📬 Here is your task. Use its buttons once you have read it.")
		}
		return
	}

	res, err := s.Transition(ctx, task.ID, chat, action)
	if err != nil {
		s.reply(ctx, chat, errorReply(err))
		return
	}
	if !res.Changed {
		return
	}
	switch res.To {
	case models.StatusStarted:
		s.reply(ctx, chat, "🚀 Started: "+task.Title)
	case models.StatusProblem:
		s.reply(ctx, chat, "⚠️ Please describe the problem in your next message.")
	case models.StatusCompleted:
		s.reply(ctx, chat, "✅ Completed: "+task.Title)
	}
}

func (s *Service) handleText(ctx context.Context, chat, text string) {
	task, err := s.focusedTask(ctx, chat)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to resolve task for message", "chat_id", chat, "error", err)
		}
		return
	}

	if task.AwaitingProblem {
		if _, err := s.CaptureProblem(ctx, task.ID, text); err != nil {
			s.logger.Warn("failed to capture problem", "task_id", task.ID, "error", err)
			return
		}
		s.reply(ctx, chat, "📝 Problem noted. Tap Resume when you can continue.")
		return
	}
	if _, err := s.AddComment(ctx, task.ID, text); err != nil {
		s.logger.Warn("failed to add comment", "task_id", task.ID, "error", err)
	}
}

func (s *Service) handlePhoto(ctx context.Context, chat, fileID, caption string) {
	task, err := s.focusedTask(ctx, chat)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.reply(ctx, chat, "You have no open tasks.")
			return
		}
		s.logger.Error("failed to resolve task for photo", "chat_id", chat, "error", err)
		return
	}
	if _, err := s.AddPhoto(ctx, task.ID, PhotoRef(fileID)); err != nil {
		s.logger.Warn("failed to add photo", "task_id", task.ID, "error", err)
		return
	}
	if caption != "" {
		if _, err := s.AddComment(ctx, task.ID, caption); err != nil {
			s.logger.Warn("failed to add caption", "task_id", task.ID, "error", err)
		}
	}
	s.reply(ctx, chat, "📷 Photo saved.")
}

// PhotoRef is the stored reference of a photo sent through the bot
func PhotoRef(fileID string) string {
	return "tg-file:" + fileID
}

func (s *Service) handleLocation(ctx context.Context, chat string, m *telegram.Message, edited bool) {
	task, err := s.focusedTask(ctx, chat)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to resolve task for location", "chat_id", chat, "error", err)
		}
		return
	}

	at := m.Date
	if edited && m.EditDate != 0 {
		at = m.EditDate
	}
	p := models.LocationPoint{
		Lat:      m.Location.Latitude,
		Lng:      m.Location.Longitude,
		Accuracy: m.Location.HorizontalAccuracy,
		Heading:  m.Location.Heading,
	}
	if at != 0 {
		p.Timestamp = time.Unix(at, 0).UTC()
	}

	if _, err := s.RecordLocation(ctx, task.ID, chat, p); err != nil {
		if errors.Is(err, ErrTrackingInactive) {
			if !edited {
				s.reply(ctx, chat, "Location tracking starts once the task is started.")
			}
			return
		}
		s.logger.Warn("failed to record location", "task_id", task.ID, "error", err)
	}
}

func (s *Service) reply(ctx context.Context, chat, text string) {
	if s.messenger == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.messenger.SendMessage(sendCtx, chat, text, nil); err != nil {
		s.logger.Warn("failed to reply", "chat_id", chat, "error", err)
	}
}

// errorReply turns a transition error into a message for the worker
func errorReply(err error) string {
	switch {
	case errors.Is(err, ErrTaskCompleted):
		return "This task is already completed."
	case errors.Is(err, ErrPhotoRequired):
		return "📷 Please send a photo before completing this task."
	case errors.Is(err, ErrNotAssigned):
		return "This task is not assigned to you."
	case errors.Is(err, models.ErrNotFound):
		return "Task not found."
	case errors.Is(err, ErrInvalidTransition):
		return "That is not possible in the task's current state."
	}
	return "Something went wrong, please try again."
}
