package pmconnect

import "sync"

// FocusStore remembers which task a worker chat is currently acting on.
// Text commands without a task id apply to the focused task.
type FocusStore interface {
	Focus(chatID string) (taskID string, ok bool)
	SetFocus(chatID, taskID string)
	ClearFocus(chatID, taskID string)
}

// MemoryFocus is a process-local FocusStore
type MemoryFocus struct {
	mu    sync.Mutex
	tasks map[string]string
}

// NewMemoryFocus creates an empty focus store
func NewMemoryFocus() *MemoryFocus {
	return &MemoryFocus{tasks: make(map[string]string)}
}

func (f *MemoryFocus) Focus(chatID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tasks[chatID]
	return id, ok
}

func (f *MemoryFocus) SetFocus(chatID, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[chatID] = taskID
}

// ClearFocus drops the focus of chatID if it still points at taskID
func (f *MemoryFocus) ClearFocus(chatID, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tasks[chatID] == taskID {
		delete(f.tasks, chatID)
	}
}
