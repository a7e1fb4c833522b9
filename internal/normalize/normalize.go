// Package normalize maps webhook payloads of external project-management
// tools onto one canonical task record.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/c.mueller/pm-connect/internal/models"
)

var (
	// ErrMalformedPayload is returned when the body is not a JSON object
	ErrMalformedPayload = errors.New("payload is not a JSON object")
	// ErrUnrecognizedPayload is returned when no task fields could be extracted
	ErrUnrecognizedPayload = errors.New("payload carries no recognizable task fields")
)

// PlatformAdapter extracts a task from one platform's payload shapes. It
// reports false when the payload does not look like any shape it knows.
type PlatformAdapter interface {
	Platform() models.Platform
	Normalize(payload map[string]any) (models.NormalizedTask, bool)
}

const maxTitleRunes = 500

// Normalizer dispatches payloads to the adapter of the integration's platform
// and falls back to the generic extractor
type Normalizer struct {
	adapters map[models.Platform]PlatformAdapter
	generic  PlatformAdapter
}

// New creates a normalizer with adapters for every supported platform
func New() *Normalizer {
	n := &Normalizer{
		adapters: make(map[models.Platform]PlatformAdapter),
		generic:  genericAdapter{},
	}
	for _, a := range []PlatformAdapter{
		mondayAdapter{},
		asanaAdapter{},
		clickUpAdapter{},
		trelloAdapter{},
		notionAdapter{},
	} {
		n.adapters[a.Platform()] = a
	}
	return n
}

// Decode parses a webhook body into a JSON object, keeping numbers exact
func Decode(body []byte) (object, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	m, ok := asObject(v)
	if !ok {
		return nil, ErrMalformedPayload
	}
	return m, nil
}

// Challenge returns the verification challenge of a handshake request
// (Monday posts {"challenge": "..."} when a webhook is registered)
func Challenge(body []byte) (string, bool) {
	payload, err := Decode(body)
	if err != nil {
		return "", false
	}
	challenge := payload.str("challenge")
	if challenge == "" || len(payload) != 1 {
		return "", false
	}
	return challenge, true
}

// Normalize converts body into a canonical task. Missing priority falls back
// to defaultPriority and a missing title to a deterministic placeholder.
func (n *Normalizer) Normalize(platform models.Platform, body []byte, defaultPriority models.Priority) (models.NormalizedTask, error) {
	payload, err := Decode(body)
	if err != nil {
		return models.NormalizedTask{}, err
	}

	var task models.NormalizedTask
	ok := false
	if adapter, found := n.adapters[platform]; found {
		task, ok = adapter.Normalize(payload)
	}
	if !ok {
		task, ok = n.generic.Normalize(payload)
	}
	if !ok {
		return models.NormalizedTask{}, ErrUnrecognizedPayload
	}

	finalize(&task, platform, defaultPriority)
	return task, nil
}

func finalize(task *models.NormalizedTask, platform models.Platform, defaultPriority models.Priority) {
	task.Title = strings.TrimSpace(task.Title)
	task.Description = strings.TrimSpace(task.Description)
	task.DestinationAddress = strings.TrimSpace(task.DestinationAddress)

	if !task.Priority.Valid() {
		task.PriorityDefaulted = true
		task.Priority = defaultPriority
	}
	if !task.Priority.Valid() {
		task.Priority = models.PriorityMedium
	}

	if task.Title == "" {
		task.TitleDefaulted = true
		if task.ExternalTaskID != "" {
			task.Title = fmt.Sprintf("%s task %s", platform.DisplayName(), task.ExternalTaskID)
		} else {
			task.Title = fmt.Sprintf("New %s task", platform.DisplayName())
		}
	}
	if r := []rune(task.Title); len(r) > maxTitleRunes {
		task.Title = string(r[:maxTitleRunes])
	}
}

// priorityFrom parses a label and returns the empty priority when unknown
func priorityFrom(raw string) models.Priority {
	p, _ := models.ParsePriority(raw)
	return p
}
