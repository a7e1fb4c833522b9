package models

import (
	"encoding/json"
	"time"
)

// Event names delivered to company webhooks
const (
	EventAll = "*"

	EventTaskCreated       = "task.created"
	EventTaskUpdated       = "task.updated"
	EventTaskStatusChanged = "task.status_changed"
	EventTaskCompleted     = "task.completed"
	EventTaskProblem       = "task.problem"
	EventProjectCreated    = "project.created"
	EventProjectUpdated    = "project.updated"
	EventMemberJoined      = "member.joined"
	EventMemberLeft        = "member.left"
	EventTimeStarted       = "time_tracking.started"
	EventTimeStopped       = "time_tracking.stopped"
	EventWebhookTest       = "webhook.test"
)

// KnownEvents lists every event a webhook may subscribe to
var KnownEvents = []string{
	EventTaskCreated, EventTaskUpdated, EventTaskStatusChanged, EventTaskCompleted, EventTaskProblem,
	EventProjectCreated, EventProjectUpdated, EventMemberJoined, EventMemberLeft,
	EventTimeStarted, EventTimeStopped,
}

// IsKnownEvent reports whether name is a subscribable event
func IsKnownEvent(name string) bool {
	if name == EventAll {
		return true
	}
	for _, e := range KnownEvents {
		if e == name {
			return true
		}
	}
	return false
}

// Webhook is an external URL registered by a company to receive events
type Webhook struct {
	ID              string     `json:"id"`
	CompanyID       string     `json:"company_id"`
	URL             string     `json:"url"`
	Secret          string     `json:"secret,omitempty"`
	Events          []string   `json:"events"`
	Enabled         bool       `json:"enabled"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Subscribes reports whether the webhook wants the event
func (w *Webhook) Subscribes(event string) bool {
	for _, e := range w.Events {
		if e == EventAll || e == event {
			return true
		}
	}
	return false
}

// Redacted returns a copy without the signing secret
func (w Webhook) Redacted() Webhook {
	if w.Secret != "" {
		w.Secret = "********"
	}
	return w
}

// Envelope is the JSON body POSTed to webhooks
type Envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	CompanyID string    `json:"companyId"`
	Data      any       `json:"data"`
}

// Delivery is one logged attempt to deliver an envelope to a webhook
type Delivery struct {
	ID         string          `json:"id"`
	WebhookID  string          `json:"webhook_id"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	StatusCode int             `json:"status_code"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Attempt    int             `json:"attempt"`
	CreatedAt  time.Time       `json:"created_at"`
}

// CreateWebhookInput represents the input for registering a webhook
type CreateWebhookInput struct {
	URL    string   `json:"url" format:"uri" minLength:"8" doc:"Destination URL"`
	Secret string   `json:"secret,omitempty" doc:"HMAC-SHA256 signing secret"`
	Events []string `json:"events" minItems:"1" doc:"Subscribed events, or * for all"`
}

// UpdateWebhookInput represents the input for updating a webhook
type UpdateWebhookInput struct {
	URL     *string  `json:"url,omitempty" format:"uri"`
	Secret  *string  `json:"secret,omitempty"`
	Events  []string `json:"events,omitempty"`
	Enabled *bool    `json:"enabled,omitempty" doc:"Re-enabling resets the failure counter"`
}
