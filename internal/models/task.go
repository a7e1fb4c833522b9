package models

import (
	"strings"
	"time"
)

// Priority of a worker task
type Priority string

// Priority constants
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ParsePriority maps the priority vocabularies used by PM tools onto the
// four canonical levels. It reports false for unrecognised input.
func ParsePriority(raw string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low", "lowest", "minor", "trivial", "p4", "p5", "sev4", "4":
		return PriorityLow, true
	case "medium", "normal", "moderate", "default", "p3", "sev3", "3":
		return PriorityMedium, true
	case "high", "major", "important", "p2", "sev2", "2":
		return PriorityHigh, true
	case "urgent", "critical", "highest", "blocker", "asap", "p0", "p1", "sev1", "sev0", "1":
		return PriorityUrgent, true
	}
	return "", false
}

// Status of a worker task
type Status string

// Status constants
const (
	StatusSent      Status = "sent"
	StatusSeen      Status = "seen"
	StatusStarted   Status = "started"
	StatusProblem   Status = "problem"
	StatusCompleted Status = "completed"
)

// LatLng is a coordinate pair in decimal degrees
type LatLng struct {
	Lat float64 `json:"lat" minimum:"-90" maximum:"90"`
	Lng float64 `json:"lng" minimum:"-180" maximum:"180"`
}

// LocationPoint is an immutable GPS sample
type LocationPoint struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LatLng returns the coordinate of the point
func (p LocationPoint) LatLng() LatLng {
	return LatLng{Lat: p.Lat, Lng: p.Lng}
}

// LocationTracking is the tracking sub-document of a worker task
type LocationTracking struct {
	Enabled             bool            `json:"enabled"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	StoppedAt           *time.Time      `json:"stopped_at,omitempty"`
	CurrentLocation     *LocationPoint  `json:"current_location,omitempty"`
	History             []LocationPoint `json:"history,omitempty"`
	TotalDistanceMeters float64         `json:"total_distance_meters"`
	LastWebhookSentAt   *time.Time      `json:"last_webhook_sent_at,omitempty"`
}

// Comment is a free-text message a worker attached to a task
type Comment struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkerTask is one task delivered to one field worker
type WorkerTask struct {
	ID                 string           `json:"id"`
	IntegrationID      string           `json:"integration_id"`
	ExternalTaskID     string           `json:"external_task_id"`
	ExternalBoardID    string           `json:"external_board_id,omitempty"`
	WorkerChatID       string           `json:"worker_chat_id,omitempty"`
	WorkerExternalID   string           `json:"worker_external_id,omitempty"`
	Title              string           `json:"title"`
	Description        string           `json:"description,omitempty"`
	DestinationAddress string           `json:"destination_address,omitempty"`
	Destination        *LatLng          `json:"destination,omitempty"`
	DueDate            *time.Time       `json:"due_date,omitempty"`
	Priority           Priority         `json:"priority"`
	Status             Status           `json:"status"`
	ProblemDescription string           `json:"problem_description,omitempty"`
	AwaitingProblem    bool             `json:"awaiting_problem,omitempty"`
	PhotoURLs          []string         `json:"photo_urls,omitempty"`
	Comments           []Comment        `json:"comments,omitempty"`
	MessageID          int64            `json:"message_id,omitempty"`
	DeliveryError      string           `json:"delivery_error,omitempty"`
	SentAt             time.Time        `json:"sent_at"`
	SeenAt             *time.Time       `json:"seen_at,omitempty"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	LocationTracking   LocationTracking `json:"location_tracking"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Delivered reports whether the task reached a worker chat
func (t *WorkerTask) Delivered() bool {
	return t.MessageID != 0
}

// NormalizedTask is the canonical task-creation record produced from an
// external webhook payload
type NormalizedTask struct {
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Priority           Priority   `json:"priority"`
	DueDate            *time.Time `json:"due_date,omitempty"`
	DestinationAddress string     `json:"destination_address,omitempty"`
	Destination        *LatLng    `json:"destination,omitempty"`
	ExternalTaskID     string     `json:"external_task_id"`
	ExternalBoardID    string     `json:"external_board_id,omitempty"`
	AssigneeExternalID string     `json:"assignee_external_id,omitempty"`
	AssigneeName       string     `json:"assignee_name,omitempty"`

	// Set when the payload carried no title or priority and a fallback was used
	TitleDefaulted    bool `json:"-"`
	PriorityDefaulted bool `json:"-"`
}

// NamesAssignee reports whether the payload identified an assignee
func (t NormalizedTask) NamesAssignee() bool {
	return strings.TrimSpace(t.AssigneeExternalID) != "" || strings.TrimSpace(t.AssigneeName) != ""
}

// TaskFilter controls filtering and pagination for task queries
type TaskFilter struct {
	IntegrationID string
	WorkerChatID  string
	Status        Status
	Open          bool // excludes completed tasks
	Undelivered   bool // assigned tasks whose message never reached the worker
	Limit         int
	Offset        int
}
