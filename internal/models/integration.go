package models

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Platform identifies the external project-management tool behind an integration
type Platform string

// Platform constants
const (
	PlatformMonday  Platform = "monday"
	PlatformAsana   Platform = "asana"
	PlatformClickUp Platform = "clickup"
	PlatformTrello  Platform = "trello"
	PlatformNotion  Platform = "notion"
	PlatformOther   Platform = "other"
)

// Platforms lists every supported platform
var Platforms = []Platform{
	PlatformMonday, PlatformAsana, PlatformClickUp, PlatformTrello, PlatformNotion, PlatformOther,
}

// Valid reports whether p is a known platform
func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// DisplayName returns the human readable platform name
func (p Platform) DisplayName() string {
	switch p {
	case PlatformMonday:
		return "Monday"
	case PlatformAsana:
		return "Asana"
	case PlatformClickUp:
		return "ClickUp"
	case PlatformTrello:
		return "Trello"
	case PlatformNotion:
		return "Notion"
	default:
		return "External"
	}
}

var (
	// ErrInvalidChatID is returned when a worker chat identity is not a numeric string
	ErrInvalidChatID = errors.New("invalid chat id: must be a numeric string")
	// ErrDuplicateWorker is returned when a worker with the same external id already exists
	ErrDuplicateWorker = errors.New("worker with this external id already exists")
	// ErrWorkerNotFound is returned when no worker matches the given external id
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrMissingExternalID is returned when a worker is added without an external id
	ErrMissingExternalID = errors.New("worker external id is required")
	// ErrNotFound is returned by stores when a record does not exist
	ErrNotFound = errors.New("not found")
)

var chatIDPattern = regexp.MustCompile(`^[1-9][0-9]{0,19}$`)

// ValidateChatID checks the numeric-string chat identity format
func ValidateChatID(chatID string) error {
	if !chatIDPattern.MatchString(chatID) {
		return ErrInvalidChatID
	}
	return nil
}

// Worker is a field employee mapped from an external-system user id to a chat identity
type Worker struct {
	ExternalID string    `json:"external_id" doc:"User id in the external PM tool"`
	Name       string    `json:"name" doc:"Display name"`
	ChatID     string    `json:"chat_id" doc:"Telegram chat id of the worker"`
	IsActive   bool      `json:"is_active" doc:"Inactive workers receive no new tasks"`
	AddedAt    time.Time `json:"added_at"`
}

// Workers is the worker collection owned by an integration. Mutations go
// through its methods so the chat id format is checked at the boundary.
type Workers []Worker

// Add appends a new active worker
func (ws *Workers) Add(w Worker) error {
	w.ExternalID = strings.TrimSpace(w.ExternalID)
	w.ChatID = strings.TrimSpace(w.ChatID)
	if w.ExternalID == "" {
		return ErrMissingExternalID
	}
	if err := ValidateChatID(w.ChatID); err != nil {
		return err
	}
	for i := range *ws {
		if strings.EqualFold((*ws)[i].ExternalID, w.ExternalID) {
			if (*ws)[i].IsActive {
				return ErrDuplicateWorker
			}
			// Re-adding a deactivated worker reactivates it with the new identity
			(*ws)[i].ChatID = w.ChatID
			(*ws)[i].Name = w.Name
			(*ws)[i].IsActive = true
			return nil
		}
	}
	w.IsActive = true
	*ws = append(*ws, w)
	return nil
}

// Find returns the worker with the given external id
func (ws Workers) Find(externalID string) (Worker, bool) {
	for _, w := range ws {
		if strings.EqualFold(w.ExternalID, externalID) {
			return w, true
		}
	}
	return Worker{}, false
}

// Deactivate marks a worker inactive, keeping it for historical attribution
func (ws Workers) Deactivate(externalID string) error {
	for i := range ws {
		if strings.EqualFold(ws[i].ExternalID, externalID) {
			ws[i].IsActive = false
			return nil
		}
	}
	return ErrWorkerNotFound
}

// Remove deletes a worker from the collection
func (ws *Workers) Remove(externalID string) error {
	for i := range *ws {
		if strings.EqualFold((*ws)[i].ExternalID, externalID) {
			*ws = append((*ws)[:i], (*ws)[i+1:]...)
			return nil
		}
	}
	return ErrWorkerNotFound
}

// Active returns the active workers
func (ws Workers) Active() []Worker {
	active := make([]Worker, 0, len(ws))
	for _, w := range ws {
		if w.IsActive {
			active = append(active, w)
		}
	}
	return active
}

// Resolve maps an external assignee to an active worker. Matching is by
// external id first, then by display name. When the payload names nobody and
// exactly one active worker exists, that worker is used.
func (ws Workers) Resolve(externalID, name string) (Worker, bool) {
	active := ws.Active()
	externalID = strings.TrimSpace(externalID)
	name = strings.TrimSpace(name)

	if externalID != "" {
		for _, w := range active {
			if strings.EqualFold(w.ExternalID, externalID) {
				return w, true
			}
		}
	}
	if name != "" {
		for _, w := range active {
			if w.Name != "" && strings.EqualFold(w.Name, name) {
				return w, true
			}
		}
	}
	if externalID == "" && name == "" && len(active) == 1 {
		return active[0], true
	}
	return Worker{}, false
}

// Settings controls how tasks of an integration behave
type Settings struct {
	AutoStartOnView      bool     `json:"auto_start_on_view" doc:"Viewing a task starts it directly"`
	RequirePhotoProof    bool     `json:"require_photo_proof" doc:"Completion requires at least one photo"`
	NotifyOnProblem      bool     `json:"notify_on_problem" doc:"Notify the owner when a worker reports a problem"`
	LocationTracking     bool     `json:"location_tracking" doc:"Track worker location while a task is started"`
	LocationIntervalSecs int      `json:"location_interval_secs" doc:"Minimum seconds between outbound location webhooks"`
	LocationWebhookURL   string   `json:"location_webhook_url,omitempty" doc:"Optional URL receiving location updates"`
	DefaultPriority      Priority `json:"default_priority" doc:"Priority used when the payload carries none"`
}

// DefaultSettings returns the settings of a freshly created integration
func DefaultSettings() Settings {
	return Settings{
		NotifyOnProblem:      true,
		LocationIntervalSecs: 60,
		DefaultPriority:      PriorityMedium,
	}
}

// Stats aggregates dispatch statistics of an integration
type Stats struct {
	TasksSent           int64   `json:"tasks_sent" db:"tasks_sent"`
	TasksCompleted      int64   `json:"tasks_completed" db:"tasks_completed"`
	AvgResponseTimeMins float64 `json:"avg_response_time_mins" db:"avg_response_time_mins"`
}

// Integration is one connection to an external PM tool
type Integration struct {
	ID          string   `json:"id"`
	ConnectID   string   `json:"connect_id"`
	Name        string   `json:"name"`
	Platform    Platform `json:"platform"`
	OwnerChatID string   `json:"owner_chat_id"`
	CompanyID   string   `json:"company_id,omitempty"`
	Workers     Workers  `json:"workers"`
	Settings    Settings `json:"settings"`
	Stats       Stats    `json:"stats"`
	IsActive    bool     `json:"is_active"`

	// WebhookSecret verifies signed intake requests; never shown on public endpoints
	WebhookSecret string    `json:"webhook_secret,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SettingsPatch is a partial settings update; nil fields are left untouched
type SettingsPatch struct {
	AutoStartOnView      *bool     `json:"auto_start_on_view,omitempty"`
	RequirePhotoProof    *bool     `json:"require_photo_proof,omitempty"`
	NotifyOnProblem      *bool     `json:"notify_on_problem,omitempty"`
	LocationTracking     *bool     `json:"location_tracking,omitempty"`
	LocationIntervalSecs *int      `json:"location_interval_secs,omitempty" minimum:"0"`
	LocationWebhookURL   *string   `json:"location_webhook_url,omitempty"`
	DefaultPriority      *Priority `json:"default_priority,omitempty" enum:"low,medium,high,urgent"`
}

// Apply copies the set fields of the patch onto s
func (p *SettingsPatch) Apply(s *Settings) {
	if p == nil {
		return
	}
	if p.AutoStartOnView != nil {
		s.AutoStartOnView = *p.AutoStartOnView
	}
	if p.RequirePhotoProof != nil {
		s.RequirePhotoProof = *p.RequirePhotoProof
	}
	if p.NotifyOnProblem != nil {
		s.NotifyOnProblem = *p.NotifyOnProblem
	}
	if p.LocationTracking != nil {
		s.LocationTracking = *p.LocationTracking
	}
	if p.LocationIntervalSecs != nil {
		s.LocationIntervalSecs = *p.LocationIntervalSecs
	}
	if p.LocationWebhookURL != nil {
		s.LocationWebhookURL = strings.TrimSpace(*p.LocationWebhookURL)
	}
	if p.DefaultPriority != nil {
		s.DefaultPriority = *p.DefaultPriority
	}
}

// CreateIntegrationInput represents the input for creating an integration
type CreateIntegrationInput struct {
	Name          string         `json:"name" minLength:"1" maxLength:"120" doc:"Integration name"`
	Platform      Platform       `json:"platform" enum:"monday,asana,clickup,trello,notion,other" doc:"External platform"`
	CompanyID     string         `json:"company_id,omitempty" doc:"Company receiving webhook events for this integration"`
	WebhookSecret string         `json:"webhook_secret,omitempty" doc:"Shared secret for signed intake requests"`
	Settings      *SettingsPatch `json:"settings,omitempty" doc:"Initial settings"`
}

// UpdateIntegrationInput represents the input for updating an integration
type UpdateIntegrationInput struct {
	Name          *string        `json:"name,omitempty" minLength:"1" maxLength:"120"`
	CompanyID     *string        `json:"company_id,omitempty"`
	WebhookSecret *string        `json:"webhook_secret,omitempty"`
	IsActive      *bool          `json:"is_active,omitempty" doc:"Inactive integrations reject intake"`
	Settings      *SettingsPatch `json:"settings,omitempty"`
}

// AddWorkerInput represents the input for adding a worker
type AddWorkerInput struct {
	ExternalID string `json:"external_id" minLength:"1" maxLength:"120" doc:"User id in the external PM tool"`
	Name       string `json:"name,omitempty" maxLength:"120"`
	ChatID     string `json:"chat_id" doc:"Numeric Telegram chat id"`
}
