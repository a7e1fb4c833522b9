// Package pmconnect implements the field-worker core: webhook intake,
// task dispatch over the chat bot, the task status state machine and
// location tracking.
package pmconnect

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/c.mueller/pm-connect/internal/events"
	"github.com/c.mueller/pm-connect/internal/metrics"
	"github.com/c.mueller/pm-connect/internal/models"
	"github.com/c.mueller/pm-connect/internal/normalize"
	"github.com/c.mueller/pm-connect/internal/telegram"
	"github.com/c.mueller/pm-connect/internal/tracking"
)

var (
	// ErrInvalidTransition is returned for status changes the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTaskCompleted is returned for any change to a completed task
	ErrTaskCompleted = errors.New("task is already completed")
	// ErrNoMatchingWorker is returned when an intake payload names no active worker
	ErrNoMatchingWorker = errors.New("no matching worker")
	// ErrTrackingInactive is returned for location points on a task that is not tracked
	ErrTrackingInactive = errors.New("location tracking is not active for this task")
	// ErrNotAssigned is returned when a chat acts on a task assigned to someone else
	ErrNotAssigned = errors.New("task is not assigned to this worker")
	// ErrPhotoRequired is returned when completion needs a photo that was never sent
	ErrPhotoRequired = errors.New("a photo is required before completing this task")
	// ErrInvalidSignature is returned for intake requests with a bad or missing signature
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidLocation is returned for coordinates outside the valid range
	ErrInvalidLocation = errors.New("invalid coordinates")
)

// Store persists integrations and worker tasks
type Store interface {
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	GetIntegrationByConnectID(ctx context.Context, connectID string) (*models.Integration, error)
	UpdateIntegration(ctx context.Context, id string, fn func(*models.Integration) error) (*models.Integration, error)
	IncrementTasksSent(ctx context.Context, id string) error
	RecordCompletion(ctx context.Context, id string, responseMins float64) error
	CreateOrGetTask(ctx context.Context, task *models.WorkerTask) (*models.WorkerTask, bool, error)
	GetTask(ctx context.Context, id string) (*models.WorkerTask, error)
	UpdateTask(ctx context.Context, id string, fn func(*models.WorkerTask) error) (*models.WorkerTask, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.WorkerTask, error)
}

// Messenger delivers messages to worker and owner chats. *telegram.Client
// implements it.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string, markup *telegram.InlineKeyboardMarkup) (*telegram.Message, error)
	EditMessageText(ctx context.Context, chatID string, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

var _ Messenger = (*telegram.Client)(nil)

// Options configure a Service
type Options struct {
	// HistoryLimit caps the stored location history per task
	HistoryLimit int
	// PublicBaseURL enables Mini App buttons when set
	PublicBaseURL string
	// SendTimeout bounds every outbound call
	SendTimeout time.Duration
	// HTTPClient posts location webhooks
	HTTPClient *http.Client
	// Focus maps worker chats to the task they are working on
	Focus FocusStore
}

// Service is the task core. It is safe for concurrent use.
type Service struct {
	store      Store
	messenger  Messenger
	focus      FocusStore
	normalizer *normalize.Normalizer
	tracker    *tracking.Tracker
	events     events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	client     *http.Client
	baseURL    string
	timeout    time.Duration
	now        func() time.Time

	wg sync.WaitGroup
}

// New creates a service. A nil messenger defers every delivery; a nil
// publisher drops events.
func New(store Store, messenger Messenger, publisher events.Publisher, m *metrics.Metrics, logger *slog.Logger, opts Options) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Focus == nil {
		opts.Focus = NewMemoryFocus()
	}
	return &Service{
		store:      store,
		messenger:  messenger,
		focus:      opts.Focus,
		normalizer: normalize.New(),
		tracker:    tracking.NewTracker(opts.HistoryLimit),
		events:     publisher,
		metrics:    m,
		logger:     logger,
		client:     opts.HTTPClient,
		baseURL:    opts.PublicBaseURL,
		timeout:    opts.SendTimeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Wait blocks until background location webhooks have finished
func (s *Service) Wait() {
	s.wg.Wait()
}

// publish emits a task event scoped to the integration's company
func (s *Service) publish(in *models.Integration, name string, data any) {
	s.events.Publish(events.Event{
		Name:      name,
		CompanyID: in.CompanyID,
		Data:      data,
		Time:      s.now(),
	})
}

// Lookup returns a task together with its integration, addressed through the
// integration's public connect id
func (s *Service) Lookup(ctx context.Context, connectID, taskID string) (*models.Integration, *models.WorkerTask, error) {
	in, err := s.store.GetIntegrationByConnectID(ctx, connectID)
	if err != nil {
		return nil, nil, err
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.IntegrationID != in.ID {
		return nil, nil, models.ErrNotFound
	}
	return in, task, nil
}
