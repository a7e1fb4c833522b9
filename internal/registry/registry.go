// Package registry manages integrations and the workers they dispatch to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c.mueller/pm-connect/internal/models"
)

// ErrInvalidInput is returned for requests that fail validation
var ErrInvalidInput = errors.New("invalid input")

// Store persists integrations
type Store interface {
	CreateIntegration(ctx context.Context, in *models.Integration) error
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	GetIntegrationByConnectID(ctx context.Context, connectID string) (*models.Integration, error)
	ListIntegrations(ctx context.Context, ownerChatID string) ([]models.Integration, error)
	UpdateIntegration(ctx context.Context, id string, fn func(*models.Integration) error) (*models.Integration, error)
	HasTasksForWorker(ctx context.Context, integrationID, workerExternalID string) (bool, error)
}

// Registry implements integration and worker management. Every method is
// scoped to the owner's chat id; integrations of other owners read as not found.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a registry on top of store
func New(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// newConnectID returns an unguessable 32 hex character identifier
func newConnectID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func validateSettings(s models.Settings) error {
	if !s.DefaultPriority.Valid() {
		return invalid("unknown default priority %q", s.DefaultPriority)
	}
	if s.LocationIntervalSecs < 0 {
		return invalid("location interval must not be negative")
	}
	if s.LocationWebhookURL != "" {
		u, err := url.Parse(s.LocationWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("location webhook url must be an absolute http(s) url")
		}
	}
	return nil
}

// Create registers a new integration for ownerChatID
func (r *Registry) Create(ctx context.Context, ownerChatID string, input models.CreateIntegrationInput) (*models.Integration, error) {
	if err := models.ValidateChatID(ownerChatID); err != nil {
		return nil, invalid("owner: %v", err)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, invalid("name is required")
	}
	if !input.Platform.Valid() {
		return nil, invalid("unknown platform %q", input.Platform)
	}

	settings := models.DefaultSettings()
	input.Settings.Apply(&settings)
	if err := validateSettings(settings); err != nil {
		return nil, err
	}

	now := r.now()
	in := &models.Integration{
		ID:            uuid.NewString(),
		ConnectID:     newConnectID(),
		Name:          name,
		Platform:      input.Platform,
		OwnerChatID:   ownerChatID,
		CompanyID:     strings.TrimSpace(input.CompanyID),
		Workers:       models.Workers{},
		Settings:      settings,
		IsActive:      true,
		WebhookSecret: input.WebhookSecret,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.CreateIntegration(ctx, in); err != nil {
		return nil, err
	}

	r.logger.Info("integration created", "integration_id", in.ID, "platform", in.Platform, "owner", ownerChatID)
	return in, nil
}

// Get returns one integration of the owner
func (r *Registry) Get(ctx context.Context, ownerChatID, id string) (*models.Integration, error) {
	in, err := r.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.OwnerChatID != ownerChatID {
		return nil, fmt.Errorf("integration %s: %w", id, models.ErrNotFound)
	}
	return in, nil
}

// ByConnectID returns an active integration by its public connect id.
// Inactive integrations read as not found.
func (r *Registry) ByConnectID(ctx context.Context, connectID string) (*models.Integration, error) {
	in, err := r.store.GetIntegrationByConnectID(ctx, connectID)
	if err != nil {
		return nil, err
	}
	if !in.IsActive {
		return nil, fmt.Errorf("integration %s is inactive: %w", connectID, models.ErrNotFound)
	}
	return in, nil
}

// List returns the owner's integrations
func (r *Registry) List(ctx context.Context, ownerChatID string) ([]models.Integration, error) {
	return r.store.ListIntegrations(ctx, ownerChatID)
}

// update runs fn against an integration after checking ownership inside the
// same transaction
func (r *Registry) update(ctx context.Context, ownerChatID, id string, fn func(*models.Integration) error) (*models.Integration, error) {
	return r.store.UpdateIntegration(ctx, id, func(in *models.Integration) error {
		if in.OwnerChatID != ownerChatID {
			return fmt.Errorf("integration %s: %w", id, models.ErrNotFound)
		}
		if err := fn(in); err != nil {
			return err
		}
		in.UpdatedAt = r.now()
		return nil
	})
}

// Update changes the name, company, secret, activity or settings
func (r *Registry) Update(ctx context.Context, ownerChatID, id string, input models.UpdateIntegrationInput) (*models.Integration, error) {
	return r.update(ctx, ownerChatID, id, func(in *models.Integration) error {
		if input.Name != nil {
			name := strings.TrimSpace(*input.Name)
			if name == "" {
				return invalid("name must not be empty")
			}
			in.Name = name
		}
		if input.CompanyID != nil {
			in.CompanyID = strings.TrimSpace(*input.CompanyID)
		}
		if input.WebhookSecret != nil {
			in.WebhookSecret = *input.WebhookSecret
		}
		if input.IsActive != nil {
			in.IsActive = *input.IsActive
		}
		if input.Settings != nil {
			settings := in.Settings
			input.Settings.Apply(&settings)
			if err := validateSettings(settings); err != nil {
				return err
			}
			in.Settings = settings
		}
		return nil
	})
}

// Deactivate soft-deletes an integration; its tasks and stats are kept
func (r *Registry) Deactivate(ctx context.Context, ownerChatID, id string) (*models.Integration, error) {
	in, err := r.update(ctx, ownerChatID, id, func(in *models.Integration) error {
		in.IsActive = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("integration deactivated", "integration_id", id)
	return in, nil
}

// AddWorker maps an external user id onto a worker chat. The chat id is
// validated before anything is written.
func (r *Registry) AddWorker(ctx context.Context, ownerChatID, id string, input models.AddWorkerInput) (*models.Integration, error) {
	if err := models.ValidateChatID(strings.TrimSpace(input.ChatID)); err != nil {
		return nil, err
	}
	in, err := r.update(ctx, ownerChatID, id, func(in *models.Integration) error {
		return in.Workers.Add(models.Worker{
			ExternalID: input.ExternalID,
			Name:       strings.TrimSpace(input.Name),
			ChatID:     input.ChatID,
			AddedAt:    r.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("worker added", "integration_id", id, "worker", input.ExternalID)
	return in, nil
}

// RemoveWorker removes a worker. A worker with task history is deactivated
// instead so past tasks stay attributable; deactivated reports which happened.
func (r *Registry) RemoveWorker(ctx context.Context, ownerChatID, id, externalID string) (in *models.Integration, deactivated bool, err error) {
	hasHistory, err := r.store.HasTasksForWorker(ctx, id, externalID)
	if err != nil {
		return nil, false, err
	}

	in, err = r.update(ctx, ownerChatID, id, func(in *models.Integration) error {
		if hasHistory {
			return in.Workers.Deactivate(externalID)
		}
		return in.Workers.Remove(externalID)
	})
	if err != nil {
		return nil, false, err
	}

	r.logger.Info("worker removed", "integration_id", id, "worker", externalID, "deactivated", hasHistory)
	return in, hasHistory, nil
}
