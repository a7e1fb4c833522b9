package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c.mueller/pm-connect/internal/database/dbtest"
	"github.com/c.mueller/pm-connect/internal/models"
)

const owner = "1001"

func ptr[T any](v T) *T { return &v }

func setup(t *testing.T) (*Registry, *models.Integration) {
	t.Helper()
	db := dbtest.New(t)
	r := New(db, nil)
	in, err := r.Create(context.Background(), owner, models.CreateIntegrationInput{
		Name:     "Installers",
		Platform: models.PlatformMonday,
	})
	require.NoError(t, err)
	return r, in
}

func TestCreate(t *testing.T) {
	r, in := setup(t)

	assert.Len(t, in.ConnectID, 32)
	assert.NotContains(t, in.ConnectID, "-")
	assert.True(t, in.IsActive)
	assert.Equal(t, models.DefaultSettings(), in.Settings)

	got, err := r.Get(context.Background(), owner, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.ConnectID, got.ConnectID)
}

func TestCreate_Validation(t *testing.T) {
	r, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		owner string
		input models.CreateIntegrationInput
	}{
		{"bad owner", "abc", models.CreateIntegrationInput{Name: "x", Platform: models.PlatformAsana}},
		{"blank name", owner, models.CreateIntegrationInput{Name: "  ", Platform: models.PlatformAsana}},
		{"unknown platform", owner, models.CreateIntegrationInput{Name: "x", Platform: "jira"}},
		{"bad location url", owner, models.CreateIntegrationInput{
			Name:     "x",
			Platform: models.PlatformAsana,
			Settings: &models.SettingsPatch{LocationWebhookURL: ptr("ftp://nope")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create(ctx, tt.owner, tt.input)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestGet_OtherOwnerIsNotFound(t *testing.T) {
	r, in := setup(t)
	_, err := r.Get(context.Background(), "2002", in.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = r.Update(context.Background(), "2002", in.ID, models.UpdateIntegrationInput{Name: ptr("stolen")})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdate_Settings(t *testing.T) {
	r, in := setup(t)

	updated, err := r.Update(context.Background(), owner, in.ID, models.UpdateIntegrationInput{
		Settings: &models.SettingsPatch{
			AutoStartOnView:  ptr(true),
			LocationTracking: ptr(true),
			DefaultPriority:  ptr(models.PriorityHigh),
		},
	})
	require.NoError(t, err)
	assert.True(t, updated.Settings.AutoStartOnView)
	assert.True(t, updated.Settings.LocationTracking)
	assert.True(t, updated.Settings.NotifyOnProblem, "untouched fields keep their value")
	assert.Equal(t, models.PriorityHigh, updated.Settings.DefaultPriority)
}

func TestAddWorker_RejectsInvalidChatID(t *testing.T) {
	r, in := setup(t)
	ctx := context.Background()

	for _, chatID := range []string{"", "abc", "0123", "12a", "-5", "123456789012345678901"} {
		_, err := r.AddWorker(ctx, owner, in.ID, models.AddWorkerInput{ExternalID: "w1", ChatID: chatID})
		assert.ErrorIs(t, err, models.ErrInvalidChatID, chatID)
	}

	got, err := r.Get(ctx, owner, in.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Workers, "nothing is written on validation failure")
}

func TestAddWorker_Duplicate(t *testing.T) {
	r, in := setup(t)
	ctx := context.Background()

	_, err := r.AddWorker(ctx, owner, in.ID, models.AddWorkerInput{ExternalID: "w1", Name: "Ann", ChatID: "5551"})
	require.NoError(t, err)

	_, err = r.AddWorker(ctx, owner, in.ID, models.AddWorkerInput{ExternalID: "W1", ChatID: "5552"})
	assert.ErrorIs(t, err, models.ErrDuplicateWorker)
}

func TestRemoveWorker(t *testing.T) {
	db := dbtest.New(t)
	r := New(db, nil)
	ctx := context.Background()

	in, err := r.Create(ctx, owner, models.CreateIntegrationInput{Name: "Crew", Platform: models.PlatformTrello})
	require.NoError(t, err)
	_, err = r.AddWorker(ctx, owner, in.ID, models.AddWorkerInput{ExternalID: "fresh", ChatID: "11"})
	require.NoError(t, err)
	_, err = r.AddWorker(ctx, owner, in.ID, models.AddWorkerInput{ExternalID: "veteran", ChatID: "12"})
	require.NoError(t, err)

	now := time.Now().UTC()
	_, _, err = db.CreateOrGetTask(ctx, &models.WorkerTask{
		ID:               uuid.NewString(),
		IntegrationID:    in.ID,
		ExternalTaskID:   "t1",
		WorkerChatID:     "12",
		WorkerExternalID: "veteran",
		Title:            "Old job",
		Status:           models.StatusCompleted,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	require.NoError(t, err)

	updated, deactivated, err := r.RemoveWorker(ctx, owner, in.ID, "fresh")
	require.NoError(t, err)
	assert.False(t, deactivated)
	_, found := updated.Workers.Find("fresh")
	assert.False(t, found)

	updated, deactivated, err = r.RemoveWorker(ctx, owner, in.ID, "veteran")
	require.NoError(t, err)
	assert.True(t, deactivated)
	w, found := updated.Workers.Find("veteran")
	require.True(t, found)
	assert.False(t, w.IsActive)

	_, _, err = r.RemoveWorker(ctx, owner, in.ID, "ghost")
	assert.ErrorIs(t, err, models.ErrWorkerNotFound)
}

func TestDeactivate(t *testing.T) {
	r, in := setup(t)
	ctx := context.Background()

	byConnect, err := r.ByConnectID(ctx, in.ConnectID)
	require.NoError(t, err)
	assert.Equal(t, in.ID, byConnect.ID)

	got, err := r.Deactivate(ctx, owner, in.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	_, err = r.ByConnectID(ctx, in.ConnectID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	list, err := r.List(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, list, 1, "deactivated integrations are kept")
}
