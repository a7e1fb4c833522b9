package database_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c.mueller/pm-connect/internal/database/dbtest"
	"github.com/c.mueller/pm-connect/internal/models"
)

func newIntegration(owner string) *models.Integration {
	now := time.Now().UTC()
	return &models.Integration{
		ID:          uuid.NewString(),
		ConnectID:   uuid.NewString(),
		Name:        "Field ops",
		Platform:    models.PlatformClickUp,
		OwnerChatID: owner,
		Settings:    models.DefaultSettings(),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newTask(integrationID, externalID string) *models.WorkerTask {
	now := time.Now().UTC()
	return &models.WorkerTask{
		ID:             uuid.NewString(),
		IntegrationID:  integrationID,
		ExternalTaskID: externalID,
		Title:          "Task " + externalID,
		Priority:       models.PriorityMedium,
		Status:         models.StatusSent,
		SentAt:         now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestIntegrations_CreateAndGet(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	in := newIntegration("100")
	require.NoError(t, in.Workers.Add(models.Worker{ExternalID: "w1", ChatID: "555"}))
	require.NoError(t, db.CreateIntegration(ctx, in))

	got, err := db.GetIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.Name, got.Name)
	assert.Len(t, got.Workers, 1)

	byConnect, err := db.GetIntegrationByConnectID(ctx, in.ConnectID)
	require.NoError(t, err)
	assert.Equal(t, in.ID, byConnect.ID)

	_, err = db.GetIntegration(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = db.GetIntegrationByConnectID(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestIntegrations_ListByOwner(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	require.NoError(t, db.CreateIntegration(ctx, newIntegration("1")))
	require.NoError(t, db.CreateIntegration(ctx, newIntegration("1")))
	require.NoError(t, db.CreateIntegration(ctx, newIntegration("2")))

	own, err := db.ListIntegrations(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, own, 2)

	all, err := db.ListIntegrations(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestIntegrations_UpdateKeepsCounters(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	in := newIntegration("1")
	require.NoError(t, db.CreateIntegration(ctx, in))
	require.NoError(t, db.IncrementTasksSent(ctx, in.ID))

	updated, err := db.UpdateIntegration(ctx, in.ID, func(i *models.Integration) error {
		i.Name = "Renamed"
		i.Stats.TasksSent = 99
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, int64(1), updated.Stats.TasksSent)

	sentinel := errors.New("abort")
	_, err = db.UpdateIntegration(ctx, in.ID, func(i *models.Integration) error {
		i.Name = "Never stored"
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := db.GetIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
}

func TestIntegrations_RecordCompletionRunningMean(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	in := newIntegration("1")
	require.NoError(t, db.CreateIntegration(ctx, in))

	for _, mins := range []float64{10, 20, 60} {
		require.NoError(t, db.RecordCompletion(ctx, in.ID, mins))
	}

	got, err := db.GetIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Stats.TasksCompleted)
	assert.InDelta(t, 30.0, got.Stats.AvgResponseTimeMins, 1e-9)

	assert.ErrorIs(t, db.RecordCompletion(ctx, "missing", 1), models.ErrNotFound)
	assert.ErrorIs(t, db.IncrementTasksSent(ctx, "missing"), models.ErrNotFound)
}

func TestIntegrations_ConcurrentIncrements(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	in := newIntegration("1")
	require.NoError(t, db.CreateIntegration(ctx, in))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, db.IncrementTasksSent(ctx, in.ID))
		}()
	}
	wg.Wait()

	got, err := db.GetIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.Stats.TasksSent)
}

func TestTasks_CreateOrGetIsIdempotent(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	first, created, err := db.CreateOrGetTask(ctx, newTask("int-1", "ext-1"))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := db.CreateOrGetTask(ctx, newTask("int-1", "ext-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, created, err = db.CreateOrGetTask(ctx, newTask("int-2", "ext-1"))
	require.NoError(t, err)
	assert.True(t, created, "external ids are scoped per integration")

	tasks, err := db.ListTasks(ctx, models.TaskFilter{IntegrationID: "int-1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestTasks_ConcurrentCreateCollapses(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := db.CreateOrGetTask(ctx, newTask("int-1", "same"))
			assert.NoError(t, err)
			results <- created
		}()
	}
	wg.Wait()
	close(results)

	createdCount := 0
	for c := range results {
		if c {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount)
}

func TestTasks_Update(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	task, _, err := db.CreateOrGetTask(ctx, newTask("int-1", "ext-1"))
	require.NoError(t, err)

	updated, err := db.UpdateTask(ctx, task.ID, func(t *models.WorkerTask) error {
		t.Status = models.StatusStarted
		t.WorkerChatID = "777"
		t.WorkerExternalID = "W1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, updated.Status)

	started, err := db.ListTasks(ctx, models.TaskFilter{WorkerChatID: "777", Status: models.StatusStarted})
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, task.ID, started[0].ID)

	sentinel := errors.New("rejected")
	_, err = db.UpdateTask(ctx, task.ID, func(t *models.WorkerTask) error {
		t.Status = models.StatusCompleted
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, got.Status)

	_, err = db.UpdateTask(ctx, "missing", func(*models.WorkerTask) error { return nil })
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTasks_ListFilters(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task := newTask("int-1", fmt.Sprintf("ext-%d", i))
		task.WorkerChatID = "42"
		task.WorkerExternalID = "w1"
		task.CreatedAt = task.CreatedAt.Add(time.Duration(i) * time.Second)
		if i == 0 {
			task.Status = models.StatusCompleted
		}
		_, _, err := db.CreateOrGetTask(ctx, task)
		require.NoError(t, err)
	}

	open, err := db.ListTasks(ctx, models.TaskFilter{WorkerChatID: "42", Open: true})
	require.NoError(t, err)
	assert.Len(t, open, 4)
	assert.Equal(t, "ext-4", open[0].ExternalTaskID, "newest first")

	page, err := db.ListTasks(ctx, models.TaskFilter{IntegrationID: "int-1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "ext-2", page[0].ExternalTaskID)

	has, err := db.HasTasksForWorker(ctx, "int-1", "W1")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = db.HasTasksForWorker(ctx, "int-1", "w2")
	require.NoError(t, err)
	assert.False(t, has)
}

func newWebhook(company string) *models.Webhook {
	now := time.Now().UTC()
	return &models.Webhook{
		ID:        uuid.NewString(),
		CompanyID: company,
		URL:       "https://example.com/hook",
		Secret:    "s3cret",
		Events:    []string{models.EventAll},
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWebhooks_SaveListDelete(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	w := newWebhook("c1")
	require.NoError(t, db.SaveWebhook(ctx, w))
	require.NoError(t, db.SaveWebhook(ctx, newWebhook("c2")))

	w.URL = "https://example.com/other"
	require.NoError(t, db.SaveWebhook(ctx, w))

	got, err := db.GetWebhook(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/other", got.URL)
	assert.Equal(t, "s3cret", got.Secret)

	list, err := db.ListWebhooks(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	all, err := db.ListWebhooks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, db.DeleteWebhook(ctx, w.ID))
	_, err = db.GetWebhook(ctx, w.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, db.DeleteWebhook(ctx, w.ID), models.ErrNotFound)
}

func TestWebhooks_FailureDisablesAtThreshold(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	w := newWebhook("c1")
	require.NoError(t, db.SaveWebhook(ctx, w))

	now := time.Now()
	for i := 1; i < 3; i++ {
		disabled, err := db.RecordFailure(ctx, w.ID, now, "boom", 3)
		require.NoError(t, err)
		assert.False(t, disabled)
	}
	disabled, err := db.RecordFailure(ctx, w.ID, now, "boom", 3)
	require.NoError(t, err)
	assert.True(t, disabled)

	got, err := db.GetWebhook(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 3, got.FailureCount)
	assert.Equal(t, "boom", got.LastError)
	require.NotNil(t, got.LastTriggeredAt)

	disabled, err = db.RecordFailure(ctx, w.ID, now, "boom", 3)
	require.NoError(t, err)
	assert.False(t, disabled, "already disabled")
}

func TestWebhooks_SuccessResetsFailures(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	w := newWebhook("c1")
	require.NoError(t, db.SaveWebhook(ctx, w))

	_, err := db.RecordFailure(ctx, w.ID, time.Now(), "timeout", 10)
	require.NoError(t, err)
	require.NoError(t, db.RecordSuccess(ctx, w.ID, time.Now()))

	got, err := db.GetWebhook(ctx, w.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailureCount)
	assert.Empty(t, got.LastError)
	assert.True(t, got.Enabled)
}

func TestDeliveries_BoundedLog(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		d := &models.Delivery{
			ID:        uuid.NewString(),
			WebhookID: "wh-1",
			Event:     models.EventTaskCreated,
			Payload:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			Success:   i%2 == 0,
			Attempt:   1,
			CreatedAt: time.Now(),
		}
		ids = append(ids, d.ID)
		require.NoError(t, db.AddDelivery(ctx, d, 3))
	}

	list, err := db.ListDeliveries(ctx, "wh-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[4], list[0].ID)
	assert.Equal(t, ids[2], list[2].ID)
	assert.JSONEq(t, `{"n":4}`, string(list[0].Payload))

	_, err = db.GetDelivery(ctx, ids[0])
	assert.ErrorIs(t, err, models.ErrNotFound)

	got, err := db.GetDelivery(ctx, ids[3])
	require.NoError(t, err)
	assert.False(t, got.Success)
}
