package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c.mueller/pm-connect/internal/database"
	"github.com/c.mueller/pm-connect/internal/database/dbtest"
	"github.com/c.mueller/pm-connect/internal/events"
	"github.com/c.mueller/pm-connect/internal/models"
	"github.com/c.mueller/pm-connect/internal/pmconnect"
	"github.com/c.mueller/pm-connect/internal/registry"
	"github.com/c.mueller/pm-connect/internal/telegram"
	"github.com/c.mueller/pm-connect/internal/webhooks"
)

const (
	owner      = "X-Telegram-Id: 1001"
	ownerChat  = "1001"
	worker     = "X-Telegram-Id: 555666777"
	workerChat = "555666777"
)

type fakeMessenger struct {
	mu   sync.Mutex
	next int64
	sent []string
}

func (f *fakeMessenger) SendMessage(_ context.Context, chatID, text string, _ *telegram.InlineKeyboardMarkup) (*telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.sent = append(f.sent, chatID+": "+text)
	return &telegram.Message{MessageID: f.next}, nil
}

func (f *fakeMessenger) EditMessageText(context.Context, string, int64, string, *telegram.InlineKeyboardMarkup) error {
	return nil
}

func (f *fakeMessenger) AnswerCallbackQuery(context.Context, string, string) error {
	return nil
}

func (f *fakeMessenger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type testEnv struct {
	api       humatest.TestAPI
	db        *database.DB
	registry  *registry.Registry
	service   *pmconnect.Service
	messenger *fakeMessenger
}

func newTestEnv(t *testing.T, botSecret string) *testEnv {
	t.Helper()
	db := dbtest.New(t)
	messenger := &fakeMessenger{}
	reg := registry.New(db, nil)
	sender := webhooks.New(webhooks.NewMemoryStore(), webhooks.Options{}, nil, nil)
	service := pmconnect.New(db, messenger, events.Webhooks(sender), nil, nil, pmconnect.Options{})
	t.Cleanup(func() {
		service.Wait()
		sender.Wait()
	})

	_, api := humatest.New(t)
	NewServer(Deps{
		Registry:     reg,
		Service:      service,
		Tasks:        db,
		Webhooks:     sender,
		DB:           db,
		Bot:          service.HandleUpdate,
		BotSecret:    botSecret,
		Version:      "test",
		TelegramMode: "webhook",
	}).RegisterRoutes(api)

	return &testEnv{api: api, db: db, registry: reg, service: service, messenger: messenger}
}

// integration creates an integration with worker w1 through the API
func (e *testEnv) integration(t *testing.T, platform string, settings map[string]any) *models.Integration {
	t.Helper()
	body := map[string]any{"name": "Field crew", "platform": platform}
	if settings != nil {
		body["settings"] = settings
	}
	resp := e.api.Post("/api/integrations", owner, body)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var in models.Integration
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &in))

	resp = e.api.Post("/api/integrations/"+in.ID+"/workers", owner, map[string]any{
		"external_id": "w1",
		"name":        "Ann",
		"chat_id":     workerChat,
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &in))
	return &in
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Challenge string          `json:"challenge"`
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env), resp.Body.String())
	return env
}

const clickUpBody = `{"task_id":"t1","name":"Replace pump","priority":2,"assignees":[{"id":"w1"}]}`

func (e *testEnv) intake(t *testing.T, in *models.Integration, body string) string {
	t.Helper()
	resp := e.api.Post("/connect/"+in.ConnectID, strings.NewReader(body))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	env := decode(t, resp)
	require.True(t, env.Success, env.Error)

	var res pmconnect.IntakeResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res.TaskID
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, "")

	resp := e.api.Get("/health/ready")
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = e.api.Get("/health/info")
	require.Equal(t, http.StatusOK, resp.Code)
	var info struct {
		NodeName     string `json:"node_name"`
		Version      string `json:"version"`
		MemberCount  int    `json:"member_count"`
		TelegramMode string `json:"telegram_mode"`
		OpenTasks    int    `json:"open_tasks"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &info))
	assert.Equal(t, "standalone", info.NodeName)
	assert.Equal(t, "test", info.Version)
	assert.Equal(t, 1, info.MemberCount)
	assert.Equal(t, "webhook", info.TelegramMode)
	assert.Zero(t, info.OpenTasks)
}

func TestIntegrations(t *testing.T) {
	e := newTestEnv(t, "")
	in := e.integration(t, "clickup", nil)

	assert.Len(t, in.ConnectID, 32)
	require.Len(t, in.Workers, 1)

	resp := e.api.Get("/api/integrations", owner)
	require.Equal(t, http.StatusOK, resp.Code)
	var list []models.Integration
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	// Another owner sees nothing
	resp = e.api.Get("/api/integrations/"+in.ID, "X-Telegram-Id: 2002")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// The owner header is mandatory
	resp = e.api.Get("/api/integrations")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	resp = e.api.Patch("/api/integrations/"+in.ID, owner, map[string]any{
		"settings": map[string]any{"require_photo_proof": true},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var updated models.Integration
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &updated))
	assert.True(t, updated.Settings.RequirePhotoProof)
	assert.True(t, updated.Settings.NotifyOnProblem, "unset fields keep their value")

	resp = e.api.Delete("/api/integrations/"+in.ID, owner)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = e.api.Get("/connect/" + in.ConnectID)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.False(t, decode(t, resp).Success)
}

func TestWorkers(t *testing.T) {
	e := newTestEnv(t, "")
	in := e.integration(t, "asana", nil)
	path := "/api/integrations/" + in.ID + "/workers"

	resp := e.api.Post(path, owner, map[string]any{"external_id": "w2", "chat_id": "not-a-number"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	resp = e.api.Post(path, owner, map[string]any{"external_id": "w1", "chat_id": "123"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = e.api.Delete(path+"/ghost", owner)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = e.api.Delete(path+"/w1", owner)
	require.Equal(t, http.StatusOK, resp.Code)
	var removed struct {
		Integration models.Integration `json:"integration"`
		Deactivated bool               `json:"deactivated"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &removed))
	assert.False(t, removed.Deactivated, "workers without tasks are removed")
	assert.Empty(t, removed.Integration.Workers)
}

func TestConnect_Intake(t *testing.T) {
	e := newTestEnv(t, "")
	in := e.integration(t, "clickup", nil)

	resp := e.api.Get("/connect/" + in.ConnectID)
	require.Equal(t, http.StatusOK, resp.Code)
	var info ConnectInfo
	require.NoError(t, json.Unmarshal(decode(t, resp).Data, &info))
	assert.Equal(t, "Field crew", info.Name)
	assert.Equal(t, 1, info.ActiveWorkers)

	id := e.intake(t, in, clickUpBody)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, e.messenger.count())

	// Re-delivery is idempotent
	assert.Equal(t, id, e.intake(t, in, clickUpBody))

	resp = e.api.Get("/api/integrations/"+in.ID+"/tasks", owner)
	require.Equal(t, http.StatusOK, resp.Code)
	var tasks []models.WorkerTask
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "Replace pump", tasks[0].Title)

	resp = e.api.Get("/api/tasks/"+id, worker)
	assert.Equal(t, http.StatusOK, resp.Code, "workers see their own tasks")
	resp = e.api.Get("/api/tasks/"+id, "X-Telegram-Id: 2002")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestConnect_IntakeFailures(t *testing.T) {
	e := newTestEnv(t, "")
	in := e.integration(t, "clickup", nil)

	resp := e.api.Post("/connect/ffffffffffffffffffffffffffffffff", strings.NewReader(clickUpBody))
	assert.Equal(t, http.StatusNotFound, resp.Code)
	env := decode(t, resp)
	assert.False(t, env.Success)
	assert.Equal(t, "integration not found", env.Error)

	resp = e.api.Post("/connect/"+in.ConnectID, strings.NewReader(`[1,2,3]`))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, decode(t, resp).Success)

	resp = e.api.Post("/connect/"+in.ConnectID,
		strings.NewReader(`{"task_id":"t9","name":"Orphan","assignees":[{"id":"nobody"}]}`))
	require.Equal(t, http.StatusOK, resp.Code)
	env = decode(t, resp)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "no matching worker")
	var res pmconnect.IntakeResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.NotEmpty(t, res.TaskID, "the task is recorded anyway")
	assert.False(t, res.Delivered)
}

func TestConnect_Handshakes(t *testing.T) {
	e := newTestEnv(t, "")
	in := e.integration(t, "asana", nil)

	resp := e.api.Post("/connect/"+in.ConnectID, "X-Hook-Secret: s3cret", strings.NewReader(""))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "s3cret", resp.Header().Get("X-Hook-Secret"))

	// Later requests must be signed with the stored secret
	body := `{"events":[]}`
	resp = e.api.Post("/connect/"+in.ConnectID, strings.NewReader(body))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = e.api.Post("/connect/"+in.ConnectID,
		"X-Hook-Signature: "+webhooks.Sign("s3cret", []byte(body)), strings.NewReader(body))
	assert.NotEqual(t, http.StatusUnauthorized, resp.Code)

	monday := e.integration(t, "monday", nil)
	resp = e.api.Post("/connect/"+monday.ConnectID, strings.NewReader(`{"challenge":"abc123"}`))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "abc123", decode(t, resp).Challenge)
}

func TestConnect_StatusAndLocation(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	e := newTestEnv(t, "")
	in := e.integration(t, "clickup", map[string]any{
		"location_tracking":    true,
		"location_webhook_url": target.URL,
	})
	id := e.intake(t, in, clickUpBody)
	base := "/connect/" + in.ConnectID + "/tasks/" + id

	resp := e.api.Post(base+"/status", "X-Telegram-Id: 42", map[string]any{"action": "start"})
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = e.api.Post(base+"/location", worker, map[string]any{"lat": 52.52, "lng": 13.405})
	assert.Equal(t, http.StatusConflict, resp.Code, "tracking starts with the task")

	resp = e.api.Post(base+"/status", worker, map[string]any{"action": "start"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var res pmconnect.TransitionResult
	require.NoError(t, json.Unmarshal(decode(t, resp).Data, &res))
	assert.Equal(t, models.StatusStarted, res.To)
	assert.True(t, res.Changed)

	resp = e.api.Post(base+"/location", worker, map[string]any{"lat": 52.52, "lng": 13.405})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	resp = e.api.Post(base+"/location", worker, map[string]any{"lat": 95, "lng": 13.405})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	resp = e.api.Get(base + "/location?history=true")
	require.Equal(t, http.StatusOK, resp.Code)
	var snap struct {
		HasLocation bool              `json:"has_location"`
		History     []json.RawMessage `json:"history"`
	}
	require.NoError(t, json.Unmarshal(decode(t, resp).Data, &snap))
	assert.True(t, snap.HasLocation)
	assert.Len(t, snap.History, 1)

	resp = e.api.Post(base+"/status", worker, map[string]any{
		"action":              "problem",
		"problem_description": "Gate is locked",
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.NoError(t, json.Unmarshal(decode(t, resp).Data, &res))
	assert.Equal(t, "Gate is locked", res.Task.ProblemDescription)
	assert.False(t, res.Task.AwaitingProblem)

	// A second report on the open problem replaces its description
	resp = e.api.Post(base+"/status", worker, map[string]any{
		"action":              "problem",
		"problem_description": "Gate is locked, key is with the caretaker",
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.NoError(t, json.Unmarshal(decode(t, resp).Data, &res))
	assert.False(t, res.Changed)
	assert.Equal(t, "Gate is locked, key is with the caretaker", res.Task.ProblemDescription)

	resp = e.api.Post(base+"/status", worker, map[string]any{"action": "done"})
	require.Equal(t, http.StatusOK, resp.Code)
	resp = e.api.Post(base+"/status", worker, map[string]any{"action": "start"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	other := e.integration(t, "asana", nil)
	resp = e.api.Get("/connect/" + other.ConnectID + "/tasks/" + id + "/location")
	assert.Equal(t, http.StatusNotFound, resp.Code, "tasks are scoped to their connect id")

	e.service.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestWebhooks(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, models.EventWebhookTest, r.Header.Get(webhooks.HeaderEvent))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	e := newTestEnv(t, "")

	resp := e.api.Post("/api/companies/acme/webhooks", owner, map[string]any{
		"url":    target.URL,
		"secret": "topsecret",
		"events": []string{"task.completed"},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var w models.Webhook
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &w))
	assert.Equal(t, "********", w.Secret)

	resp = e.api.Get("/api/companies/acme/webhooks", owner)
	require.Equal(t, http.StatusOK, resp.Code)
	var list []models.Webhook
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "********", list[0].Secret)

	resp = e.api.Post("/api/webhooks/"+w.ID+"/test", owner)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var d models.Delivery
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &d))
	assert.True(t, d.Success)
	assert.Equal(t, http.StatusNoContent, d.StatusCode)

	resp = e.api.Post("/api/deliveries/"+d.ID+"/retry", owner)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = e.api.Get("/api/webhooks/"+w.ID+"/deliveries", owner)
	require.Equal(t, http.StatusOK, resp.Code)
	var deliveries []models.Delivery
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &deliveries))
	assert.Len(t, deliveries, 2)
	assert.Equal(t, int32(2), hits.Load())

	resp = e.api.Patch("/api/webhooks/"+w.ID, owner, map[string]any{"url": "ftp://nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	resp = e.api.Delete("/api/webhooks/"+w.ID, owner)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	resp = e.api.Get("/api/webhooks/"+w.ID, owner)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestTelegramWebhook(t *testing.T) {
	e := newTestEnv(t, "bot-secret")
	in := e.integration(t, "clickup", nil)
	id := e.intake(t, in, clickUpBody)

	update := `{"update_id":1,"callback_query":{"id":"cb1","from":{"id":555666777,"first_name":"Ann"},` +
		`"message":{"message_id":1,"chat":{"id":555666777,"type":"private"},"date":1},` +
		`"data":"` + pmconnect.CallbackData(pmconnect.ActionStart, id) + `"}}`

	resp := e.api.Post("/telegram/webhook", "X-Telegram-Bot-Api-Secret-Token: wrong", strings.NewReader(update))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = e.api.Post("/telegram/webhook", "X-Telegram-Bot-Api-Secret-Token: bot-secret", strings.NewReader(update))
	require.Equal(t, http.StatusOK, resp.Code)

	task, err := e.db.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, task.Status)

	// Garbage is acknowledged so Telegram stops retrying
	resp = e.api.Post("/telegram/webhook", "X-Telegram-Bot-Api-Secret-Token: bot-secret", strings.NewReader("{oops"))
	assert.Equal(t, http.StatusOK, resp.Code)
}
