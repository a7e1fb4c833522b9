package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c.mueller/pm-connect/internal/database/dbtest"
	"github.com/c.mueller/pm-connect/internal/models"
)

type received struct {
	headers http.Header
	body    []byte
}

type recorder struct {
	mu     sync.Mutex
	hits   []received
	status atomic.Int32
}

func newRecorder(t *testing.T) (*recorder, *httptest.Server) {
	t.Helper()
	rec := &recorder{}
	rec.status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.hits = append(rec.hits, received{headers: r.Header.Clone(), body: body})
		rec.mu.Unlock()
		w.WriteHeader(int(rec.status.Load()))
	}))
	t.Cleanup(srv.Close)
	return rec, srv
}

func (r *recorder) all() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.hits...)
}

type fakeReplicator struct {
	mu       sync.Mutex
	upserted []string
	deleted  []string
}

func (f *fakeReplicator) WebhookUpserted(w *models.Webhook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, w.ID)
}

func (f *fakeReplicator) WebhookDeleted(id string, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": dbtest.New(t),
	}
}

func TestDispatch_SignsAndFiltersBySubscription(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, srv := newRecorder(t)
			s := New(store, Options{Timeout: 2 * time.Second}, nil, nil)

			signed, err := s.Create(ctx, "c1", models.CreateWebhookInput{
				URL: srv.URL, Secret: "topsecret", Events: []string{models.EventTaskCompleted},
			})
			require.NoError(t, err)
			_, err = s.Create(ctx, "c1", models.CreateWebhookInput{
				URL: srv.URL, Events: []string{models.EventProjectCreated},
			})
			require.NoError(t, err)
			_, err = s.Create(ctx, "c2", models.CreateWebhookInput{
				URL: srv.URL, Events: []string{models.EventAll},
			})
			require.NoError(t, err)

			s.Dispatch("c1", models.EventTaskCompleted, map[string]string{"taskId": "t1"})
			s.Wait()

			hits := rec.all()
			require.Len(t, hits, 1)
			hit := hits[0]
			assert.Equal(t, models.EventTaskCompleted, hit.headers.Get(HeaderEvent))
			assert.Equal(t, Sign("topsecret", hit.body), hit.headers.Get(HeaderSignature))
			assert.True(t, Verify("topsecret", hit.body, hit.headers.Get(HeaderSignature)))

			var env struct {
				Event     string            `json:"event"`
				CompanyID string            `json:"companyId"`
				Timestamp time.Time         `json:"timestamp"`
				Data      map[string]string `json:"data"`
			}
			require.NoError(t, json.Unmarshal(hit.body, &env))
			assert.Equal(t, models.EventTaskCompleted, env.Event)
			assert.Equal(t, "c1", env.CompanyID)
			assert.Equal(t, "t1", env.Data["taskId"])
			assert.False(t, env.Timestamp.IsZero())

			log, err := s.Deliveries(ctx, signed.ID, 0)
			require.NoError(t, err)
			require.Len(t, log, 1)
			assert.True(t, log[0].Success)
			assert.Equal(t, http.StatusOK, log[0].StatusCode)
		})
	}
}

func TestDispatch_WildcardAndUnsignedHooks(t *testing.T) {
	ctx := context.Background()
	rec, srv := newRecorder(t)
	s := New(NewMemoryStore(), Options{}, nil, nil)

	_, err := s.Create(ctx, "c1", models.CreateWebhookInput{URL: srv.URL, Events: []string{"*"}})
	require.NoError(t, err)

	s.Dispatch("c1", models.EventTaskProblem, nil)
	s.Wait()

	hits := rec.all()
	require.Len(t, hits, 1)
	assert.Empty(t, hits[0].headers.Get(HeaderSignature))
}

func TestDispatch_AutoDisablesAfterConsecutiveFailures(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, srv := newRecorder(t)
			rec.status.Store(http.StatusInternalServerError)

			repl := &fakeReplicator{}
			s := New(store, Options{}, nil, nil)
			s.SetReplicator(repl)

			w, err := s.Create(ctx, "c1", models.CreateWebhookInput{URL: srv.URL, Events: []string{"*"}})
			require.NoError(t, err)

			for i := 0; i < DefaultMaxFailures-1; i++ {
				s.Dispatch("c1", models.EventTaskUpdated, i)
				s.Wait()
			}
			got, err := s.Get(ctx, w.ID)
			require.NoError(t, err)
			assert.True(t, got.Enabled)
			assert.Equal(t, DefaultMaxFailures-1, got.FailureCount)

			s.Dispatch("c1", models.EventTaskUpdated, "last")
			s.Wait()
			got, err = s.Get(ctx, w.ID)
			require.NoError(t, err)
			assert.False(t, got.Enabled)
			assert.Equal(t, DefaultMaxFailures, got.FailureCount)
			assert.Contains(t, got.LastError, "500")

			s.Dispatch("c1", models.EventTaskUpdated, "ignored")
			s.Wait()
			assert.Len(t, rec.all(), DefaultMaxFailures, "disabled webhooks receive nothing")

			repl.mu.Lock()
			assert.Len(t, repl.upserted, 2, "create and auto-disable are replicated")
			repl.mu.Unlock()

			enabled, err := s.Enable(ctx, w.ID)
			require.NoError(t, err)
			assert.True(t, enabled.Enabled)
			assert.Zero(t, enabled.FailureCount)
		})
	}
}

func TestDispatch_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	rec, srv := newRecorder(t)
	s := New(NewMemoryStore(), Options{}, nil, nil)
	w, err := s.Create(ctx, "c1", models.CreateWebhookInput{URL: srv.URL, Events: []string{"*"}})
	require.NoError(t, err)

	rec.status.Store(http.StatusBadGateway)
	for i := 0; i < 3; i++ {
		s.Dispatch("c1", models.EventTaskUpdated, i)
		s.Wait()
	}
	rec.status.Store(http.StatusNoContent)
	s.Dispatch("c1", models.EventTaskUpdated, "ok")
	s.Wait()

	got, err := s.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailureCount)
	assert.True(t, got.Enabled)
}

func TestDispatch_UnreachableDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	s := New(NewMemoryStore(), Options{Timeout: 200 * time.Millisecond}, nil, nil)
	w, err := s.Create(ctx, "c1", models.CreateWebhookInput{URL: srv.URL, Events: []string{"*"}})
	require.NoError(t, err)

	start := time.Now()
	s.Dispatch("c1", models.EventTaskCreated, nil)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	s.Wait()
	log, err := s.Deliveries(ctx, w.ID, 0)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.False(t, log[0].Success)
	assert.NotEmpty(t, log[0].Error)
}

func TestDeliveryLogIsBounded(t *testing.T) {
	ctx := context.Background()
	_, srv := newRecorder(t)
	s := New(NewMemoryStore(), Options{LogSize: 3}, nil, nil)
	w, err := s.Create(ctx, "c1", models.CreateWebhookInput{URL: srv.URL, Events: []string{"*"}})
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		s.Dispatch("c1", models.EventTaskUpdated, i)
		s.Wait()
	}

	log, err := s.Deliveries(ctx, w.ID, 0)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.JSONEq(t, "6", string(mustData(t, log[0].Payload)))
}

func mustData(t *testing.T, payload []byte) json.RawMessage {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &env))
	return env.Data
}

func TestRetryResendsOriginalPayload(t *testing.T) {
	ctx := context.Background()
	rec, srv := newRecorder(t)
	rec.status.Store(http.StatusServiceUnavailable)

	s := New(NewMemoryStore(), Options{}, nil, nil)
	w, err := s.Create(ctx, "c1", models.CreateWebhookInput{URL: srv.URL, Secret: "k", Events: []string{"*"}})
	require.NoError(t, err)

	s.Dispatch("c1", models.EventTaskCompleted, map[string]int{"n": 1})
	s.Wait()
	log, err := s.Deliveries(ctx, w.ID, 1)
	require.NoError(t, err)
	require.Len(t, log, 1)
	failed := log[0]
	assert.False(t, failed.Success)

	rec.status.Store(http.StatusOK)
	retried, err := s.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.True(t, retried.Success)
	assert.Equal(t, 2, retried.Attempt)
	assert.Equal(t, string(failed.Payload), string(retried.Payload))

	hits := rec.all()
	require.Len(t, hits, 2)
	assert.Equal(t, hits[0].body, hits[1].body)

	_, err = s.Retry(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTestPing(t *testing.T) {
	ctx := context.Background()
	rec, srv := newRecorder(t)
	s := New(NewMemoryStore(), Options{}, nil, nil)
	w, err := s.Create(ctx, "c1", models.CreateWebhookInput{URL: srv.URL, Events: []string{models.EventTaskCreated}})
	require.NoError(t, err)

	d, err := s.Test(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, d.Success)
	assert.Equal(t, models.EventWebhookTest, d.Event)

	hits := rec.all()
	require.Len(t, hits, 1)
	assert.Equal(t, models.EventWebhookTest, hits[0].headers.Get(HeaderEvent))
}

func TestCreate_Validation(t *testing.T) {
	s := New(NewMemoryStore(), Options{}, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		company string
		input   models.CreateWebhookInput
	}{
		{"missing company", "", models.CreateWebhookInput{URL: "https://x.io", Events: []string{"*"}}},
		{"relative url", "c1", models.CreateWebhookInput{URL: "/hook", Events: []string{"*"}}},
		{"unknown event", "c1", models.CreateWebhookInput{URL: "https://x.io", Events: []string{"task.exploded"}}},
		{"no events", "c1", models.CreateWebhookInput{URL: "https://x.io"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, tt.company, tt.input)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	w, err := s.Create(ctx, "c1", models.CreateWebhookInput{
		URL: "https://x.io", Events: []string{"task.created", "task.created", "*"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"task.created", "*"}, w.Events)
}

func TestApplyUpsert_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(), Options{}, nil, nil)
	repl := &fakeReplicator{}
	s.SetReplicator(repl)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := &models.Webhook{ID: "w1", CompanyID: "c1", URL: "https://a.io", Events: []string{"*"}, Enabled: true, UpdatedAt: t0}
	require.NoError(t, s.ApplyUpsert(ctx, w))

	stale := *w
	stale.URL = "https://stale.io"
	stale.UpdatedAt = t0.Add(-time.Minute)
	require.NoError(t, s.ApplyUpsert(ctx, &stale))

	got, err := s.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "https://a.io", got.URL)

	require.NoError(t, s.ApplyDelete(ctx, "w1", t0.Add(-time.Second)))
	_, err = s.Get(ctx, "w1")
	assert.NoError(t, err, "delete older than the local update is ignored")

	require.NoError(t, s.ApplyDelete(ctx, "w1", t0.Add(time.Second)))
	_, err = s.Get(ctx, "w1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, s.ApplyDelete(ctx, "w1", t0.Add(time.Second)))

	assert.Empty(t, repl.upserted, "replicated changes are not re-broadcast")
	assert.Empty(t, repl.deleted)
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("key", body)
	assert.Len(t, sig, 64)
	assert.True(t, Verify("key", body, sig))
	assert.True(t, Verify("key", body, "sha256="+sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("key", []byte(`{"a":2}`), sig))
	assert.False(t, Verify("key", body, "not-hex"))
}
