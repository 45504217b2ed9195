package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/logging"
	"readyline/internal/migrate"
	"readyline/internal/notify"
	"readyline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func enqueue(t *testing.T, r repo.Repo, template string, at time.Time) string {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	id, err := r.EnqueueNotificationTx(ctx, tx, "transition:SUBMIT", "cap-1", domain.Notification{
		Recipients: []domain.Role{"TEAM_LEAD"},
		TemplateID: template,
		Context:    map[string]any{"entity_id": "cap-1"},
	}, at)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return id
}

func TestDispatcherDeliversOnce(t *testing.T) {
	r := newRepo(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	enqueue(t, r, "cap_submitted", now)
	enqueue(t, r, "cap_accepted", now.Add(time.Minute))

	rec := &notify.Recorder{}
	d := notify.NewDispatcher(r, rec, logging.Discard(), nil)
	d.Now = func() time.Time { return now }

	res, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, notify.DrainResult{Delivered: 2}, res)
	assert.Equal(t, []string{"cap_submitted", "cap_accepted"}, rec.Templates())
	assert.Equal(t, "transition:SUBMIT", rec.Sent()[0].Context["source"])

	res, err = d.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
	assert.Len(t, rec.Sent(), 2)

	all, err := r.ListNotifications(context.Background(), "cap-1")
	require.NoError(t, err)
	for _, e := range all {
		require.NotNil(t, e.DeliveredAt)
		assert.True(t, e.DeliveredAt.Equal(now))
		assert.NotContains(t, e.Notification.Context, "delivery_id")
	}
}

func TestDispatcherRetriesUntilMaxAttempts(t *testing.T) {
	r := newRepo(t)
	id := enqueue(t, r, "cap_submitted", time.Now())

	rec := &notify.Recorder{Err: errors.New("smtp down")}
	d := notify.NewDispatcher(r, rec, logging.Discard(), nil)
	d.MaxAttempts = 2

	for i := 0; i < 3; i++ {
		_, err := d.Drain(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, rec.Sent(), 2)

	all, err := r.ListNotifications(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0].ID)
	assert.Equal(t, 2, all[0].Attempts)
	assert.Equal(t, "smtp down", all[0].LastError)
	assert.Nil(t, all[0].DeliveredAt)
}

func TestWebhookNotifier(t *testing.T) {
	var (
		mu      sync.Mutex
		bodies  []map[string]any
		headers []http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		if body["template_id"] == "broken" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := notify.NewWebhook(config.WebhookConfig{
		URL:       srv.URL,
		Templates: []string{"cap_submitted", "broken"},
		Secret:    "s3cret",
		Headers:   map[string]string{"X-Tenant": "acme"},
	})
	ctx := context.Background()
	require.NoError(t, hook.Notify(ctx, domain.Notification{
		TemplateID: "cap_submitted",
		Recipients: []domain.Role{"TEAM_LEAD"},
		Context:    map[string]any{"delivery_id": "d-1"},
	}))
	require.NoError(t, hook.Notify(ctx, domain.Notification{TemplateID: "unsubscribed"}))
	err := hook.Notify(ctx, domain.Notification{TemplateID: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Equal(t, "cap_submitted", bodies[0]["template_id"])
	assert.Equal(t, []any{"TEAM_LEAD"}, bodies[0]["recipients"])
	assert.Equal(t, "s3cret", headers[0].Get("X-Readyline-Secret"))
	assert.Equal(t, "d-1", headers[0].Get("X-Readyline-Delivery"))
	assert.Equal(t, "acme", headers[0].Get("X-Tenant"))
}

func TestFromConfig(t *testing.T) {
	fallback := notify.LogNotifier{Logger: logging.Discard()}
	assert.Equal(t, fallback, notify.FromConfig(nil, fallback))

	disabled := false
	n := notify.FromConfig([]config.WebhookConfig{
		{URL: "http://example.invalid/a", Enabled: &disabled},
		{URL: "http://example.invalid/b"},
	}, fallback)
	multi, ok := n.(notify.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 1)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &notify.Recorder{}
	bad := &notify.Recorder{Err: errors.New("down")}
	err := notify.Multi{ok, bad}.Notify(context.Background(), domain.Notification{TemplateID: "x"})
	require.Error(t, err)
	assert.Len(t, ok.Sent(), 1)
	assert.Len(t, bad.Sent(), 1)
}

func TestDispatcherLimiter(t *testing.T) {
	assert.Nil(t, notify.NewLimiter(0))
	lim := notify.NewLimiter(0.5)
	require.NotNil(t, lim)
	assert.Equal(t, 1, lim.Burst())

	r := newRepo(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	enqueue(t, r, "cap_submitted", now)
	enqueue(t, r, "cap_accepted", now)

	rec := &notify.Recorder{}
	d := notify.NewDispatcher(r, rec, logging.Discard(), nil)
	d.Limiter = lim
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := d.Drain(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"cap_submitted"}, rec.Templates())
}
