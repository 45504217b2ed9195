package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/escalation"
	"readyline/internal/logging"
	"readyline/internal/metrics"
	"readyline/internal/migrate"
	"readyline/internal/registry"
)

const testSecret = "test-secret"

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	Engine    engine.Engine
	Scheduler *escalation.Scheduler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	reg := registry.MustBuild(config.Default())
	e := engine.New(conn, reg, logging.Discard(), m)
	e.Now = func() time.Time { return epoch }
	sched := escalation.New(conn, reg, logging.Discard(), m)

	handler, err := New(Config{
		Engine:    e,
		Scheduler: sched,
		Metrics:   m,
		Gatherer:  promReg,
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: testSecret, DevLogin: true},
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Engine: e, Scheduler: sched}
}

func token(t *testing.T, actor string, role domain.Role) map[string]string {
	t.Helper()
	tok, err := signToken(testSecret, actor, role, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do(t, http.MethodGet, "/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := s.do(t, http.MethodGet, "/v0/workflows", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, body).Error.Code)

	status, body = s.do(t, http.MethodGet, "/v0/workflows", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", decode[errorEnvelope](t, body).Error.Code)
}

func TestHeaderIdentityIsOffByDefault(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"X-Actor-Id": "alice", "X-Role": "ADMIN"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestDevLoginAndMe(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodPost, "/v0/auth/dev/login", DevLoginRequest{ActorID: "alice", Role: "TEAM_LEAD"}, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	tok := decode[DevLoginResponse](t, body).Token

	status, body = s.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, status)
	me := decode[WhoAmIResponse](t, body)
	assert.Equal(t, "alice", me.ActorID)
	assert.Equal(t, "TEAM_LEAD", me.Role)
	assert.Equal(t, "jwt", me.Source)

	status, _ = s.do(t, http.MethodPost, "/v0/auth/dev/login", DevLoginRequest{ActorID: "alice", Role: "JANITOR"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIKeyAuthentication(t *testing.T) {
	s := newTestServer(t)
	_, plain, err := s.Engine.Repo.CreateAPIKey(context.Background(), "bot", "REVIEWER", "ci")
	require.NoError(t, err)

	status, body := s.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"X-Api-Key": plain})
	require.Equal(t, http.StatusOK, status, string(body))
	me := decode[WhoAmIResponse](t, body)
	assert.Equal(t, "bot", me.ActorID)
	assert.Equal(t, "REVIEWER", me.Role)
	assert.Equal(t, "api_key", me.Source)

	status, _ = s.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"X-Api-Key": "rl_unknown"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUnknownRoleIsForbidden(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodGet, "/v0/workflows", nil, token(t, "mallory", "JANITOR"))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "unknown_role", decode[errorEnvelope](t, body).Error.Code)
}

func TestWorkflowEndpoints(t *testing.T) {
	s := newTestServer(t)
	auth := token(t, "alice", "HOST_FOCAL")

	status, body := s.do(t, http.MethodGet, "/v0/workflows", nil, auth)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, decode[[]WorkflowSummary](t, body))

	status, body = s.do(t, http.MethodGet, "/v0/workflows/CAP_LIFECYCLE", nil, auth)
	require.Equal(t, http.StatusOK, status)
	wf := decode[WorkflowResponse](t, body)
	assert.Equal(t, "CAP_LIFECYCLE", wf.Code)
	assert.NotEmpty(t, wf.Escalations)

	status, body = s.do(t, http.MethodGet, "/v0/workflows/CAP_LIFECYCLE/states/DRAFT/transitions", nil, auth)
	require.Equal(t, http.StatusOK, status)
	ts := decode[[]TransitionResponse](t, body)
	require.Len(t, ts, 1)
	assert.Equal(t, "SUBMIT", ts[0].Code)

	status, _ = s.do(t, http.MethodGet, "/v0/workflows/NOPE", nil, auth)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = s.do(t, http.MethodPut, "/v0/workflows/CAP_LIFECYCLE/active", map[string]bool{"active": false}, auth)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", decode[errorEnvelope](t, body).Error.Code)
}

func TestDeactivatedDefinitionRejectsStart(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodPut, "/v0/workflows/CAP_LIFECYCLE/active", map[string]bool{"active": false}, token(t, "root", "ADMIN"))
	require.Equal(t, http.StatusOK, status, string(body))
	assert.False(t, decode[WorkflowSummary](t, body).Active)

	status, body = s.do(t, http.MethodPost, "/v0/entities", StartEntityRequest{Definition: "CAP_LIFECYCLE", ID: "cap-1"}, token(t, "alice", "HOST_FOCAL"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "definition_inactive", decode[errorEnvelope](t, body).Error.Code)
}

func TestTransitionFlow(t *testing.T) {
	s := newTestServer(t)
	host := token(t, "alice", "HOST_FOCAL")

	status, body := s.do(t, http.MethodPost, "/v0/entities", StartEntityRequest{EntityKind: "cap", ID: "cap-1"}, host)
	require.Equal(t, http.StatusCreated, status, string(body))
	ent := decode[domain.Entity](t, body)
	assert.Equal(t, "CAP_LIFECYCLE", ent.Definition)
	assert.Equal(t, "DRAFT", ent.CurrentState)

	status, body = s.do(t, http.MethodGet, "/v0/entities/cap-1/transitions", nil, host)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]TransitionResponse](t, body), 1)

	status, body = s.do(t, http.MethodPost, "/v0/entities/cap-1/transitions", TransitionRequest{Code: "SUBMIT"}, host)
	require.Equal(t, http.StatusOK, status, string(body))
	res := decode[TransitionResultResponse](t, body)
	assert.Equal(t, "SUBMITTED", res.State.Code)
	assert.Equal(t, "SUBMITTED", res.Entity.CurrentState)

	t.Run("no such transition", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, "/v0/entities/cap-1/transitions", TransitionRequest{Code: "CLOSE"}, token(t, "pm", "PROGRAM_MANAGER"))
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		env := decode[errorEnvelope](t, body)
		assert.Equal(t, "transition_not_allowed", env.Error.Code)
		assert.Equal(t, domain.ReasonNoSuchTransition, env.Error.Details["reason"])
	})
	t.Run("role not permitted", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, "/v0/entities/cap-1/transitions", TransitionRequest{Code: "ACCEPT"}, host)
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		assert.Equal(t, domain.ReasonRoleNotPermitted, decode[errorEnvelope](t, body).Error.Details["reason"])
	})
	t.Run("stale state", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, "/v0/entities/cap-1/transitions", TransitionRequest{Code: "SUBMIT", FromState: "DRAFT"}, host)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "state_conflict", decode[errorEnvelope](t, body).Error.Code)
	})
	t.Run("missing code", func(t *testing.T) {
		status, _ := s.do(t, http.MethodPost, "/v0/entities/cap-1/transitions", map[string]string{}, host)
		assert.Equal(t, http.StatusBadRequest, status)
	})
	t.Run("unknown entity", func(t *testing.T) {
		status, _ := s.do(t, http.MethodGet, "/v0/entities/ghost", nil, host)
		assert.Equal(t, http.StatusNotFound, status)
	})

	status, body = s.do(t, http.MethodGet, "/v0/entities/cap-1/history", nil, host)
	require.Equal(t, http.StatusOK, status)
	hist := decode[HistoryResponse](t, body)
	assert.True(t, hist.Verified)
	require.Len(t, hist.Entries, 2)
	assert.Equal(t, "SUBMIT", hist.Entries[1].TransitionCode)
	assert.Equal(t, "HOST_FOCAL", hist.Entries[1].Role)

	status, body = s.do(t, http.MethodGet, "/v0/entities/cap-1/notifications", nil, host)
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, decode[[]domain.OutboxEntry](t, body))
}

func TestChecklistEndpoints(t *testing.T) {
	s := newTestServer(t)
	lead := token(t, "lead", "TEAM_LEAD")

	status, body := s.do(t, http.MethodPost, "/v0/entities", StartEntityRequest{Definition: "REVIEW_LIFECYCLE", ID: "rev-1"}, lead)
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = s.do(t, http.MethodGet, "/v0/entities/rev-1/checklist", nil, lead)
	require.Equal(t, http.StatusOK, status, string(body))
	list := decode[ChecklistResponse](t, body)
	assert.Equal(t, "REVIEW_CHECKLIST", list.Code)
	assert.Len(t, list.Items, 14)
	assert.Zero(t, list.Status.Completed)

	status, body = s.do(t, http.MethodGet, "/v0/entities/rev-1/checklist/SITE_CLOSING_MEETING/readiness", nil, lead)
	require.Equal(t, http.StatusOK, status)
	v := decode[domain.Verdict](t, body)
	assert.False(t, v.CanComplete)
	assert.NotEmpty(t, v.Reason)

	status, body = s.do(t, http.MethodPost, "/v0/entities/rev-1/checklist/SITE_CLOSING_MEETING/complete", nil, lead)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	env := decode[errorEnvelope](t, body)
	assert.Equal(t, "not_ready", env.Error.Code)
	assert.Equal(t, "SITE_CLOSING_MEETING", env.Error.Details["item"])

	status, body = s.do(t, http.MethodPost, "/v0/entities/rev-1/checklist/SITE_OPENING_MEETING/complete", nil, lead)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.True(t, decode[domain.ChecklistItem](t, body).Completed)

	status, _ = s.do(t, http.MethodPost, "/v0/entities/rev-1/checklist/SITE_CLOSING_MEETING/override", OverrideItemRequest{Reason: "waived"}, token(t, "host", "HOST_FOCAL"))
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = s.do(t, http.MethodGet, "/v0/entities/rev-1/checklist/NOPE/readiness", nil, lead)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEscalationTickAndEvents(t *testing.T) {
	s := newTestServer(t)
	host := token(t, "alice", "HOST_FOCAL")
	admin := token(t, "root", "ADMIN")

	status, body := s.do(t, http.MethodPost, "/v0/entities", StartEntityRequest{Definition: "CAP_LIFECYCLE", ID: "cap-1"}, host)
	require.Equal(t, http.StatusCreated, status, string(body))
	status, body = s.do(t, http.MethodPost, "/v0/entities/cap-1/transitions", TransitionRequest{Code: "SUBMIT"}, host)
	require.Equal(t, http.StatusOK, status, string(body))

	status, _ = s.do(t, http.MethodPost, "/v0/escalations/tick", nil, host)
	assert.Equal(t, http.StatusForbidden, status)

	s.Scheduler.Now = func() time.Time { return epoch.Add(domain.Days(8)) }
	status, body = s.do(t, http.MethodPost, "/v0/escalations/tick", nil, admin)
	require.Equal(t, http.StatusOK, status, string(body))
	res := decode[escalation.TickResult](t, body)
	assert.Equal(t, 1, res.Fired)

	status, body = s.do(t, http.MethodGet, "/v0/entities/cap-1/escalations", nil, host)
	require.Equal(t, http.StatusOK, status)
	recs := decode[[]domain.EscalationRecord](t, body)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].FireCount)

	status, body = s.do(t, http.MethodGet, "/v0/events?entity_id=cap-1&limit=2", nil, host)
	require.Equal(t, http.StatusOK, status, string(body))
	page := decode[paginatedEvents](t, body)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "escalation.fired", page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	status, body = s.do(t, http.MethodGet, "/v0/events?entity_id=cap-1&limit=2&cursor="+page.NextCursor, nil, host)
	require.Equal(t, http.StatusOK, status)
	next := decode[paginatedEvents](t, body)
	require.NotEmpty(t, next.Items)
	assert.Less(t, next.Items[0].ID, page.Items[1].ID)

	status, _ = s.do(t, http.MethodGet, "/v0/events?cursor=abc", nil, host)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/v0/health", nil, nil)
	status, body := s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "readyline_http_requests_total")
}
