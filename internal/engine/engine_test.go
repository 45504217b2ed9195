package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/events"
	"readyline/internal/logging"
	"readyline/internal/metrics"
	"readyline/internal/migrate"
	"readyline/internal/registry"
	"readyline/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Metrics *metrics.Metrics
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	m := metrics.New(prometheus.NewRegistry())
	eng := engine.New(conn, registry.MustBuild(config.Default()), logging.Discard(), m)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Metrics: m, Ctx: context.Background()}
}

func (env testEnv) start(t *testing.T, def, id string) domain.Entity {
	t.Helper()
	ent, err := env.Engine.StartEntity(env.Ctx, def, id, "tester")
	require.NoError(t, err)
	return ent
}

func (env testEnv) move(t *testing.T, def, id, code string, role domain.Role) domain.State {
	t.Helper()
	st, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		Definition: def, EntityID: id, Code: code, Role: role, ActorID: "tester",
	})
	require.NoError(t, err)
	return st
}

func TestCAPHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ent := env.start(t, "CAP_LIFECYCLE", "cap-1")
	assert.Equal(t, "DRAFT", ent.CurrentState)

	steps := []struct {
		code string
		role domain.Role
		to   string
	}{
		{"SUBMIT", "HOST_FOCAL", "SUBMITTED"},
		{"ACCEPT", "TEAM_LEAD", "ACCEPTED"},
		{"IMPLEMENT", "HOST_FOCAL", "IMPLEMENTED"},
		{"VERIFY", "REVIEWER", "VERIFIED"},
		{"CLOSE", "PROGRAM_MANAGER", "CLOSED"},
	}
	for _, s := range steps {
		st := env.move(t, "CAP_LIFECYCLE", "cap-1", s.code, s.role)
		assert.Equal(t, s.to, st.Code)
	}
	ent, err := env.Engine.GetEntity(env.Ctx, "cap-1")
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", ent.CurrentState)
	assert.EqualValues(t, 6, ent.Version)
	assert.Empty(t, env.Engine.AvailableTransitions("CAP_LIFECYCLE", "CLOSED", "ADMIN"))

	assert.Equal(t, 5.0, testutil.ToFloat64(env.Metrics.TransitionsTotal.WithLabelValues("CAP_LIFECYCLE", "SUBMIT", "applied"))+
		testutil.ToFloat64(env.Metrics.TransitionsTotal.WithLabelValues("CAP_LIFECYCLE", "ACCEPT", "applied"))+
		testutil.ToFloat64(env.Metrics.TransitionsTotal.WithLabelValues("CAP_LIFECYCLE", "IMPLEMENT", "applied"))+
		testutil.ToFloat64(env.Metrics.TransitionsTotal.WithLabelValues("CAP_LIFECYCLE", "VERIFY", "applied"))+
		testutil.ToFloat64(env.Metrics.TransitionsTotal.WithLabelValues("CAP_LIFECYCLE", "CLOSE", "applied")))
}

func TestTransitionRejections(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "CAP_LIFECYCLE", "cap-1")
	env.move(t, "CAP_LIFECYCLE", "cap-1", "SUBMIT", "HOST_FOCAL")

	cases := []struct {
		name   string
		code   string
		role   domain.Role
		reason string
	}{
		{"close from submitted", "CLOSE", "PROGRAM_MANAGER", domain.ReasonNoSuchTransition},
		{"unknown code", "TELEPORT", "ADMIN", domain.ReasonNoSuchTransition},
		{"role not permitted", "ACCEPT", "HOST_FOCAL", domain.ReasonRoleNotPermitted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
				Definition: "CAP_LIFECYCLE", EntityID: "cap-1", Code: tc.code, Role: tc.role, ActorID: "tester",
			})
			require.ErrorIs(t, err, domain.ErrTransitionNotAllowed)
			var tna *domain.TransitionNotAllowedError
			require.True(t, errors.As(err, &tna))
			assert.Equal(t, tc.reason, tna.Reason)
			assert.Equal(t, "SUBMITTED", tna.From)
		})
	}

	ent, err := env.Engine.GetEntity(env.Ctx, "cap-1")
	require.NoError(t, err)
	assert.Equal(t, "SUBMITTED", ent.CurrentState)
	assert.EqualValues(t, 2, ent.Version)

	history, err := env.Engine.History(env.Ctx, "cap-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.TransitionsTotal.WithLabelValues("CAP_LIFECYCLE", "CLOSE", "rejected")))
}

func TestTransitionStateConflict(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "CAP_LIFECYCLE", "cap-1")
	env.move(t, "CAP_LIFECYCLE", "cap-1", "SUBMIT", "HOST_FOCAL")

	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		Definition: "CAP_LIFECYCLE", EntityID: "cap-1", CurrentState: "DRAFT", Code: "SUBMIT", Role: "HOST_FOCAL", ActorID: "tester",
	})
	var tna *domain.TransitionNotAllowedError
	require.True(t, errors.As(err, &tna), "got %v", err)
	assert.True(t, tna.Conflict())

	_, err = env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		Definition: "CAP_LIFECYCLE", EntityID: "cap-1", Code: "ACCEPT", Role: "TEAM_LEAD", ActorID: "tester", ExpectedVersion: 1,
	})
	require.True(t, errors.As(err, &tna), "got %v", err)
	assert.Equal(t, domain.ReasonStateConflict, tna.Reason)

	st, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		Definition: "CAP_LIFECYCLE", EntityID: "cap-1", Code: "ACCEPT", Role: "TEAM_LEAD", ActorID: "tester", ExpectedVersion: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "ACCEPTED", st.Code)
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "CAP_LIFECYCLE", "cap-1")
	env.move(t, "CAP_LIFECYCLE", "cap-1", "SUBMIT", "HOST_FOCAL")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		conflict int
	)
	for _, code := range []string{"ACCEPT", "REJECT", "ACCEPT", "REJECT"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
				Definition: "CAP_LIFECYCLE", EntityID: "cap-1", CurrentState: "SUBMITTED", Code: code, Role: "TEAM_LEAD", ActorID: "tester",
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				applied++
				return
			}
			var tna *domain.TransitionNotAllowedError
			if errors.As(err, &tna) && tna.Conflict() {
				conflict++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
	assert.Equal(t, 3, conflict)
	require.NoError(t, env.Engine.VerifyHistory(env.Ctx, "cap-1"))
}

func TestInactiveDefinition(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "CAP_LIFECYCLE", "cap-1")
	require.NoError(t, env.Engine.Registry.SetActive("CAP_LIFECYCLE", false))

	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		Definition: "CAP_LIFECYCLE", EntityID: "cap-1", Code: "SUBMIT", Role: "HOST_FOCAL", ActorID: "tester",
	})
	var tna *domain.TransitionNotAllowedError
	require.True(t, errors.As(err, &tna))
	assert.Equal(t, domain.ReasonDefinitionInactive, tna.Reason)
	assert.Nil(t, env.Engine.AvailableTransitions("CAP_LIFECYCLE", "DRAFT", "HOST_FOCAL"))

	_, err = env.Engine.StartEntity(env.Ctx, "CAP_LIFECYCLE", "cap-2", "tester")
	assert.ErrorIs(t, err, domain.ErrDefinitionInactive)

	_, err = env.Engine.StartEntity(env.Ctx, "NOPE", "cap-3", "tester")
	assert.ErrorIs(t, err, domain.ErrUnknownDefinition)
}

func TestAvailableTransitions(t *testing.T) {
	env := newTestEnv(t)
	codes := func(ts []domain.Transition) []string {
		var out []string
		for _, tr := range ts {
			out = append(out, tr.Code)
		}
		return out
	}
	assert.ElementsMatch(t, []string{"ACCEPT", "REJECT"}, codes(env.Engine.AvailableTransitions("CAP_LIFECYCLE", "SUBMITTED", "TEAM_LEAD")))
	assert.Empty(t, env.Engine.AvailableTransitions("CAP_LIFECYCLE", "SUBMITTED", "HOST_FOCAL"))
	assert.Equal(t, []string{"RESOLVE"}, codes(env.Engine.AvailableTransitions("FINDING_LIFECYCLE", "CAP_REQUIRED", "TEAM_LEAD")))
}

func TestStartEntityIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := env.start(t, "REVIEW_LIFECYCLE", "rev-1")
	again := env.start(t, "REVIEW_LIFECYCLE", "rev-1")
	assert.Equal(t, first, again)

	_, err := env.Engine.StartEntity(env.Ctx, "CAP_LIFECYCLE", "rev-1", "tester")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	generated := env.start(t, "CAP_LIFECYCLE", "")
	assert.NotEmpty(t, generated.ID)

	_, err = env.Engine.StartEntity(env.Ctx, "CAP_LIFECYCLE", "x", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestHistoryChainAndEvents(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "CAP_LIFECYCLE", "cap-1")
	env.move(t, "CAP_LIFECYCLE", "cap-1", "SUBMIT", "HOST_FOCAL")
	env.move(t, "CAP_LIFECYCLE", "cap-1", "REJECT", "TEAM_LEAD")

	history, err := env.Engine.History(env.Ctx, "cap-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"DRAFT", "SUBMITTED", "REJECTED"}, []string{history[0].ToState, history[1].ToState, history[2].ToState})
	assert.Equal(t, "REJECT", history[2].TransitionCode)
	assert.Equal(t, domain.Role("TEAM_LEAD"), history[2].Role)
	require.NoError(t, env.Engine.VerifyHistory(env.Ctx, "cap-1"))

	_, err = env.Engine.DB.Exec(`UPDATE state_history SET prior_snapshot='{}' WHERE entity_id='cap-1' AND seq=2`)
	require.NoError(t, err)
	assert.ErrorIs(t, env.Engine.VerifyHistory(env.Ctx, "cap-1"), events.ErrChainBroken)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{EntityID: "cap-1"})
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, events.TypeTransitionApplied, evts[0].Type)
	assert.Equal(t, events.TypeEntityStarted, evts[2].Type)

	_, err = env.Engine.History(env.Ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestTransitionEnqueuesNotification(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "CAP_LIFECYCLE", "cap-1")
	env.move(t, "CAP_LIFECYCLE", "cap-1", "SUBMIT", "HOST_FOCAL")

	pending, err := env.Engine.Repo.PendingNotifications(env.Ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	n := pending[0]
	assert.Equal(t, "transition:SUBMIT", n.Source)
	assert.Equal(t, "cap_submitted", n.Notification.TemplateID)
	assert.Equal(t, []domain.Role{"TEAM_LEAD"}, n.Notification.Recipients)
	assert.Equal(t, "SUBMITTED", n.Notification.Context["to"])

	_, err = env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{
		Definition: "CAP_LIFECYCLE", EntityID: "cap-1", Code: "CLOSE", Role: "TEAM_LEAD", ActorID: "tester",
	})
	require.Error(t, err)
	pending, err = env.Engine.Repo.PendingNotifications(env.Ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestTransitionDiscardsEscalationRecords(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "CAP_LIFECYCLE", "cap-1")
	env.move(t, "CAP_LIFECYCLE", "cap-1", "SUBMIT", "HOST_FOCAL")
	ent, err := env.Engine.GetEntity(env.Ctx, "cap-1")
	require.NoError(t, err)
	_, err = env.Engine.Repo.EnsureEscalationRecord(env.Ctx, "cap-1", "cap-submitted-overdue", "SUBMITTED", ent.EnteredStateAt)
	require.NoError(t, err)

	env.move(t, "CAP_LIFECYCLE", "cap-1", "ACCEPT", "TEAM_LEAD")
	recs, err := env.Engine.Repo.ListEscalationRecords(env.Ctx, "cap-1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHistoryLogClock(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "CAP_LIFECYCLE", "cap-1")

	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	env.Engine.HistoryLog = events.History{Now: func() time.Time { return stamp }}
	env.move(t, "CAP_LIFECYCLE", "cap-1", "SUBMIT", "HOST_FOCAL")

	history, err := env.Engine.History(env.Ctx, "cap-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].CreatedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), history[0].CreatedAt)
	assert.True(t, history[1].CreatedAt.Equal(stamp), history[1].CreatedAt)
	require.NoError(t, env.Engine.VerifyHistory(env.Ctx, "cap-1"))
}
