package escalation_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/escalation"
	"readyline/internal/logging"
	"readyline/internal/migrate"
	"readyline/internal/registry"
	"readyline/internal/repo"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func (c *clock) advanceDays(n int) { c.t = c.t.Add(domain.Days(n)) }

type env struct {
	conn  *sql.DB
	reg   *registry.Registry
	eng   engine.Engine
	sched *escalation.Scheduler
	clock *clock
	repo  repo.Repo
}

func newEnv(t *testing.T) env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	reg := registry.MustBuild(config.Default())
	c := &clock{t: time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, reg, logging.Discard(), nil)
	eng.Now = c.Now
	sched := escalation.New(conn, reg, logging.Discard(), nil)
	sched.Now = c.Now
	return env{conn: conn, reg: reg, eng: eng, sched: sched, clock: c, repo: repo.Repo{DB: conn}}
}

func (e env) move(t *testing.T, id, code string, role domain.Role) {
	t.Helper()
	_, err := e.eng.AttemptTransition(context.Background(), engine.TransitionRequest{
		Definition: "CAP_LIFECYCLE", EntityID: id, Code: code, Role: role, ActorID: "tester",
	})
	require.NoError(t, err)
}

func (e env) submitted(t *testing.T, id string) {
	t.Helper()
	_, err := e.eng.StartEntity(context.Background(), "CAP_LIFECYCLE", id, "tester")
	require.NoError(t, err)
	e.move(t, id, "SUBMIT", "HOST_FOCAL")
}

func (e env) escalations(t *testing.T, id string) int {
	t.Helper()
	var n int
	require.NoError(t, e.conn.QueryRow(`SELECT COUNT(*) FROM notification_outbox WHERE entity_id=? AND source LIKE 'escalation:%'`, id).Scan(&n))
	return n
}

func TestScheduleFiresOnTriggerAndRepeats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.submitted(t, "cap-1")

	var firedOn []int
	for day := 1; day <= 20; day++ {
		e.clock.advanceDays(1)
		res, err := e.sched.Tick(ctx)
		require.NoError(t, err)
		if res.Fired > 0 {
			firedOn = append(firedOn, day)
		}
	}
	assert.Equal(t, []int{7, 10, 13}, firedOn)
	assert.Equal(t, 3, e.escalations(t, "cap-1"))

	rec, err := e.repo.GetEscalationRecord(ctx, "cap-1", "cap-submitted-overdue")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.FireCount)

	res, err := e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exhausted)
	assert.Equal(t, 0, res.Fired)
}

func TestReentryRestartsEscalation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.submitted(t, "cap-2")

	for _, d := range []int{7, 3} {
		e.clock.advanceDays(d)
		res, err := e.sched.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Fired)
	}
	rec, err := e.repo.GetEscalationRecord(ctx, "cap-2", "cap-submitted-overdue")
	require.NoError(t, err)
	require.Equal(t, 2, rec.FireCount)

	e.move(t, "cap-2", "REJECT", "TEAM_LEAD")
	_, err = e.repo.GetEscalationRecord(ctx, "cap-2", "cap-submitted-overdue")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	e.clock.advanceDays(1)
	e.move(t, "cap-2", "REVISE", "HOST_FOCAL")
	e.move(t, "cap-2", "SUBMIT", "HOST_FOCAL")
	reentered := e.clock.Now()

	var firedAfter []int
	for day := 1; day <= 8; day++ {
		e.clock.advanceDays(1)
		res, err := e.sched.Tick(ctx)
		require.NoError(t, err)
		if res.Fired > 0 {
			firedAfter = append(firedAfter, day)
		}
	}
	assert.Equal(t, []int{7}, firedAfter)
	rec, err = e.repo.GetEscalationRecord(ctx, "cap-2", "cap-submitted-overdue")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.FireCount)
	assert.True(t, rec.StateEnteredAt.Equal(reentered))
}

func TestStaleRecordIsReset(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.submitted(t, "cap-3")
	ent, err := e.eng.GetEntity(ctx, "cap-3")
	require.NoError(t, err)

	old := ent.EnteredStateAt.Add(-domain.Days(30))
	_, err = e.conn.Exec(`INSERT INTO escalation_records(entity_id,rule_id,state_code,state_entered_at,fire_count,last_fired_at) VALUES (?,?,?,?,3,?)`,
		"cap-3", "cap-submitted-overdue", "SUBMITTED", old.Format(time.RFC3339), old.Format(time.RFC3339))
	require.NoError(t, err)

	e.clock.advanceDays(7)
	res, err := e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
	rec, err := e.repo.GetEscalationRecord(ctx, "cap-3", "cap-submitted-overdue")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.FireCount)
	assert.True(t, rec.StateEnteredAt.Equal(ent.EnteredStateAt))
}

func TestInactiveRuleAndDefinitionAreSkipped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.submitted(t, "cap-4")
	e.clock.advanceDays(7)

	require.NoError(t, e.reg.SetRuleActive("cap-submitted-overdue", false))
	res, err := e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)

	require.NoError(t, e.reg.SetRuleActive("cap-submitted-overdue", true))
	require.NoError(t, e.reg.SetActive("CAP_LIFECYCLE", false))
	res, err = e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
	assert.Zero(t, e.escalations(t, "cap-4"))

	require.NoError(t, e.reg.SetActive("CAP_LIFECYCLE", true))
	res, err = e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
}

func TestConcurrentTicksFireOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, id := range []string{"cap-a", "cap-b", "cap-c"} {
		e.submitted(t, id)
	}
	e.clock.advanceDays(7)

	other := escalation.New(e.conn, e.reg, logging.Discard(), nil)
	other.Now = e.clock.Now
	other.Workers = 3
	e.sched.Workers = 3

	results := make(chan escalation.TickResult, 2)
	for _, s := range []*escalation.Scheduler{e.sched, other} {
		go func() {
			res, err := s.Tick(ctx)
			assert.NoError(t, err)
			results <- res
		}()
	}
	a, b := <-results, <-results
	assert.Equal(t, 3, a.Fired+b.Fired)
	for _, id := range []string{"cap-a", "cap-b", "cap-c"} {
		assert.Equal(t, 1, e.escalations(t, id), id)
	}
}

func TestTickStopsOnCancelledContext(t *testing.T) {
	e := newEnv(t)
	e.submitted(t, "cap-5")
	e.clock.advanceDays(7)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.sched.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, e.escalations(t, "cap-5"))
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, escalation.ValidateSchedule("@every 1h"))
	assert.NoError(t, escalation.ValidateSchedule("0 6 * * *"))
	assert.NoError(t, escalation.ValidateSchedule(""))
	assert.Error(t, escalation.ValidateSchedule("every hour"))
}
