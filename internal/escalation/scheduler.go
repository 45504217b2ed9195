// Package escalation fires time-based notifications for entities that sit in
// a state longer than a rule allows.
package escalation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/logging"
	"readyline/internal/metrics"
	"readyline/internal/registry"
	"readyline/internal/repo"
)

// Outcome is what one tick decided for one (rule, entity) pair.
type Outcome string

const (
	OutcomeFired     Outcome = "fired"
	OutcomeNotDue    Outcome = "not_due"
	// OutcomeWaiting means the repeat interval has not elapsed since the last firing.
	OutcomeWaiting   Outcome = "waiting"
	// OutcomeExhausted is a counted skip once a rule fired MaxRepeats times.
	OutcomeExhausted Outcome = "already_exhausted"
	// OutcomeLost means another scheduler claimed the firing first, or the
	// entity left the state between read and claim.
	OutcomeLost      Outcome = "claim_lost"
	OutcomeError     Outcome = "error"
)

type TickResult struct {
	Rules     int `json:"rules"`
	Scanned   int `json:"scanned"`
	Fired     int `json:"fired"`
	NotDue    int `json:"not_due"`
	Waiting   int `json:"waiting"`
	Exhausted int `json:"already_exhausted"`
	Lost      int `json:"claim_lost"`
	Errors    int `json:"errors"`
}

func (r *TickResult) add(o Outcome) {
	r.Scanned++
	switch o {
	case OutcomeFired:
		r.Fired++
	case OutcomeNotDue:
		r.NotDue++
	case OutcomeWaiting:
		r.Waiting++
	case OutcomeExhausted:
		r.Exhausted++
	case OutcomeLost:
		r.Lost++
	default:
		r.Errors++
	}
}

type Scheduler struct {
	DB       *sql.DB
	Repo     repo.Repo
	Registry *registry.Registry
	Events   events.Writer
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Workers bounds how many pairs are processed concurrently; values below 1 mean 1.
	Workers int
	Now     func() time.Time
}

func New(db *sql.DB, reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Registry: reg,
		Logger:   logging.Module(logger, "escalation"),
		Metrics:  m,
		Workers:  reg.Schedule().Workers,
		Now:      time.Now,
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC().Truncate(time.Second)
	}
	return time.Now().UTC().Truncate(time.Second)
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logging.WithModule("escalation")
}

type candidate struct {
	def    domain.Definition
	rule   domain.EscalationRule
	entity domain.Entity
}

// Tick scans every active rule once. Failures on individual pairs are logged
// and counted; the returned error is non-nil only when ctx ends the scan.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	var res TickResult
	var candidates []candidate
	for _, rule := range s.Registry.EscalationRules() {
		if !rule.Active || !s.Registry.Active(rule.Definition) {
			continue
		}
		def, ok := s.Registry.Definition(rule.Definition)
		if !ok {
			continue
		}
		res.Rules++
		entities, err := s.Repo.ListEntitiesInState(ctx, rule.Definition, rule.State)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			s.logger().Error("list entities for rule", "rule", rule.ID, "state", rule.State, "error", err)
			res.Errors++
			continue
		}
		for _, ent := range entities {
			candidates = append(candidates, candidate{def: def, rule: rule, entity: ent})
		}
	}

	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(workers)
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			o := s.process(ctx, c)
			s.Metrics.RecordEscalation(c.rule.ID, string(o))
			mu.Lock()
			res.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	s.Metrics.RecordTick(time.Since(start))
	if err := ctx.Err(); err != nil {
		return res, err
	}
	s.logger().Info("escalation tick", "rules", res.Rules, "scanned", res.Scanned, "fired", res.Fired,
		"exhausted", res.Exhausted, "lost", res.Lost, "errors", res.Errors)
	return res, nil
}

func (s *Scheduler) process(ctx context.Context, c candidate) Outcome {
	log := s.logger().With("rule", c.rule.ID, "entity_id", c.entity.ID)
	o, err := s.evaluate(ctx, c)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("escalation failed", "error", err)
		}
		return OutcomeError
	}
	switch o {
	case OutcomeFired:
		log.Info("escalation fired", "state", c.entity.CurrentState, "template", c.rule.Action.TemplateID)
	case OutcomeLost:
		log.Debug("escalation claim lost")
	}
	return o
}

func (s *Scheduler) evaluate(ctx context.Context, c candidate) (Outcome, error) {
	now := s.now()
	ent := c.entity
	if now.Before(c.rule.DueAt(ent.EnteredStateAt)) {
		return OutcomeNotDue, nil
	}
	rec, err := s.Repo.EnsureEscalationRecord(ctx, ent.ID, c.rule.ID, ent.CurrentState, ent.EnteredStateAt)
	if err != nil {
		return OutcomeError, fmt.Errorf("ensure record: %w", err)
	}
	if rec.StateCode != ent.CurrentState || !rec.StateEnteredAt.Equal(ent.EnteredStateAt) {
		// Left over from an earlier entry of this state.
		if rec, err = s.Repo.ResetEscalationRecord(ctx, rec, ent.CurrentState, ent.EnteredStateAt); err != nil {
			return OutcomeError, fmt.Errorf("reset record: %w", err)
		}
	}
	if rec.FireCount >= c.rule.MaxRepeats {
		return OutcomeExhausted, nil
	}
	if rec.FireCount > 0 && rec.LastFiredAt != nil &&
		now.Before(rec.LastFiredAt.Add(domain.Days(c.rule.RepeatIntervalDays))) {
		return OutcomeWaiting, nil
	}
	return s.fire(ctx, c, rec, now)
}

// fire claims the next firing and enqueues its notification in one transaction.
func (s *Scheduler) fire(ctx context.Context, c candidate, rec domain.EscalationRecord, now time.Time) (Outcome, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return OutcomeError, err
	}
	defer tx.Rollback()

	claimed, err := s.Repo.ClaimEscalationTx(ctx, tx, rec, now)
	if err != nil {
		return OutcomeError, fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		return OutcomeLost, nil
	}
	fireCount := rec.FireCount + 1
	n := c.rule.Action.Notification(map[string]any{
		"entity_id":        c.entity.ID,
		"definition":       c.def.Code,
		"state":            c.entity.CurrentState,
		"rule_id":          c.rule.ID,
		"fire_count":       fireCount,
		"max_repeats":      c.rule.MaxRepeats,
		"entered_state_at": c.entity.EnteredStateAt.UTC().Format(time.RFC3339),
		"days_in_state":    int(now.Sub(c.entity.EnteredStateAt) / domain.Days(1)),
	})
	if _, err := s.Repo.EnqueueNotificationTx(ctx, tx, "escalation:"+c.rule.ID, c.entity.ID, n, now); err != nil {
		return OutcomeError, err
	}
	w := s.Events
	if w.Now == nil {
		w.Now = s.now
	}
	if err := w.Append(ctx, tx, events.TypeEscalationFired, c.def.EntityKind, c.entity.ID, "scheduler", events.EventPayload{
		"rule":       c.rule.ID,
		"state":      c.entity.CurrentState,
		"fire_count": fireCount,
	}); err != nil {
		return OutcomeError, err
	}
	if err := tx.Commit(); err != nil {
		return OutcomeError, err
	}
	return OutcomeFired, nil
}
