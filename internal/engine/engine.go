package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/logging"
	"readyline/internal/metrics"
	"readyline/internal/readiness"
	"readyline/internal/registry"
	"readyline/internal/repo"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	HistoryLog events.History
	Registry   *registry.Registry
	Evaluator  readiness.Evaluator
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

func New(db *sql.DB, reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Registry:  reg,
		Evaluator: readiness.New(r, logger, m),
		Logger:    logging.Module(logger, "engine"),
		Metrics:   m,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC().Truncate(time.Second)
	}
	return time.Now().UTC().Truncate(time.Second)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.WithModule("engine")
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) history() events.History {
	h := e.HistoryLog
	if h.Now == nil {
		h.Now = e.now
	}
	return h
}

func (e Engine) definition(code string) (domain.Definition, error) {
	def, ok := e.Registry.Definition(code)
	if !ok {
		return domain.Definition{}, fmt.Errorf("%w: %s", domain.ErrUnknownDefinition, code)
	}
	return def, nil
}

// AvailableTransitions lists the edges out of state that role may take.
// Inactive or unknown definitions offer nothing.
func (e Engine) AvailableTransitions(def, state string, role domain.Role) []domain.Transition {
	if !e.Registry.Active(def) {
		return nil
	}
	var out []domain.Transition
	for _, t := range e.Registry.TransitionsFrom(def, state) {
		if t.AllowedRoles.Has(role) {
			out = append(out, t)
		}
	}
	return out
}

// TransitionRequest names one attempted move. CurrentState is the state the
// caller last observed; when empty the stored state is used. A non-zero
// ExpectedVersion additionally pins the entity version.
type TransitionRequest struct {
	Definition      string
	EntityID        string
	CurrentState    string
	Code            string
	Role            domain.Role
	ActorID         string
	ExpectedVersion int64
}

// AttemptTransition validates and applies a transition. Rejections are
// returned as *domain.TransitionNotAllowedError and leave nothing behind.
func (e Engine) AttemptTransition(ctx context.Context, req TransitionRequest) (domain.State, error) {
	st, err := e.attemptTransition(ctx, req)
	outcome := "applied"
	var tna *domain.TransitionNotAllowedError
	switch {
	case errors.As(err, &tna):
		outcome = "rejected"
		if tna.Conflict() {
			outcome = "conflict"
		}
		e.logger().Info("transition rejected", "entity_id", req.EntityID, "definition", req.Definition,
			"transition", req.Code, "role", req.Role, "reason", tna.Reason)
	case err != nil:
		outcome = "error"
	}
	e.Metrics.RecordTransition(req.Definition, req.Code, outcome)
	return st, err
}

func (e Engine) attemptTransition(ctx context.Context, req TransitionRequest) (domain.State, error) {
	if req.EntityID == "" {
		return domain.State{}, fmt.Errorf("%w: entity id required", domain.ErrInvalidInput)
	}
	if req.ActorID == "" {
		return domain.State{}, fmt.Errorf("%w: actor id required", domain.ErrInvalidInput)
	}
	def, err := e.definition(req.Definition)
	if err != nil {
		return domain.State{}, err
	}
	from := req.CurrentState
	if from == "" {
		ent, err := e.Repo.GetEntity(ctx, req.EntityID)
		if err != nil {
			return domain.State{}, fmt.Errorf("entity %s: %w", req.EntityID, err)
		}
		from = ent.CurrentState
	}
	reject := func(reason string) error {
		return &domain.TransitionNotAllowedError{
			Definition: def.Code, From: from, Code: req.Code, Role: req.Role, Reason: reason,
		}
	}
	if !def.Active {
		return domain.State{}, reject(domain.ReasonDefinitionInactive)
	}
	t, ok := e.Registry.Transition(def.Code, from, req.Code)
	if !ok {
		return domain.State{}, reject(domain.ReasonNoSuchTransition)
	}
	if !t.AllowedRoles.Has(req.Role) {
		return domain.State{}, reject(domain.ReasonRoleNotPermitted)
	}
	to, ok := e.Registry.State(def.Code, t.To)
	if !ok {
		return domain.State{}, fmt.Errorf("transition %s targets unregistered state %s", t.Code, t.To)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.State{}, err
	}
	defer tx.Rollback()

	ent, err := e.Repo.GetEntityTx(ctx, tx, req.EntityID)
	if err != nil {
		return domain.State{}, fmt.Errorf("entity %s: %w", req.EntityID, err)
	}
	if ent.Definition != def.Code {
		return domain.State{}, fmt.Errorf("%w: entity %s follows %s, not %s", domain.ErrInvalidInput, ent.ID, ent.Definition, def.Code)
	}
	if ent.CurrentState != from || (req.ExpectedVersion > 0 && ent.Version != req.ExpectedVersion) {
		return domain.State{}, reject(domain.ReasonStateConflict)
	}
	now := e.now()
	moved, err := e.Repo.MoveEntityTx(ctx, tx, ent.ID, from, to.Code, ent.Version, now)
	if err != nil {
		return domain.State{}, fmt.Errorf("update entity state: %w", err)
	}
	if !moved {
		return domain.State{}, reject(domain.ReasonStateConflict)
	}
	if err := e.Repo.DeleteEscalationRecordsTx(ctx, tx, ent.ID, from); err != nil {
		return domain.State{}, fmt.Errorf("discard escalation records: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.TypeTransitionApplied, def.EntityKind, ent.ID, req.ActorID, events.EventPayload{
		"definition": def.Code,
		"transition": t.Code,
		"from":       from,
		"to":         to.Code,
		"role":       string(req.Role),
		"version":    ent.Version + 1,
	}); err != nil {
		return domain.State{}, err
	}
	if _, err := e.history().Append(ctx, tx, events.Change{
		EntityID:       ent.ID,
		FromState:      from,
		ToState:        to.Code,
		TransitionCode: t.Code,
		Role:           req.Role,
		ActorID:        req.ActorID,
		Prior: events.Snapshot{
			State:          ent.CurrentState,
			EnteredStateAt: ent.EnteredStateAt.UTC().Format(time.RFC3339),
			Version:        ent.Version,
		},
	}); err != nil {
		return domain.State{}, err
	}
	if t.Notify != nil {
		n := t.Notify.Notification(map[string]any{
			"entity_id":  ent.ID,
			"definition": def.Code,
			"transition": t.Code,
			"from":       from,
			"to":         to.Code,
			"actor_id":   req.ActorID,
		})
		if _, err := e.Repo.EnqueueNotificationTx(ctx, tx, "transition:"+t.Code, ent.ID, n, now); err != nil {
			return domain.State{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.State{}, err
	}
	e.logger().Info("transition applied", "entity_id", ent.ID, "definition", def.Code,
		"transition", t.Code, "from", from, "to", to.Code, "actor_id", req.ActorID)
	return to, nil
}

// StartEntity registers an entity in its definition's initial state and
// creates its checklist instances. Starting an existing entity of the same
// definition returns it unchanged.
func (e Engine) StartEntity(ctx context.Context, definition, entityID, actorID string) (domain.Entity, error) {
	if actorID == "" {
		return domain.Entity{}, fmt.Errorf("%w: actor id required", domain.ErrInvalidInput)
	}
	def, err := e.definition(definition)
	if err != nil {
		return domain.Entity{}, err
	}
	if !def.Active {
		return domain.Entity{}, fmt.Errorf("%w: %s", domain.ErrDefinitionInactive, def.Code)
	}
	initial, ok := def.InitialState()
	if !ok {
		return domain.Entity{}, fmt.Errorf("definition %s has no initial state", def.Code)
	}
	if strings.TrimSpace(entityID) == "" {
		entityID = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()

	now := e.now()
	ent := domain.Entity{
		ID:             entityID,
		Definition:     def.Code,
		CurrentState:   initial.Code,
		EnteredStateAt: now,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	inserted, err := e.Repo.InsertEntityTx(ctx, tx, ent)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("insert entity: %w", err)
	}
	if !inserted {
		existing, err := e.Repo.GetEntityTx(ctx, tx, entityID)
		if err != nil {
			return domain.Entity{}, err
		}
		if existing.Definition != def.Code {
			return domain.Entity{}, fmt.Errorf("%w: entity %s already follows %s", domain.ErrInvalidInput, entityID, existing.Definition)
		}
		return existing, nil
	}
	if _, err := e.history().Append(ctx, tx, events.Change{
		EntityID: ent.ID,
		ToState:  initial.Code,
		ActorID:  actorID,
	}); err != nil {
		return domain.Entity{}, err
	}
	if list, ok := e.Registry.Checklist(def.Code); ok {
		if _, err := e.Repo.InsertChecklistItemsTx(ctx, tx, ent.ID, itemCodes(list)); err != nil {
			return domain.Entity{}, fmt.Errorf("create checklist: %w", err)
		}
	}
	if err := e.events().Append(ctx, tx, events.TypeEntityStarted, def.EntityKind, ent.ID, actorID, events.EventPayload{
		"definition": def.Code,
		"state":      initial.Code,
	}); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	e.logger().Info("entity started", "entity_id", ent.ID, "definition", def.Code, "state", initial.Code)
	return ent, nil
}

func (e Engine) GetEntity(ctx context.Context, entityID string) (domain.Entity, error) {
	return e.Repo.GetEntity(ctx, entityID)
}

// History returns the entity's state log oldest first.
func (e Engine) History(ctx context.Context, entityID string) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, entityID)
}

// VerifyHistory recomputes the entity's history hash chain.
func (e Engine) VerifyHistory(ctx context.Context, entityID string) error {
	entries, err := e.History(ctx, entityID)
	if err != nil {
		return err
	}
	return events.Verify(entries)
}

func itemCodes(list domain.Checklist) []string {
	codes := make([]string, len(list.Items))
	for i, it := range list.Items {
		codes[i] = it.Code
	}
	return codes
}
