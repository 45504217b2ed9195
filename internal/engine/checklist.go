package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/readiness"
	"readyline/internal/repo"
)

func (e Engine) checklistFor(ctx context.Context, entityID string) (domain.Entity, domain.Checklist, error) {
	ent, err := e.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return domain.Entity{}, domain.Checklist{}, fmt.Errorf("entity %s: %w", entityID, err)
	}
	list, ok := e.Registry.Checklist(ent.Definition)
	if !ok {
		return ent, domain.Checklist{}, fmt.Errorf("%w: %s", domain.ErrNoChecklist, ent.Definition)
	}
	return ent, list, nil
}

func (e Engine) item(ent domain.Entity, code string) (domain.ChecklistItemDefinition, error) {
	item, ok := e.Registry.ChecklistItem(ent.Definition, code)
	if !ok {
		return domain.ChecklistItemDefinition{}, fmt.Errorf("checklist item %s: %w", code, repo.ErrNotFound)
	}
	return item, nil
}

// EnsureChecklist creates any missing item instances for the entity and
// returns how many were created.
func (e Engine) EnsureChecklist(ctx context.Context, entityID string) (int, error) {
	_, list, err := e.checklistFor(ctx, entityID)
	if err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.InsertChecklistItemsTx(ctx, tx, entityID, itemCodes(list))
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Checklist returns the item definitions paired with the entity's instances,
// in phase and sort order.
func (e Engine) Checklist(ctx context.Context, entityID string) (domain.Checklist, []domain.ChecklistItem, error) {
	_, list, err := e.checklistFor(ctx, entityID)
	if err != nil {
		return domain.Checklist{}, nil, err
	}
	items, err := e.orderedItems(ctx, entityID, list)
	if err != nil {
		return domain.Checklist{}, nil, err
	}
	return list, items, nil
}

// orderedItems aligns the stored instances with list.Items; items without a
// stored instance are reported as not completed.
func (e Engine) orderedItems(ctx context.Context, entityID string, list domain.Checklist) ([]domain.ChecklistItem, error) {
	items, err := e.Repo.ChecklistSnapshot(ctx, entityID)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]domain.ChecklistItem, len(items))
	for _, it := range items {
		byCode[it.ItemCode] = it
	}
	ordered := make([]domain.ChecklistItem, 0, len(list.Items))
	for _, def := range list.Items {
		it, ok := byCode[def.Code]
		if !ok {
			it = domain.ChecklistItem{EntityID: entityID, ItemCode: def.Code}
		}
		ordered = append(ordered, it)
	}
	return ordered, nil
}

// EvaluateReadiness reports whether role could complete the item now.
// Only unknown entities or items are errors; data problems fail closed.
func (e Engine) EvaluateReadiness(ctx context.Context, entityID, itemCode string, role domain.Role) (domain.Verdict, error) {
	ent, _, err := e.checklistFor(ctx, entityID)
	if err != nil {
		return domain.Verdict{}, err
	}
	item, err := e.item(ent, itemCode)
	if err != nil {
		return domain.Verdict{}, err
	}
	return e.evaluate(ctx, ent, item, role), nil
}

func (e Engine) evaluate(ctx context.Context, ent domain.Entity, item domain.ChecklistItemDefinition, role domain.Role) domain.Verdict {
	return e.evaluateWith(ctx, e.Evaluator, ent, item, role)
}

func (e Engine) evaluateWith(ctx context.Context, ev readiness.Evaluator, ent domain.Entity, item domain.ChecklistItemDefinition, role domain.Role) domain.Verdict {
	return ev.Evaluate(ctx, readiness.EntityContext{
		EntityID:   ent.ID,
		Definition: ent.Definition,
		Role:       role,
	}, item.Rule)
}

type CompleteRequest struct {
	EntityID string
	ItemCode string
	Role     domain.Role
	ActorID  string
}

// CompleteItem re-evaluates the item's readiness rule inside the completing
// transaction and marks it completed. A failing rule is returned as
// *domain.NotReadyError. Completing an item that is already done is a no-op.
func (e Engine) CompleteItem(ctx context.Context, req CompleteRequest) (domain.ChecklistItem, error) {
	if req.ActorID == "" {
		return domain.ChecklistItem{}, fmt.Errorf("%w: actor id required", domain.ErrInvalidInput)
	}
	ent, list, err := e.checklistFor(ctx, req.EntityID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	item, err := e.item(ent, req.ItemCode)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.InsertChecklistItemsTx(ctx, tx, ent.ID, itemCodes(list)); err != nil {
		return domain.ChecklistItem{}, err
	}
	current, err := e.Repo.GetChecklistItemTx(ctx, tx, ent.ID, item.Code)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	if current.Done() {
		return current, tx.Commit()
	}
	// The verdict reads through tx, whose write lock is held from BEGIN, so
	// the rows it saw cannot change before the update commits.
	verdict := e.evaluateWith(ctx, e.Evaluator.Using(e.Repo.SourcesTx(tx)), ent, item, req.Role)
	if !verdict.CanComplete {
		e.Metrics.RecordChecklistChange("complete", "not_ready")
		return domain.ChecklistItem{}, &domain.NotReadyError{ItemCode: item.Code, Reason: verdict.Reason}
	}
	now := e.now()
	if err := e.Repo.CompleteChecklistItemTx(ctx, tx, ent.ID, item.Code, req.ActorID, now); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := e.events().Append(ctx, tx, events.TypeChecklistCompleted, "checklist_item", ent.ID, req.ActorID, events.EventPayload{
		"item": item.Code,
		"role": string(req.Role),
	}); err != nil {
		return domain.ChecklistItem{}, err
	}
	updated, err := e.Repo.GetChecklistItemTx(ctx, tx, ent.ID, item.Code)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistItem{}, err
	}
	e.Metrics.RecordChecklistChange("complete", "ok")
	e.logger().Info("checklist item completed", "entity_id", ent.ID, "item", item.Code, "actor_id", req.ActorID)
	return updated, nil
}

type OverrideRequest struct {
	EntityID string
	ItemCode string
	Reason   string
	Role     domain.Role
	ActorID  string
}

// OverrideItem marks an item satisfied regardless of its readiness rule.
// Only the checklist's override roles may do so, and a reason is required.
func (e Engine) OverrideItem(ctx context.Context, req OverrideRequest) (domain.ChecklistItem, error) {
	if req.ActorID == "" {
		return domain.ChecklistItem{}, fmt.Errorf("%w: actor id required", domain.ErrInvalidInput)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.ChecklistItem{}, fmt.Errorf("%w: override reason required", domain.ErrInvalidInput)
	}
	ent, list, err := e.checklistFor(ctx, req.EntityID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	item, err := e.item(ent, req.ItemCode)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	if !list.OverrideRoles.Has(req.Role) {
		e.Metrics.RecordChecklistChange("override", "forbidden")
		return domain.ChecklistItem{}, fmt.Errorf("%w: role %s on %s", domain.ErrOverrideForbidden, req.Role, item.Code)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.InsertChecklistItemsTx(ctx, tx, ent.ID, itemCodes(list)); err != nil {
		return domain.ChecklistItem{}, err
	}
	now := e.now()
	if err := e.Repo.OverrideChecklistItemTx(ctx, tx, ent.ID, item.Code, reason, req.ActorID, now); err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := e.events().Append(ctx, tx, events.TypeChecklistOverride, "checklist_item", ent.ID, req.ActorID, events.EventPayload{
		"item":   item.Code,
		"role":   string(req.Role),
		"reason": reason,
	}); err != nil {
		return domain.ChecklistItem{}, err
	}
	updated, err := e.Repo.GetChecklistItemTx(ctx, tx, ent.ID, item.Code)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistItem{}, err
	}
	e.Metrics.RecordChecklistChange("override", "ok")
	e.logger().Info("checklist item overridden", "entity_id", ent.ID, "item", item.Code, "actor_id", req.ActorID, "reason", reason)
	return updated, nil
}

// CompletionStatus summarizes progress. Blocking items are the incomplete
// items whose rule currently fails for role, with the failing reason.
func (e Engine) CompletionStatus(ctx context.Context, entityID string, role domain.Role) (domain.CompletionStatus, error) {
	ent, list, err := e.checklistFor(ctx, entityID)
	if err != nil {
		return domain.CompletionStatus{}, err
	}
	items, err := e.orderedItems(ctx, entityID, list)
	if err != nil {
		return domain.CompletionStatus{}, err
	}
	status := domain.CompletionStatus{
		EntityID:      entityID,
		ByPhase:       make(map[string]domain.PhaseProgress, len(list.Phases)),
		BlockingItems: []domain.BlockingItem{},
	}
	for _, p := range list.Phases {
		status.ByPhase[p.Code] = domain.PhaseProgress{}
	}
	for i, def := range list.Items {
		it := items[i]
		progress := status.ByPhase[def.Phase]
		progress.Total++
		status.Total++
		if it.Done() {
			progress.Completed++
			status.Completed++
		} else if v := e.evaluate(ctx, ent, def, role); !v.CanComplete {
			status.BlockingItems = append(status.BlockingItems, domain.BlockingItem{Code: def.Code, Phase: def.Phase, Reason: v.Reason})
		}
		status.ByPhase[def.Phase] = progress
	}
	return status, nil
}

// IsNotReady extracts the readiness verdict from a CompleteItem error.
func IsNotReady(err error) (*domain.NotReadyError, bool) {
	var nr *domain.NotReadyError
	if errors.As(err, &nr) {
		return nr, true
	}
	return nil, false
}
