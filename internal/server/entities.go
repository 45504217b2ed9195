package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"readyline/internal/domain"
	"readyline/internal/engine"
)

type entityPath struct {
	ID string `path:"id"`
}

type itemPath struct {
	ID   string `path:"id"`
	Item string `path:"item"`
}

func (h handlers) registerEntities(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-entity",
		Method:        http.MethodPost,
		Path:          "/entities",
		Summary:       "Register an entity in its definition's initial state",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body StartEntityRequest
	}) (*output[domain.Entity], error) {
		p, err := h.principal(ctx)
		if err != nil {
			return nil, err
		}
		code := strings.TrimSpace(input.Body.Definition)
		if code == "" {
			kind := strings.TrimSpace(input.Body.EntityKind)
			if kind == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "definition or entity_kind required", nil)
			}
			def, ok := h.e.Registry.DefaultFor(kind)
			if !ok {
				return nil, handleError(fmt.Errorf("%w: no default for entity kind %s", domain.ErrUnknownDefinition, kind))
			}
			code = def.Code
		}
		ent, startErr := h.e.StartEntity(ctx, code, input.Body.ID, p.ActorID)
		if startErr != nil {
			return nil, handleError(startErr)
		}
		return respond(ent), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{id}",
		Summary:     "Get an entity's state pointer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*output[domain.Entity], error) {
		if _, err := h.principal(ctx); err != nil {
			return nil, err
		}
		ent, err := h.e.GetEntity(ctx, input.ID)
		if err != nil {
			return nil, handleError(fmt.Errorf("entity %s: %w", input.ID, err))
		}
		return respond(ent), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entity-transitions",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/transitions",
		Summary:     "Transitions the caller's role may take from the entity's current state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*output[[]TransitionResponse], error) {
		p, err := h.principal(ctx)
		if err != nil {
			return nil, err
		}
		ent, getErr := h.e.GetEntity(ctx, input.ID)
		if getErr != nil {
			return nil, handleError(fmt.Errorf("entity %s: %w", input.ID, getErr))
		}
		return respond(transitionResponses(h.e.AvailableTransitions(ent.Definition, ent.CurrentState, p.Role))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attempt-transition",
		Method:      http.MethodPost,
		Path:        "/entities/{id}/transitions",
		Summary:     "Attempt a transition as the caller's role",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body TransitionRequest
	}) (*output[TransitionResultResponse], error) {
		p, err := h.principal(ctx)
		if err != nil {
			return nil, err
		}
		ent, getErr := h.e.GetEntity(ctx, input.ID)
		if getErr != nil {
			return nil, handleError(fmt.Errorf("entity %s: %w", input.ID, getErr))
		}
		req := transitionRequest(p, ent.ID, ent.Definition, input.Body)
		if req.CurrentState == "" {
			req.CurrentState = ent.CurrentState
		}
		st, moveErr := h.e.AttemptTransition(ctx, req)
		if moveErr != nil {
			return nil, handleError(moveErr)
		}
		ent, getErr = h.e.GetEntity(ctx, input.ID)
		if getErr != nil {
			return nil, handleError(getErr)
		}
		return respond(TransitionResultResponse{Entity: ent, State: st}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity-history",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/history",
		Summary:     "State history with hash chain verification",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*output[HistoryResponse], error) {
		if _, err := h.principal(ctx); err != nil {
			return nil, err
		}
		entries, err := h.e.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(fmt.Errorf("entity %s: %w", input.ID, err))
		}
		resp := HistoryResponse{EntityID: input.ID, Verified: true, Entries: make([]HistoryEntryResponse, 0, len(entries))}
		if err := h.e.VerifyHistory(ctx, input.ID); err != nil {
			resp.Verified = false
			resp.Error = err.Error()
		}
		for _, e := range entries {
			resp.Entries = append(resp.Entries, historyEntryResponse(e))
		}
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entity-notifications",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/notifications",
		Summary:     "Notifications queued for an entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*output[[]domain.OutboxEntry], error) {
		if _, err := h.principal(ctx); err != nil {
			return nil, err
		}
		if _, err := h.e.GetEntity(ctx, input.ID); err != nil {
			return nil, handleError(fmt.Errorf("entity %s: %w", input.ID, err))
		}
		items, err := h.e.Repo.ListNotifications(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})
}

func (h handlers) registerChecklist(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-checklist",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/checklist",
		Summary:     "Checklist items with completion status for the caller's role",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*output[ChecklistResponse], error) {
		p, err := h.principal(ctx)
		if err != nil {
			return nil, err
		}
		list, items, listErr := h.e.Checklist(ctx, input.ID)
		if listErr != nil {
			return nil, handleError(listErr)
		}
		status, statusErr := h.e.CompletionStatus(ctx, input.ID, p.Role)
		if statusErr != nil {
			return nil, handleError(statusErr)
		}
		return respond(checklistResponse(list, items, status)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-readiness",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/checklist/{item}/readiness",
		Summary:     "Whether the caller's role could complete the item now",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*output[domain.Verdict], error) {
		p, err := h.principal(ctx)
		if err != nil {
			return nil, err
		}
		v, evalErr := h.e.EvaluateReadiness(ctx, input.ID, input.Item, p.Role)
		if evalErr != nil {
			return nil, handleError(evalErr)
		}
		return respond(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-item",
		Method:      http.MethodPost,
		Path:        "/entities/{id}/checklist/{item}/complete",
		Summary:     "Complete a checklist item once its readiness rule passes",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *itemPath) (*output[domain.ChecklistItem], error) {
		p, err := h.principal(ctx)
		if err != nil {
			return nil, err
		}
		it, completeErr := h.e.CompleteItem(ctx, engine.CompleteRequest{
			EntityID: input.ID, ItemCode: input.Item, Role: p.Role, ActorID: p.ActorID,
		})
		if completeErr != nil {
			return nil, handleError(completeErr)
		}
		return respond(it), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-item",
		Method:      http.MethodPost,
		Path:        "/entities/{id}/checklist/{item}/override",
		Summary:     "Mark an item satisfied regardless of its rule",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Item string `path:"item"`
		Body OverrideItemRequest
	}) (*output[domain.ChecklistItem], error) {
		p, err := h.principal(ctx)
		if err != nil {
			return nil, err
		}
		it, overrideErr := h.e.OverrideItem(ctx, engine.OverrideRequest{
			EntityID: input.ID, ItemCode: input.Item, Reason: input.Body.Reason, Role: p.Role, ActorID: p.ActorID,
		})
		if overrideErr != nil {
			return nil, handleError(overrideErr)
		}
		return respond(it), nil
	})
}
