package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"readyline/internal/domain"
	"readyline/internal/escalation"
	"readyline/internal/repo"
)

func (h handlers) registerEscalations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "tick-escalations",
		Method:      http.MethodPost,
		Path:        "/escalations/tick",
		Summary:     "Run one escalation scan immediately",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*output[escalation.TickResult], error) {
		p, err := h.admin(ctx)
		if err != nil {
			return nil, err
		}
		if h.cfg.Scheduler == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "escalation scheduler not configured", nil)
		}
		res, tickErr := h.cfg.Scheduler.Tick(ctx)
		if tickErr != nil {
			return nil, handleError(tickErr)
		}
		h.log.Info("manual escalation tick", "actor_id", p.ActorID, "fired", res.Fired, "scanned", res.Scanned)
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entity-escalations",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/escalations",
		Summary:     "Escalation records for an entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*output[[]domain.EscalationRecord], error) {
		if _, err := h.principal(ctx); err != nil {
			return nil, err
		}
		if _, err := h.e.GetEntity(ctx, input.ID); err != nil {
			return nil, handleError(fmt.Errorf("entity %s: %w", input.ID, err))
		}
		recs, err := h.e.Repo.ListEscalationRecords(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(recs)), nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		if _, err := h.principal(ctx); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			v, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || v <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = v
		}
		evts, err := h.e.Repo.LatestEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: make([]EventResponse, 0, limit)}
		if len(evts) > limit {
			resp.NextCursor = strconv.FormatInt(evts[limit-1].ID, 10)
			evts = evts[:limit]
		}
		for _, evt := range evts {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}
