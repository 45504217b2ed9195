package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"readyline/internal/domain"
)

type workflowPath struct {
	Code string `path:"code"`
}

func (h handlers) workflowResponse(def domain.Definition) WorkflowResponse {
	resp := WorkflowResponse{
		Code:        def.Code,
		Label:       def.Label,
		Description: def.Description,
		EntityKind:  def.EntityKind,
		Default:     def.Default,
		Active:      def.Active,
		States:      nonNilSlice(def.States),
		Transitions: transitionResponses(def.Transitions),
		Escalations: []EscalationResponse{},
	}
	for _, r := range h.e.Registry.EscalationRules() {
		if r.Definition == def.Code {
			resp.Escalations = append(resp.Escalations, escalationResponse(r))
		}
	}
	return resp
}

func (h handlers) definition(code string) (domain.Definition, huma.StatusError) {
	def, ok := h.e.Registry.Definition(code)
	if !ok {
		return domain.Definition{}, handleError(fmt.Errorf("%w: %s", domain.ErrUnknownDefinition, code))
	}
	return def, nil
}

func (h handlers) registerWorkflows(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflow definitions",
	}, func(ctx context.Context, _ *struct{}) (*output[[]WorkflowSummary], error) {
		if _, err := h.principal(ctx); err != nil {
			return nil, err
		}
		defs := h.e.Registry.Definitions()
		out := make([]WorkflowSummary, 0, len(defs))
		for _, d := range defs {
			out = append(out, WorkflowSummary{
				Code:       d.Code,
				Label:      d.Label,
				EntityKind: d.EntityKind,
				Default:    d.Default,
				Active:     d.Active,
				States:     len(d.States),
			})
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{code}",
		Summary:     "Get a workflow definition with its states, transitions and escalation rules",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*output[WorkflowResponse], error) {
		if _, err := h.principal(ctx); err != nil {
			return nil, err
		}
		def, err := h.definition(input.Code)
		if err != nil {
			return nil, err
		}
		return respond(h.workflowResponse(def)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-state-transitions",
		Method:      http.MethodGet,
		Path:        "/workflows/{code}/states/{state}/transitions",
		Summary:     "Transitions the caller's role may take out of a state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code  string `path:"code"`
		State string `path:"state"`
	}) (*output[[]TransitionResponse], error) {
		p, err := h.principal(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := h.definition(input.Code); err != nil {
			return nil, err
		}
		if _, ok := h.e.Registry.State(input.Code, input.State); !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("state %s not in %s", input.State, input.Code), nil)
		}
		return respond(transitionResponses(h.e.AvailableTransitions(input.Code, input.State, p.Role))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-workflow-active",
		Method:      http.MethodPut,
		Path:        "/workflows/{code}/active",
		Summary:     "Activate or deactivate a workflow definition",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code string `path:"code"`
		Body struct {
			Active bool `json:"active"`
		}
	}) (*output[WorkflowSummary], error) {
		p, err := h.admin(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := h.definition(input.Code); err != nil {
			return nil, err
		}
		if err := h.e.Registry.SetActive(input.Code, input.Body.Active); err != nil {
			return nil, handleError(err)
		}
		h.log.Info("workflow activation changed", "definition", input.Code, "active", input.Body.Active, "actor_id", p.ActorID)
		def, _ := h.e.Registry.Definition(input.Code)
		return respond(WorkflowSummary{
			Code: def.Code, Label: def.Label, EntityKind: def.EntityKind,
			Default: def.Default, Active: def.Active, States: len(def.States),
		}), nil
	})
}
