package server

import (
	"encoding/json"
	"time"

	"readyline/internal/domain"
	"readyline/internal/engine"
)

// Request payloads

type StartEntityRequest struct {
	Definition string `json:"definition,omitempty" doc:"Workflow definition code; defaults to the default definition of entity_kind"`
	EntityKind string `json:"entity_kind,omitempty"`
	ID         string `json:"id,omitempty" doc:"Entity id; generated when empty"`
}

type TransitionRequest struct {
	Code string `json:"code" minLength:"1"`
	// FromState pins the state the caller last observed.
	FromState       string `json:"from_state,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type OverrideItemRequest struct {
	Reason string `json:"reason" minLength:"1"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Source  string `json:"source"`
}

type WorkflowSummary struct {
	Code       string `json:"code"`
	Label      string `json:"label"`
	EntityKind string `json:"entity_kind"`
	Default    bool   `json:"default"`
	Active     bool   `json:"active"`
	States     int    `json:"states"`
}

type TransitionResponse struct {
	Code                 string        `json:"code"`
	From                 string        `json:"from"`
	To                   string        `json:"to"`
	Label                string        `json:"label"`
	Roles                []domain.Role `json:"roles"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
	ConfirmationMessage  string        `json:"confirmation_message,omitempty"`
	Style                string        `json:"style,omitempty"`
}

type EscalationResponse struct {
	ID                 string        `json:"id"`
	State              string        `json:"state"`
	TriggerAfterDays   int           `json:"trigger_after_days"`
	RepeatIntervalDays int           `json:"repeat_interval_days"`
	MaxRepeats         int           `json:"max_repeats"`
	Active             bool          `json:"active"`
	TemplateID         string        `json:"template_id"`
	Recipients         []domain.Role `json:"recipients"`
}

type WorkflowResponse struct {
	Code        string               `json:"code"`
	Label       string               `json:"label"`
	Description string               `json:"description,omitempty"`
	EntityKind  string               `json:"entity_kind"`
	Default     bool                 `json:"default"`
	Active      bool                 `json:"active"`
	States      []domain.State       `json:"states"`
	Transitions []TransitionResponse `json:"transitions"`
	Escalations []EscalationResponse `json:"escalations"`
}

type TransitionResultResponse struct {
	Entity domain.Entity `json:"entity"`
	State  domain.State  `json:"state"`
}

type HistoryEntryResponse struct {
	Seq            int       `json:"seq"`
	FromState      string    `json:"from_state,omitempty"`
	ToState        string    `json:"to_state"`
	TransitionCode string    `json:"transition_code,omitempty"`
	Role           string    `json:"role,omitempty"`
	ActorID        string    `json:"actor_id"`
	PriorHash      string    `json:"prior_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

type HistoryResponse struct {
	EntityID string                 `json:"entity_id"`
	Verified bool                   `json:"verified"`
	Error    string                 `json:"error,omitempty"`
	Entries  []HistoryEntryResponse `json:"entries"`
}

type ChecklistItemResponse struct {
	Code           string     `json:"code"`
	Phase          string     `json:"phase"`
	Label          string     `json:"label"`
	Rule           string     `json:"rule"`
	Completed      bool       `json:"completed"`
	CompletedBy    string     `json:"completed_by,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Overridden     bool       `json:"overridden"`
	OverrideReason string     `json:"override_reason,omitempty"`
	OverriddenBy   string     `json:"overridden_by,omitempty"`
}

type ChecklistResponse struct {
	Code   string                  `json:"code"`
	Phases []domain.Phase          `json:"phases"`
	Items  []ChecklistItemResponse `json:"items"`
	Status domain.CompletionStatus `json:"status"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         time.Time       `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func transitionResponse(t domain.Transition) TransitionResponse {
	return TransitionResponse{
		Code:                 t.Code,
		From:                 t.From,
		To:                   t.To,
		Label:                t.Label,
		Roles:                nonNilSlice(t.Roles()),
		RequiresConfirmation: t.RequiresConfirmation,
		ConfirmationMessage:  t.ConfirmationMessage,
		Style:                t.Style,
	}
}

func transitionResponses(ts []domain.Transition) []TransitionResponse {
	out := make([]TransitionResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, transitionResponse(t))
	}
	return out
}

func escalationResponse(r domain.EscalationRule) EscalationResponse {
	return EscalationResponse{
		ID:                 r.ID,
		State:              r.State,
		TriggerAfterDays:   r.TriggerAfterDays,
		RepeatIntervalDays: r.RepeatIntervalDays,
		MaxRepeats:         r.MaxRepeats,
		Active:             r.Active,
		TemplateID:         r.Action.TemplateID,
		Recipients:         nonNilSlice(r.Action.Recipients),
	}
}

func historyEntryResponse(h domain.HistoryEntry) HistoryEntryResponse {
	return HistoryEntryResponse{
		Seq:            h.Seq,
		FromState:      h.FromState,
		ToState:        h.ToState,
		TransitionCode: h.TransitionCode,
		Role:           string(h.Role),
		ActorID:        h.ActorID,
		PriorHash:      h.PriorHash,
		CreatedAt:      h.CreatedAt,
	}
}

func checklistResponse(list domain.Checklist, items []domain.ChecklistItem, status domain.CompletionStatus) ChecklistResponse {
	resp := ChecklistResponse{
		Code:   list.Code,
		Phases: nonNilSlice(list.Phases),
		Items:  make([]ChecklistItemResponse, 0, len(items)),
		Status: status,
	}
	for i, def := range list.Items {
		it := items[i]
		rule := ""
		if def.Rule != nil {
			rule = string(def.Rule.Kind())
		}
		resp.Items = append(resp.Items, ChecklistItemResponse{
			Code:           def.Code,
			Phase:          def.Phase,
			Label:          def.Label,
			Rule:           rule,
			Completed:      it.Completed,
			CompletedBy:    it.CompletedBy,
			CompletedAt:    it.CompletedAt,
			Overridden:     it.Overridden,
			OverrideReason: it.OverrideReason,
			OverriddenBy:   it.OverriddenBy,
		})
	}
	return resp
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func transitionRequest(p Principal, entityID, def string, body TransitionRequest) engine.TransitionRequest {
	return engine.TransitionRequest{
		Definition:      def,
		EntityID:        entityID,
		CurrentState:    body.FromState,
		Code:            body.Code,
		Role:            p.Role,
		ActorID:         p.ActorID,
		ExpectedVersion: body.ExpectedVersion,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
