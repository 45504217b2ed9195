package domain

import "time"

type Phase struct {
	Code      string `json:"code"`
	Label     string `json:"label"`
	SortOrder int    `json:"sort_order"`
}

type ChecklistItemDefinition struct {
	Code        string `json:"code"`
	Phase       string `json:"phase"`
	SortOrder   int    `json:"sort_order"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Rule        Rule   `json:"-"`
}

// Checklist groups item definitions bound to one workflow definition.
type Checklist struct {
	Code          string                    `json:"code"`
	Definition    string                    `json:"definition"`
	Phases        []Phase                   `json:"phases"`
	Items         []ChecklistItemDefinition `json:"items"`
	OverrideRoles RoleSet                   `json:"-"`
}

// ChecklistItem is the per-entity instance of an item definition.
type ChecklistItem struct {
	EntityID       string     `json:"entity_id"`
	ItemCode       string     `json:"item_code"`
	Completed      bool       `json:"completed"`
	CompletedBy    string     `json:"completed_by,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Overridden     bool       `json:"overridden"`
	OverrideReason string     `json:"override_reason,omitempty"`
	OverriddenBy   string     `json:"overridden_by,omitempty"`
	OverriddenAt   *time.Time `json:"overridden_at,omitempty"`
}

// Done reports whether the item counts as satisfied for dependents.
func (i ChecklistItem) Done() bool {
	return i.Completed || i.Overridden
}

type Verdict struct {
	CanComplete bool   `json:"can_complete"`
	Reason      string `json:"reason,omitempty"`
}

func Pass() Verdict { return Verdict{CanComplete: true} }

func Fail(reason string) Verdict { return Verdict{Reason: reason} }

type PhaseProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

type BlockingItem struct {
	Code   string `json:"code"`
	Phase  string `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

type CompletionStatus struct {
	EntityID      string                   `json:"entity_id"`
	Total         int                      `json:"total"`
	Completed     int                      `json:"completed"`
	ByPhase       map[string]PhaseProgress `json:"by_phase"`
	BlockingItems []BlockingItem           `json:"blocking_items"`
}
