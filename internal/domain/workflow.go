package domain

import (
	"sort"
	"strings"
	"time"
)

// Category classifies a state within its definition graph.
type Category string

const (
	CategoryInitial      Category = "INITIAL"
	CategoryIntermediate Category = "INTERMEDIATE"
	CategoryRejected     Category = "REJECTED"
	CategoryTerminal     Category = "TERMINAL"
)

// ParseCategory maps a configuration tag onto a Category.
func ParseCategory(s string) (Category, bool) {
	switch c := Category(strings.ToUpper(strings.TrimSpace(s))); c {
	case CategoryInitial, CategoryIntermediate, CategoryRejected, CategoryTerminal:
		return c, true
	}
	return "", false
}

// Role is an opaque acting-role identifier drawn from the configured universe.
type Role string

// RoleSet is an unordered set of roles.
type RoleSet map[Role]struct{}

func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Slice returns the roles sorted for stable output.
func (s RoleSet) Slice() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type State struct {
	Code        string   `json:"code"`
	Category    Category `json:"category" enum:"INITIAL,INTERMEDIATE,REJECTED,TERMINAL"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Color       string   `json:"color,omitempty"`
	SortOrder   int      `json:"sort_order"`
	SLADays     *int     `json:"sla_days,omitempty"`
}

// NotificationAction describes a notification to enqueue when something happens.
type NotificationAction struct {
	TemplateID string            `json:"template_id"`
	Recipients []Role            `json:"recipients"`
	Context    map[string]string `json:"context,omitempty"`
}

// Notification renders the action, with extra merged over the configured context.
func (a NotificationAction) Notification(extra map[string]any) Notification {
	ctx := make(map[string]any, len(a.Context)+len(extra))
	for k, v := range a.Context {
		ctx[k] = v
	}
	for k, v := range extra {
		ctx[k] = v
	}
	return Notification{
		Recipients: append([]Role(nil), a.Recipients...),
		TemplateID: a.TemplateID,
		Context:    ctx,
	}
}

type Transition struct {
	Code                 string              `json:"code"`
	From                 string              `json:"from"`
	To                   string              `json:"to"`
	Label                string              `json:"label"`
	Description          string              `json:"description,omitempty"`
	AllowedRoles         RoleSet             `json:"-"`
	RequiresConfirmation bool                `json:"requires_confirmation"`
	ConfirmationMessage  string              `json:"confirmation_message,omitempty"`
	Style                string              `json:"style,omitempty"`
	Notify               *NotificationAction `json:"notify,omitempty"`
}

// Roles exposes the allowed roles in a serializable form.
func (t Transition) Roles() []Role { return t.AllowedRoles.Slice() }

// Definition is one workflow graph for an entity kind.
type Definition struct {
	Code        string       `json:"code"`
	Label       string       `json:"label"`
	Description string       `json:"description,omitempty"`
	EntityKind  string       `json:"entity_kind"`
	Default     bool         `json:"default"`
	Active      bool         `json:"active"`
	States      []State      `json:"states"`
	Transitions []Transition `json:"transitions"`
}

// InitialState returns the single INITIAL state. Validated definitions always have one.
func (d Definition) InitialState() (State, bool) {
	for _, s := range d.States {
		if s.Category == CategoryInitial {
			return s, true
		}
	}
	return State{}, false
}

type EscalationRule struct {
	ID                 string             `json:"id"`
	Definition         string             `json:"definition"`
	State              string             `json:"state"`
	TriggerAfterDays   int                `json:"trigger_after_days"`
	RepeatIntervalDays int                `json:"repeat_interval_days"`
	MaxRepeats         int                `json:"max_repeats"`
	Active             bool               `json:"active"`
	Action             NotificationAction `json:"action"`
}

// DueAt is the first moment the rule may fire for a state entered at enteredAt.
func (r EscalationRule) DueAt(enteredAt time.Time) time.Time {
	return enteredAt.Add(Days(r.TriggerAfterDays))
}

// EscalationRecord tracks firings of one rule for one entity during one state entry.
type EscalationRecord struct {
	EntityID       string     `json:"entity_id"`
	RuleID         string     `json:"rule_id"`
	StateCode      string     `json:"state_code"`
	StateEnteredAt time.Time  `json:"state_entered_at"`
	FireCount      int        `json:"fire_count"`
	LastFiredAt    *time.Time `json:"last_fired_at,omitempty"`
}

// Entity is the engine's view of a consumer's state pointer.
type Entity struct {
	ID             string    `json:"id"`
	Definition     string    `json:"definition"`
	CurrentState   string    `json:"current_state"`
	EnteredStateAt time.Time `json:"entered_state_at"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Days converts a day count into a duration.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
