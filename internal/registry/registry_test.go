package registry_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readyline/internal/config"
	"readyline/internal/domain"
	"readyline/internal/registry"
)

func TestBuildDefault(t *testing.T) {
	reg, err := registry.Build(config.Default())
	require.NoError(t, err)

	def, ok := reg.DefaultFor("cap")
	require.True(t, ok)
	assert.Equal(t, "CAP_LIFECYCLE", def.Code)
	assert.True(t, def.Active)

	initial, ok := def.InitialState()
	require.True(t, ok)
	assert.Equal(t, "DRAFT", initial.Code)

	tr, ok := reg.Transition("CAP_LIFECYCLE", "SUBMITTED", "ACCEPT")
	require.True(t, ok)
	assert.Equal(t, "ACCEPTED", tr.To)
	assert.True(t, tr.AllowedRoles.Has("TEAM_LEAD"))
	assert.False(t, tr.AllowedRoles.Has("HOST_FOCAL"))

	out := reg.TransitionsFrom("CAP_LIFECYCLE", "SUBMITTED")
	require.Len(t, out, 2)
	assert.Equal(t, "ACCEPT", out[0].Code)
	assert.Equal(t, "REJECT", out[1].Code)
	assert.True(t, out[1].RequiresConfirmation)

	rules := reg.RulesForState("CAP_LIFECYCLE", "SUBMITTED")
	require.Len(t, rules, 1)
	assert.Equal(t, 7, rules[0].TriggerAfterDays)

	item, ok := reg.ChecklistItem("REVIEW_LIFECYCLE", "SITE_CLOSING_MEETING")
	require.True(t, ok)
	pre, ok := item.Rule.(domain.PrerequisiteItems)
	require.True(t, ok)
	assert.Len(t, pre.Required, 5)

	list, ok := reg.Checklist("REVIEW_LIFECYCLE")
	require.True(t, ok)
	assert.Equal(t, "SELF_ASSESSMENT_RECEIVED", list.Items[0].Code)
	assert.Equal(t, "CHECKLIST_SIGNED_OFF", list.Items[len(list.Items)-1].Code)
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	reg := registry.MustBuild(config.Default())
	for _, def := range reg.Definitions() {
		for _, st := range def.States {
			if st.Category != domain.CategoryTerminal {
				continue
			}
			assert.Empty(t, reg.TransitionsFrom(def.Code, st.Code), "%s/%s", def.Code, st.Code)
		}
	}
}

func TestSetActive(t *testing.T) {
	reg := registry.MustBuild(config.Default())
	require.NoError(t, reg.SetActive("CAP_LIFECYCLE", false))
	assert.False(t, reg.Active("CAP_LIFECYCLE"))
	def, _ := reg.Definition("CAP_LIFECYCLE")
	assert.False(t, def.Active)
	require.Error(t, reg.SetActive("NOPE", true))

	require.NoError(t, reg.SetRuleActive("cap-submitted-overdue", false))
	for _, r := range reg.EscalationRules() {
		if r.ID == "cap-submitted-overdue" {
			assert.False(t, r.Active)
		}
	}
}

const brokenYAML = `
roles: [ADMIN, LEAD]
workflows:
  - code: BROKEN
    entity_kind: thing
    default: true
    states:
      - {code: A, category: INITIAL}
      - {code: B, category: INITIAL}
      - {code: C, category: TERMINAL}
      - {code: D, category: SIDEWAYS}
    transitions:
      - {code: GO, from: A, to: B, roles: [ADMIN]}
      - {code: GO, from: A, to: C, roles: [ADMIN]}
      - {code: BACK, from: C, to: A, roles: [ADMIN]}
      - {code: LOST, from: A, to: Z, roles: [GHOST]}
    escalations:
      - id: late
        state: Q
        trigger_after_days: 1
        repeat_interval_days: 0
        max_repeats: 3
        action: {template: t, recipients: [LEAD]}
  - code: SECOND
    entity_kind: thing
    default: true
    states:
      - {code: S, category: INITIAL}
      - {code: E, category: TERMINAL}
checklists:
  - code: CL
    workflow: BROKEN
    phases: [{code: P1}]
    items:
      - {code: X, phase: P1, rule: {type: prerequisite_items, required: [Y]}}
      - {code: Y, phase: P1, rule: {type: prerequisite_items, required: [X]}}
      - {code: W, phase: P9, rule: {type: telepathy}}
      - {code: V, phase: P1, rule: {type: computed_condition, metric: vibes, operator: "~", value: 1}}
      - {code: U, phase: P1, rule: {type: prerequisite_items, required: [NOWHERE]}}
`

func TestBuildCollectsEveryIssue(t *testing.T) {
	cfg, err := config.FromYAML([]byte(brokenYAML))
	require.NoError(t, err)

	_, err = registry.Build(cfg)
	var cerr *registry.ConfigurationError
	require.True(t, errors.As(err, &cerr), "expected ConfigurationError, got %v", err)

	joined := strings.Join(cerr.Issues, "\n")
	for _, want := range []string{
		"exactly one INITIAL state, found 2",
		`unknown category "SIDEWAYS"`,
		"transition GO from A: duplicate transition",
		"TERMINAL states cannot have outgoing transitions",
		"unknown to state Z",
		`unknown role "GHOST"`,
		"escalation late: unknown state Q",
		"repeat_interval_days must be >= 1",
		"already has default definition BROKEN",
		"prerequisite cycle",
		"unknown phase P9",
		`unknown rule type "telepathy"`,
		`unknown metric "vibes"`,
		`unknown operator "~"`,
		"requires unknown item NOWHERE",
	} {
		assert.Contains(t, joined, want)
	}
}

func TestRejectedDeadEndCountsAsTerminal(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
roles: [ADMIN]
workflows:
  - code: W
    entity_kind: w
    states:
      - {code: OPEN, category: INITIAL}
      - {code: DROPPED, category: REJECTED}
    transitions:
      - {code: DROP, from: OPEN, to: DROPPED, roles: [ADMIN]}
`))
	require.NoError(t, err)
	_, err = registry.Build(cfg)
	require.NoError(t, err)

	cfg.Workflows[0].Transitions = append(cfg.Workflows[0].Transitions,
		config.TransitionConfig{Code: "REOPEN", From: "DROPPED", To: "OPEN", Roles: []string{"ADMIN"}})
	_, err = registry.Build(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a TERMINAL state")
}
