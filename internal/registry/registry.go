// Package registry holds the validated, in-memory form of the workflow,
// escalation and checklist configuration. A Registry is immutable after
// Build except for activation flags.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"readyline/internal/config"
	"readyline/internal/domain"
)

// ConfigurationError lists every problem found while building a registry.
type ConfigurationError struct {
	Issues []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid workflow configuration (%d issues): %s", len(e.Issues), strings.Join(e.Issues, "; "))
}

type edgeKey struct {
	from string
	code string
}

type definition struct {
	def    domain.Definition
	active atomic.Bool
	states map[string]domain.State
	edges  map[edgeKey]domain.Transition
	from   map[string][]domain.Transition
	rules  []*escalationRule
}

type escalationRule struct {
	rule   domain.EscalationRule
	active atomic.Bool
}

type checklist struct {
	list  domain.Checklist
	items map[string]domain.ChecklistItemDefinition
}

type Registry struct {
	roles      domain.RoleSet
	order      []string
	defs       map[string]*definition
	defaults   map[string]string
	rules      []*escalationRule
	checklists map[string]*checklist
	schedule   config.SchedulerConfig
}

// Build validates cfg and returns the registry, or a *ConfigurationError
// naming every issue found.
func Build(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, &ConfigurationError{Issues: []string{"config is empty"}}
	}
	b := builder{
		reg: &Registry{
			roles:      domain.RoleSet{},
			defs:       map[string]*definition{},
			defaults:   map[string]string{},
			checklists: map[string]*checklist{},
			schedule:   cfg.Escalation,
		},
	}
	for _, r := range cfg.Roles {
		b.reg.roles[domain.Role(r)] = struct{}{}
	}
	for _, wf := range cfg.Workflows {
		b.addWorkflow(wf)
	}
	for _, cl := range cfg.Checklists {
		b.addChecklist(cl)
	}
	if len(b.issues) > 0 {
		return nil, &ConfigurationError{Issues: b.issues}
	}
	return b.reg, nil
}

// MustBuild is Build for configuration known to be valid, such as config.Default.
func MustBuild(cfg *config.Config) *Registry {
	reg, err := Build(cfg)
	if err != nil {
		panic(err)
	}
	return reg
}

func (r *Registry) Roles() []domain.Role { return r.roles.Slice() }

func (r *Registry) HasRole(role domain.Role) bool { return r.roles.Has(role) }

// Schedule returns the escalation scheduler settings carried by the config.
func (r *Registry) Schedule() config.SchedulerConfig { return r.schedule }

func (r *Registry) Definition(code string) (domain.Definition, bool) {
	d, ok := r.defs[code]
	if !ok {
		return domain.Definition{}, false
	}
	return d.snapshot(), true
}

// Definitions returns every definition in configuration order.
func (r *Registry) Definitions() []domain.Definition {
	out := make([]domain.Definition, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.defs[code].snapshot())
	}
	return out
}

// DefaultFor returns the definition flagged default for an entity kind, or the
// only definition of that kind when none is flagged.
func (r *Registry) DefaultFor(kind string) (domain.Definition, bool) {
	if code, ok := r.defaults[kind]; ok {
		return r.Definition(code)
	}
	var found []string
	for _, code := range r.order {
		if r.defs[code].def.EntityKind == kind {
			found = append(found, code)
		}
	}
	if len(found) != 1 {
		return domain.Definition{}, false
	}
	return r.Definition(found[0])
}

// Active reports whether a definition exists and is active.
func (r *Registry) Active(code string) bool {
	d, ok := r.defs[code]
	return ok && d.active.Load()
}

// SetActive flips the activation flag of a definition.
func (r *Registry) SetActive(code string, active bool) error {
	d, ok := r.defs[code]
	if !ok {
		return fmt.Errorf("unknown workflow definition %s", code)
	}
	d.active.Store(active)
	return nil
}

// SetRuleActive flips the activation flag of an escalation rule.
func (r *Registry) SetRuleActive(id string, active bool) error {
	for _, er := range r.rules {
		if er.rule.ID == id {
			er.active.Store(active)
			return nil
		}
	}
	return fmt.Errorf("unknown escalation rule %s", id)
}

func (r *Registry) State(def, code string) (domain.State, bool) {
	d, ok := r.defs[def]
	if !ok {
		return domain.State{}, false
	}
	s, ok := d.states[code]
	return s, ok
}

func (r *Registry) Transition(def, from, code string) (domain.Transition, bool) {
	d, ok := r.defs[def]
	if !ok {
		return domain.Transition{}, false
	}
	t, ok := d.edges[edgeKey{from: from, code: code}]
	return t, ok
}

// TransitionsFrom returns the outgoing edges of a state in configuration order.
func (r *Registry) TransitionsFrom(def, from string) []domain.Transition {
	d, ok := r.defs[def]
	if !ok {
		return nil
	}
	return append([]domain.Transition(nil), d.from[from]...)
}

// EscalationRules returns every rule with its current activation flag.
func (r *Registry) EscalationRules() []domain.EscalationRule {
	out := make([]domain.EscalationRule, 0, len(r.rules))
	for _, er := range r.rules {
		out = append(out, er.snapshot())
	}
	return out
}

func (r *Registry) RulesForState(def, state string) []domain.EscalationRule {
	d, ok := r.defs[def]
	if !ok {
		return nil
	}
	var out []domain.EscalationRule
	for _, er := range d.rules {
		if er.rule.State == state {
			out = append(out, er.snapshot())
		}
	}
	return out
}

// Checklist returns the checklist bound to a definition.
func (r *Registry) Checklist(def string) (domain.Checklist, bool) {
	c, ok := r.checklists[def]
	if !ok {
		return domain.Checklist{}, false
	}
	return c.list, true
}

func (r *Registry) ChecklistItem(def, code string) (domain.ChecklistItemDefinition, bool) {
	c, ok := r.checklists[def]
	if !ok {
		return domain.ChecklistItemDefinition{}, false
	}
	item, ok := c.items[code]
	return item, ok
}

func (d *definition) snapshot() domain.Definition {
	out := d.def
	out.Active = d.active.Load()
	return out
}

func (er *escalationRule) snapshot() domain.EscalationRule {
	out := er.rule
	out.Active = er.active.Load()
	return out
}

type builder struct {
	reg    *Registry
	issues []string
}

func (b *builder) fail(format string, args ...any) {
	b.issues = append(b.issues, fmt.Sprintf(format, args...))
}

func (b *builder) roleSet(where string, names []string) domain.RoleSet {
	set := make(domain.RoleSet, len(names))
	for _, n := range names {
		role := domain.Role(n)
		if !b.reg.roles.Has(role) {
			b.fail("%s: unknown role %q", where, n)
			continue
		}
		set[role] = struct{}{}
	}
	return set
}

func (b *builder) roleList(where string, names []string) []domain.Role {
	return b.roleSet(where, names).Slice()
}

func (b *builder) addWorkflow(wf config.WorkflowConfig) {
	where := "workflow " + wf.Code
	if _, dup := b.reg.defs[wf.Code]; dup {
		b.fail("%s: defined more than once", where)
		return
	}
	d := &definition{
		states: map[string]domain.State{},
		edges:  map[edgeKey]domain.Transition{},
		from:   map[string][]domain.Transition{},
	}
	d.def = domain.Definition{
		Code:        wf.Code,
		Label:       wf.Label,
		Description: wf.Description,
		EntityKind:  wf.EntityKind,
		Default:     wf.Default,
	}
	d.active.Store(wf.Active == nil || *wf.Active)

	initial := 0
	for i, sc := range wf.States {
		cat, ok := domain.ParseCategory(sc.Category)
		if !ok {
			b.fail("%s: state %s has unknown category %q", where, sc.Code, sc.Category)
		}
		if _, dup := d.states[sc.Code]; dup {
			b.fail("%s: state %s defined more than once", where, sc.Code)
			continue
		}
		if cat == domain.CategoryInitial {
			initial++
		}
		st := domain.State{
			Code:        sc.Code,
			Category:    cat,
			Label:       sc.Label,
			Description: sc.Description,
			Color:       sc.Color,
			SortOrder:   i,
			SLADays:     sc.SLADays,
		}
		d.states[sc.Code] = st
		d.def.States = append(d.def.States, st)
	}
	if initial != 1 {
		b.fail("%s: must have exactly one INITIAL state, found %d", where, initial)
	}

	for _, tc := range wf.Transitions {
		twhere := fmt.Sprintf("%s: transition %s from %s", where, tc.Code, tc.From)
		from, fromOK := d.states[tc.From]
		if !fromOK {
			b.fail("%s: unknown from state", twhere)
		}
		if _, ok := d.states[tc.To]; !ok {
			b.fail("%s: unknown to state %s", twhere, tc.To)
		}
		if fromOK && from.Category == domain.CategoryTerminal {
			b.fail("%s: TERMINAL states cannot have outgoing transitions", twhere)
		}
		key := edgeKey{from: tc.From, code: tc.Code}
		if _, dup := d.edges[key]; dup {
			b.fail("%s: duplicate transition", twhere)
			continue
		}
		t := domain.Transition{
			Code:         tc.Code,
			From:         tc.From,
			To:           tc.To,
			Label:        tc.Label,
			Description:  tc.Description,
			AllowedRoles: b.roleSet(twhere, tc.Roles),
			Style:        tc.Style,
		}
		if tc.Confirm != nil {
			t.RequiresConfirmation = true
			t.ConfirmationMessage = tc.Confirm.Message
		}
		if tc.Notify != nil {
			action := b.action(twhere, *tc.Notify)
			t.Notify = &action
		}
		d.edges[key] = t
		d.from[tc.From] = append(d.from[tc.From], t)
		d.def.Transitions = append(d.def.Transitions, t)
	}

	terminalLike := false
	for _, st := range d.def.States {
		if st.Category == domain.CategoryTerminal ||
			(st.Category == domain.CategoryRejected && len(d.from[st.Code]) == 0) {
			terminalLike = true
			break
		}
	}
	if !terminalLike {
		b.fail("%s: needs a TERMINAL state or a REJECTED state without outgoing transitions", where)
	}

	if wf.Default {
		if other, ok := b.reg.defaults[wf.EntityKind]; ok {
			b.fail("%s: entity kind %s already has default definition %s", where, wf.EntityKind, other)
		} else {
			b.reg.defaults[wf.EntityKind] = wf.Code
		}
	}

	seenRule := map[string]bool{}
	for _, er := range b.reg.rules {
		seenRule[er.rule.ID] = true
	}
	for _, ec := range wf.Escalations {
		ewhere := fmt.Sprintf("%s: escalation %s", where, ec.ID)
		if seenRule[ec.ID] {
			b.fail("%s: rule id used more than once", ewhere)
			continue
		}
		seenRule[ec.ID] = true
		if _, ok := d.states[ec.State]; !ok {
			b.fail("%s: unknown state %s", ewhere, ec.State)
		}
		if ec.TriggerAfterDays < 0 {
			b.fail("%s: trigger_after_days must be >= 0", ewhere)
		}
		if ec.MaxRepeats < 1 {
			b.fail("%s: max_repeats must be >= 1", ewhere)
		}
		if ec.MaxRepeats > 1 && ec.RepeatIntervalDays < 1 {
			b.fail("%s: repeat_interval_days must be >= 1 when max_repeats > 1", ewhere)
		}
		rule := &escalationRule{rule: domain.EscalationRule{
			ID:                 ec.ID,
			Definition:         wf.Code,
			State:              ec.State,
			TriggerAfterDays:   ec.TriggerAfterDays,
			RepeatIntervalDays: ec.RepeatIntervalDays,
			MaxRepeats:         ec.MaxRepeats,
			Action:             b.action(ewhere, ec.Action),
		}}
		rule.active.Store(ec.Active == nil || *ec.Active)
		d.rules = append(d.rules, rule)
		b.reg.rules = append(b.reg.rules, rule)
	}

	b.reg.defs[wf.Code] = d
	b.reg.order = append(b.reg.order, wf.Code)
}

func (b *builder) action(where string, nc config.NotifyConfig) domain.NotificationAction {
	return domain.NotificationAction{
		TemplateID: nc.Template,
		Recipients: b.roleList(where+" notify", nc.Recipients),
		Context:    nc.Context,
	}
}

func (b *builder) addChecklist(cc config.ChecklistConfig) {
	where := "checklist " + cc.Code
	if _, ok := b.reg.defs[cc.Workflow]; !ok {
		b.fail("%s: unknown workflow %s", where, cc.Workflow)
		return
	}
	if existing, dup := b.reg.checklists[cc.Workflow]; dup {
		b.fail("%s: workflow %s already has checklist %s", where, cc.Workflow, existing.list.Code)
		return
	}
	c := &checklist{
		list: domain.Checklist{
			Code:          cc.Code,
			Definition:    cc.Workflow,
			OverrideRoles: b.roleSet(where+" override_roles", cc.OverrideRoles),
		},
		items: map[string]domain.ChecklistItemDefinition{},
	}
	phases := map[string]bool{}
	for i, pc := range cc.Phases {
		if phases[pc.Code] {
			b.fail("%s: phase %s defined more than once", where, pc.Code)
			continue
		}
		phases[pc.Code] = true
		c.list.Phases = append(c.list.Phases, domain.Phase{Code: pc.Code, Label: pc.Label, SortOrder: i})
	}
	for _, ic := range cc.Items {
		iwhere := fmt.Sprintf("%s: item %s", where, ic.Code)
		if _, dup := c.items[ic.Code]; dup {
			b.fail("%s: defined more than once", iwhere)
			continue
		}
		if !phases[ic.Phase] {
			b.fail("%s: unknown phase %s", iwhere, ic.Phase)
		}
		item := domain.ChecklistItemDefinition{
			Code:        ic.Code,
			Phase:       ic.Phase,
			SortOrder:   ic.SortOrder,
			Label:       ic.Label,
			Description: ic.Description,
			Rule:        b.rule(iwhere, ic.Rule),
		}
		c.items[ic.Code] = item
		c.list.Items = append(c.list.Items, item)
	}
	b.checkPrerequisites(where, c)
	sortItems(c.list)
	b.reg.checklists[cc.Workflow] = c
}

// sortItems orders items by phase order then item sort order.
func sortItems(list domain.Checklist) {
	phaseOrder := map[string]int{}
	for _, p := range list.Phases {
		phaseOrder[p.Code] = p.SortOrder
	}
	sort.SliceStable(list.Items, func(i, j int) bool {
		a, b := list.Items[i], list.Items[j]
		if phaseOrder[a.Phase] != phaseOrder[b.Phase] {
			return phaseOrder[a.Phase] < phaseOrder[b.Phase]
		}
		return a.SortOrder < b.SortOrder
	})
}

func (b *builder) rule(where string, rc config.RuleConfig) domain.Rule {
	minCount := 1
	if rc.Min != nil {
		minCount = *rc.Min
	}
	switch domain.RuleKind(rc.Type) {
	case domain.RuleDocumentExists:
		if rc.Category == "" {
			b.fail("%s: document_exists needs a category", where)
		}
		return domain.DocumentExists{Category: rc.Category, Statuses: rc.Statuses, Min: minCount}
	case domain.RuleManualOrDocument:
		if !rc.AllowManual && rc.Category == "" {
			b.fail("%s: manual_or_document without allow_manual needs a category", where)
		}
		return domain.ManualOrDocument{
			AllowManual: rc.AllowManual,
			Document:    domain.DocumentExists{Category: rc.Category, Statuses: rc.Statuses, Min: minCount},
		}
	case domain.RuleApprovalRequired:
		if len(rc.Approvers) == 0 {
			b.fail("%s: approval_required needs approvers", where)
		}
		return domain.ApprovalRequired{Approvers: b.roleSet(where+" approvers", rc.Approvers)}
	case domain.RulePrerequisiteItems:
		if len(rc.Required) == 0 {
			b.fail("%s: prerequisite_items needs required items", where)
		}
		return domain.PrerequisiteItems{Required: rc.Required}
	case domain.RuleComputedCondition:
		metric, ok := domain.ParseMetric(rc.Metric)
		if !ok {
			b.fail("%s: unknown metric %q", where, rc.Metric)
		}
		op, ok := domain.ParseOperator(rc.Operator)
		if !ok {
			b.fail("%s: unknown operator %q", where, rc.Operator)
		}
		return domain.ComputedCondition{Metric: metric, Operator: op, Value: rc.Value}
	case domain.RuleFindingsExist:
		return domain.FindingsExist{Statuses: rc.Statuses, Min: minCount}
	case domain.RuleFindingsHaveEvidence:
		return domain.FindingsHaveEvidence{Statuses: rc.Statuses, AllowEmpty: rc.AllowEmpty}
	case domain.RuleDocumentsReviewed:
		if rc.Category == "" || rc.ReviewedStatus == "" {
			b.fail("%s: documents_reviewed needs category and reviewed_status", where)
		}
		return domain.DocumentsReviewed{Category: rc.Category, ReviewedStatus: rc.ReviewedStatus}
	}
	b.fail("%s: unknown rule type %q", where, rc.Type)
	return nil
}

// checkPrerequisites verifies prerequisite references resolve within the
// checklist and that the prerequisite graph has no cycle.
func (b *builder) checkPrerequisites(where string, c *checklist) {
	graph := map[string][]string{}
	for _, item := range c.list.Items {
		pre, ok := item.Rule.(domain.PrerequisiteItems)
		if !ok {
			continue
		}
		for _, code := range pre.Required {
			if _, ok := c.items[code]; !ok {
				b.fail("%s: item %s requires unknown item %s", where, item.Code, code)
				continue
			}
			graph[item.Code] = append(graph[item.Code], code)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var path []string
	var visit func(code string) bool
	visit = func(code string) bool {
		switch state[code] {
		case visiting:
			start := 0
			for i, p := range path {
				if p == code {
					start = i
				}
			}
			cycle := append(append([]string(nil), path[start:]...), code)
			b.fail("%s: prerequisite cycle %s", where, strings.Join(cycle, " -> "))
			return false
		case done:
			return true
		}
		state[code] = visiting
		path = append(path, code)
		for _, next := range graph[code] {
			if !visit(next) {
				return false
			}
		}
		path = path[:len(path)-1]
		state[code] = done
		return true
	}
	for _, item := range c.list.Items {
		if state[item.Code] == unvisited && !visit(item.Code) {
			return
		}
	}
}
