package readiness_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readyline/internal/config"
	"readyline/internal/domain"
	"readyline/internal/logging"
	"readyline/internal/readiness"
	"readyline/internal/registry"
)

type doc struct {
	category string
	status   string
}

type finding struct {
	status   string
	evidence int
}

type fakeStore struct {
	docs     map[string][]doc
	findings map[string][]finding
	items    map[string][]domain.ChecklistItem
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:     map[string][]doc{},
		findings: map[string][]finding{},
		items:    map[string][]domain.ChecklistItem{},
	}
}

func in(v string, set []string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (f *fakeStore) CountDocuments(_ context.Context, id, category string, statuses []string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := 0
	for _, d := range f.docs[id] {
		if (category == "" || d.category == category) && in(d.status, statuses) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DocumentReviewCounts(_ context.Context, id, category, reviewed string) (int, int, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	total, ok := 0, 0
	for _, d := range f.docs[id] {
		if d.category != category {
			continue
		}
		total++
		if d.status == reviewed {
			ok++
		}
	}
	return total, ok, nil
}

func (f *fakeStore) CountFindings(_ context.Context, id string, statuses []string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := 0
	for _, fd := range f.findings[id] {
		if in(fd.status, statuses) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) FindingsWithoutEvidence(_ context.Context, id string, statuses []string) (int, int, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	total, missing := 0, 0
	for _, fd := range f.findings[id] {
		if !in(fd.status, statuses) {
			continue
		}
		total++
		if fd.evidence == 0 {
			missing++
		}
	}
	return total, missing, nil
}

func (f *fakeStore) ChecklistSnapshot(_ context.Context, id string) ([]domain.ChecklistItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items[id], nil
}

func newEvaluator(store *fakeStore) readiness.Evaluator {
	return readiness.New(store, logging.Discard(), nil)
}

var ec = readiness.EntityContext{EntityID: "rev-1", Definition: "REVIEW_LIFECYCLE", Role: "TEAM_LEAD"}

func TestPrerequisiteNamesMissingItem(t *testing.T) {
	reg := registry.MustBuild(config.Default())
	item, ok := reg.ChecklistItem("REVIEW_LIFECYCLE", "SITE_CLOSING_MEETING")
	require.True(t, ok)

	store := newFakeStore()
	for _, code := range []string{"SITE_OPENING_MEETING", "FACILITY_TOUR", "DOCUMENT_REVIEW", "INTERVIEWS_COMPLETED"} {
		store.items["rev-1"] = append(store.items["rev-1"], domain.ChecklistItem{EntityID: "rev-1", ItemCode: code, Completed: true})
	}
	store.items["rev-1"] = append(store.items["rev-1"], domain.ChecklistItem{EntityID: "rev-1", ItemCode: "FINDINGS_DRAFTED"})

	v := newEvaluator(store).Evaluate(context.Background(), ec, item.Rule)
	assert.False(t, v.CanComplete)
	assert.Contains(t, v.Reason, "FINDINGS_DRAFTED")
	assert.NotContains(t, v.Reason, "FACILITY_TOUR")

	store.items["rev-1"][4].Overridden = true
	v = newEvaluator(store).Evaluate(context.Background(), ec, item.Rule)
	assert.True(t, v.CanComplete, v.Reason)
}

func TestRuleVariants(t *testing.T) {
	store := newFakeStore()
	store.docs["rev-1"] = []doc{
		{category: "report", status: "draft"},
		{category: "site_document", status: "reviewed"},
		{category: "site_document", status: "pending"},
	}
	store.findings["rev-1"] = []finding{{status: "open", evidence: 1}, {status: "closed", evidence: 0}}
	eval := newEvaluator(store)
	ctx := context.Background()

	cases := []struct {
		name string
		rule domain.Rule
		pass bool
	}{
		{"document exists", domain.DocumentExists{Category: "report", Statuses: []string{"draft", "final"}, Min: 1}, true},
		{"document status mismatch", domain.DocumentExists{Category: "report", Statuses: []string{"final"}, Min: 1}, false},
		{"document min", domain.DocumentExists{Category: "report", Min: 2}, false},
		{"manual allowed", domain.ManualOrDocument{AllowManual: true}, true},
		{"manual falls back to document", domain.ManualOrDocument{Document: domain.DocumentExists{Category: "briefing"}}, false},
		{"approver", domain.ApprovalRequired{Approvers: domain.NewRoleSet("TEAM_LEAD")}, true},
		{"not approver", domain.ApprovalRequired{Approvers: domain.NewRoleSet("PROGRAM_MANAGER")}, false},
		{"findings exist", domain.FindingsExist{Min: 2}, true},
		{"open findings exist", domain.FindingsExist{Statuses: []string{"open"}, Min: 2}, false},
		{"evidence missing", domain.FindingsHaveEvidence{}, false},
		{"evidence on open findings", domain.FindingsHaveEvidence{Statuses: []string{"open"}}, true},
		{"evidence with no findings", domain.FindingsHaveEvidence{Statuses: []string{"draft"}}, false},
		{"evidence allow empty", domain.FindingsHaveEvidence{Statuses: []string{"draft"}, AllowEmpty: true}, true},
		{"documents partly reviewed", domain.DocumentsReviewed{Category: "site_document", ReviewedStatus: "reviewed"}, false},
		{"no documents to review", domain.DocumentsReviewed{Category: "manual", ReviewedStatus: "reviewed"}, false},
		{"findings count", domain.ComputedCondition{Metric: domain.MetricFindingsCount, Operator: domain.OpGreater, Value: 0}, true},
		{"open findings count", domain.ComputedCondition{Metric: domain.MetricOpenFindingsCount, Operator: domain.OpEqual, Value: 1}, true},
		{"documents count", domain.ComputedCondition{Metric: domain.MetricDocumentsCount, Operator: domain.OpLess, Value: 3}, false},
		{"pending items", domain.ComputedCondition{Metric: domain.MetricPendingItemsCount, Operator: domain.OpEqual, Value: 0}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := eval.Evaluate(ctx, ec, tc.rule)
			assert.Equal(t, tc.pass, v.CanComplete, v.Reason)
			if !tc.pass {
				assert.NotEmpty(t, v.Reason)
			}
		})
	}

	store.docs["rev-1"][2].status = "reviewed"
	v := eval.Evaluate(ctx, ec, domain.DocumentsReviewed{Category: "site_document", ReviewedStatus: "reviewed"})
	assert.True(t, v.CanComplete, v.Reason)
}

func TestFailsClosedOnReadError(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("disk on fire")
	eval := newEvaluator(store)
	for _, rule := range []domain.Rule{
		domain.DocumentExists{Category: "report"},
		domain.PrerequisiteItems{Required: []string{"A"}},
		domain.FindingsHaveEvidence{AllowEmpty: true},
		domain.ComputedCondition{Metric: domain.MetricCompletedItemsCount, Operator: domain.OpGreaterEqual, Value: 0},
		nil,
	} {
		v := eval.Evaluate(context.Background(), ec, rule)
		assert.False(t, v.CanComplete)
		assert.Equal(t, "data unavailable", v.Reason)
	}
}

func TestApprovalNeedsNoSources(t *testing.T) {
	eval := readiness.Evaluator{Logger: logging.Discard()}
	v := eval.Evaluate(context.Background(), ec, domain.ApprovalRequired{Approvers: domain.NewRoleSet("TEAM_LEAD")})
	assert.True(t, v.CanComplete)

	v = eval.Evaluate(context.Background(), ec, domain.DocumentExists{Category: "report"})
	assert.Equal(t, "data unavailable", v.Reason)
}

func TestConcurrentEvaluation(t *testing.T) {
	store := newFakeStore()
	store.docs["rev-1"] = []doc{{category: "report", status: "final"}}
	eval := newEvaluator(store)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := eval.Evaluate(context.Background(), ec, domain.DocumentExists{Category: "report"})
			assert.True(t, v.CanComplete)
		}()
	}
	wg.Wait()
}
