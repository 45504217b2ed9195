// Package readiness evaluates checklist readiness rules against live data.
//
// Evaluation fails closed: a rule whose inputs cannot be read reports
// CanComplete=false with reason "data unavailable" and never returns an error.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"readyline/internal/domain"
	"readyline/internal/logging"
	"readyline/internal/metrics"
)

// EntityContext identifies the entity and the acting role for one evaluation.
type EntityContext struct {
	EntityID   string
	Definition string
	Role       domain.Role
}

type DocumentSource interface {
	// CountDocuments counts documents of category whose status is in statuses.
	// An empty statuses slice matches any status.
	CountDocuments(ctx context.Context, entityID, category string, statuses []string) (int, error)
	// DocumentReviewCounts returns how many documents of category exist and how
	// many of them carry reviewedStatus.
	DocumentReviewCounts(ctx context.Context, entityID, category, reviewedStatus string) (total, reviewed int, err error)
}

type FindingSource interface {
	CountFindings(ctx context.Context, entityID string, statuses []string) (int, error)
	// FindingsWithoutEvidence returns the matching findings count and how many
	// of them have no evidence document attached.
	FindingsWithoutEvidence(ctx context.Context, entityID string, statuses []string) (total, missing int, err error)
}

type ChecklistSource interface {
	// ChecklistSnapshot returns every item instance of the entity in one read.
	ChecklistSnapshot(ctx context.Context, entityID string) ([]domain.ChecklistItem, error)
}

// Evaluator is stateless and safe for concurrent use.
type Evaluator struct {
	Documents DocumentSource
	Findings  FindingSource
	Checklist ChecklistSource
	// OpenStatuses are the finding statuses counted by open_findings_count.
	OpenStatuses []string
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

const reasonDataUnavailable = "data unavailable"

// New wires an evaluator whose sources are all served by one store.
func New(store Store, logger *slog.Logger, m *metrics.Metrics) Evaluator {
	return Evaluator{
		Documents:    store,
		Findings:     store,
		Checklist:    store,
		OpenStatuses: []string{"open"},
		Logger:       logging.Module(logger, "readiness"),
		Metrics:      m,
	}
}

// Store is a single backend serving every source.
type Store interface {
	DocumentSource
	FindingSource
	ChecklistSource
}

// Using returns a copy of e that reads from store.
func (e Evaluator) Using(store Store) Evaluator {
	e.Documents, e.Findings, e.Checklist = store, store, store
	return e
}

func (e Evaluator) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.WithModule("readiness")
}

// Evaluate reports whether rule is satisfied for ec.
func (e Evaluator) Evaluate(ctx context.Context, ec EntityContext, rule domain.Rule) domain.Verdict {
	v, err := e.evaluate(ctx, ec, rule)
	if err != nil {
		kind := "unknown"
		if rule != nil {
			kind = string(rule.Kind())
		}
		e.logger().Warn("readiness data unavailable",
			"entity_id", ec.EntityID, "rule", kind, "error", err)
		v = domain.Fail(reasonDataUnavailable)
	}
	if rule != nil {
		e.Metrics.RecordVerdict(string(rule.Kind()), v.CanComplete)
	}
	return v
}

func (e Evaluator) evaluate(ctx context.Context, ec EntityContext, rule domain.Rule) (domain.Verdict, error) {
	switch r := rule.(type) {
	case domain.DocumentExists:
		return e.documentExists(ctx, ec, r)
	case domain.ManualOrDocument:
		if r.AllowManual {
			return domain.Pass(), nil
		}
		return e.documentExists(ctx, ec, r.Document)
	case domain.ApprovalRequired:
		if r.Approvers.Has(ec.Role) {
			return domain.Pass(), nil
		}
		return domain.Fail(fmt.Sprintf("requires approval by %s", joinRoles(r.Approvers.Slice()))), nil
	case domain.PrerequisiteItems:
		return e.prerequisites(ctx, ec, r)
	case domain.ComputedCondition:
		return e.computed(ctx, ec, r)
	case domain.FindingsExist:
		if e.Findings == nil {
			return domain.Verdict{}, fmt.Errorf("no finding source: %w", domain.ErrDataUnavailable)
		}
		n, err := e.Findings.CountFindings(ctx, ec.EntityID, r.Statuses)
		if err != nil {
			return domain.Verdict{}, err
		}
		if n >= atLeastOne(r.Min) {
			return domain.Pass(), nil
		}
		return domain.Fail(fmt.Sprintf("needs at least %d finding(s)%s, found %d", atLeastOne(r.Min), statusSuffix(r.Statuses), n)), nil
	case domain.FindingsHaveEvidence:
		if e.Findings == nil {
			return domain.Verdict{}, fmt.Errorf("no finding source: %w", domain.ErrDataUnavailable)
		}
		total, missing, err := e.Findings.FindingsWithoutEvidence(ctx, ec.EntityID, r.Statuses)
		if err != nil {
			return domain.Verdict{}, err
		}
		if total == 0 {
			if r.AllowEmpty {
				return domain.Pass(), nil
			}
			return domain.Fail("no findings recorded"), nil
		}
		if missing > 0 {
			return domain.Fail(fmt.Sprintf("%d of %d finding(s) have no evidence", missing, total)), nil
		}
		return domain.Pass(), nil
	case domain.DocumentsReviewed:
		if e.Documents == nil {
			return domain.Verdict{}, fmt.Errorf("no document source: %w", domain.ErrDataUnavailable)
		}
		total, reviewed, err := e.Documents.DocumentReviewCounts(ctx, ec.EntityID, r.Category, r.ReviewedStatus)
		if err != nil {
			return domain.Verdict{}, err
		}
		if total == 0 {
			return domain.Fail(fmt.Sprintf("no %s documents", r.Category)), nil
		}
		if reviewed < total {
			return domain.Fail(fmt.Sprintf("%d of %d %s document(s) not %s", total-reviewed, total, r.Category, r.ReviewedStatus)), nil
		}
		return domain.Pass(), nil
	default:
		return domain.Verdict{}, fmt.Errorf("unsupported rule %T: %w", rule, domain.ErrDataUnavailable)
	}
}

func (e Evaluator) documentExists(ctx context.Context, ec EntityContext, r domain.DocumentExists) (domain.Verdict, error) {
	if e.Documents == nil {
		return domain.Verdict{}, fmt.Errorf("no document source: %w", domain.ErrDataUnavailable)
	}
	n, err := e.Documents.CountDocuments(ctx, ec.EntityID, r.Category, r.Statuses)
	if err != nil {
		return domain.Verdict{}, err
	}
	if n >= atLeastOne(r.Min) {
		return domain.Pass(), nil
	}
	return domain.Fail(fmt.Sprintf("needs at least %d %s document(s)%s, found %d", atLeastOne(r.Min), r.Category, statusSuffix(r.Statuses), n)), nil
}

func (e Evaluator) prerequisites(ctx context.Context, ec EntityContext, r domain.PrerequisiteItems) (domain.Verdict, error) {
	items, err := e.snapshot(ctx, ec)
	if err != nil {
		return domain.Verdict{}, err
	}
	done := make(map[string]bool, len(items))
	for _, it := range items {
		done[it.ItemCode] = it.Done()
	}
	var missing []string
	for _, code := range r.Required {
		if !done[code] {
			missing = append(missing, code)
		}
	}
	if len(missing) > 0 {
		return domain.Fail("waiting on " + strings.Join(missing, ", ")), nil
	}
	return domain.Pass(), nil
}

func (e Evaluator) computed(ctx context.Context, ec EntityContext, r domain.ComputedCondition) (domain.Verdict, error) {
	value, err := e.metric(ctx, ec, r.Metric)
	if err != nil {
		return domain.Verdict{}, err
	}
	if r.Operator.Compare(value, r.Value) {
		return domain.Pass(), nil
	}
	return domain.Fail(fmt.Sprintf("condition %s not met (%s = %d)", r, r.Metric, value)), nil
}

func (e Evaluator) metric(ctx context.Context, ec EntityContext, m domain.Metric) (int, error) {
	switch m {
	case domain.MetricFindingsCount, domain.MetricOpenFindingsCount:
		if e.Findings == nil {
			return 0, fmt.Errorf("no finding source: %w", domain.ErrDataUnavailable)
		}
		var statuses []string
		if m == domain.MetricOpenFindingsCount {
			statuses = e.OpenStatuses
			if len(statuses) == 0 {
				statuses = []string{"open"}
			}
		}
		return e.Findings.CountFindings(ctx, ec.EntityID, statuses)
	case domain.MetricDocumentsCount:
		if e.Documents == nil {
			return 0, fmt.Errorf("no document source: %w", domain.ErrDataUnavailable)
		}
		return e.Documents.CountDocuments(ctx, ec.EntityID, "", nil)
	case domain.MetricCompletedItemsCount, domain.MetricPendingItemsCount:
		items, err := e.snapshot(ctx, ec)
		if err != nil {
			return 0, err
		}
		completed := 0
		for _, it := range items {
			if it.Done() {
				completed++
			}
		}
		if m == domain.MetricCompletedItemsCount {
			return completed, nil
		}
		return len(items) - completed, nil
	}
	return 0, fmt.Errorf("unknown metric %q: %w", m, domain.ErrDataUnavailable)
}

func (e Evaluator) snapshot(ctx context.Context, ec EntityContext) ([]domain.ChecklistItem, error) {
	if e.Checklist == nil {
		return nil, fmt.Errorf("no checklist source: %w", domain.ErrDataUnavailable)
	}
	return e.Checklist.ChecklistSnapshot(ctx, ec.EntityID)
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func statusSuffix(statuses []string) string {
	if len(statuses) == 0 {
		return ""
	}
	return " with status " + strings.Join(statuses, "/")
}

func joinRoles(roles []domain.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, " or ")
}
