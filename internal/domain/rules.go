package domain

import "fmt"

// RuleKind is the configuration tag of a readiness rule variant.
type RuleKind string

const (
	RuleDocumentExists       RuleKind = "document_exists"
	RuleManualOrDocument     RuleKind = "manual_or_document"
	RuleApprovalRequired     RuleKind = "approval_required"
	RulePrerequisiteItems    RuleKind = "prerequisite_items"
	RuleComputedCondition    RuleKind = "computed_condition"
	RuleFindingsExist        RuleKind = "findings_exist"
	RuleFindingsHaveEvidence RuleKind = "findings_have_evidence"
	RuleDocumentsReviewed    RuleKind = "documents_reviewed"
)

// Rule is a readiness rule. The set of implementations is closed to this package.
type Rule interface {
	Kind() RuleKind
	isRule()
}

type DocumentExists struct {
	Category string   `json:"category"`
	Statuses []string `json:"statuses"`
	Min      int      `json:"min"`
}

// ManualOrDocument passes outright when AllowManual is set, otherwise Document applies.
type ManualOrDocument struct {
	AllowManual bool           `json:"allow_manual"`
	Document    DocumentExists `json:"document"`
}

type ApprovalRequired struct {
	Approvers RoleSet `json:"-"`
}

type PrerequisiteItems struct {
	Required []string `json:"required"`
}

type ComputedCondition struct {
	Metric   Metric   `json:"metric"`
	Operator Operator `json:"operator"`
	Value    int      `json:"value"`
}

type FindingsExist struct {
	Statuses []string `json:"statuses"`
	Min      int      `json:"min"`
}

type FindingsHaveEvidence struct {
	Statuses   []string `json:"statuses"`
	AllowEmpty bool     `json:"allow_empty"`
}

type DocumentsReviewed struct {
	Category       string `json:"category"`
	ReviewedStatus string `json:"reviewed_status"`
}

func (DocumentExists) Kind() RuleKind       { return RuleDocumentExists }
func (ManualOrDocument) Kind() RuleKind     { return RuleManualOrDocument }
func (ApprovalRequired) Kind() RuleKind     { return RuleApprovalRequired }
func (PrerequisiteItems) Kind() RuleKind    { return RulePrerequisiteItems }
func (ComputedCondition) Kind() RuleKind    { return RuleComputedCondition }
func (FindingsExist) Kind() RuleKind        { return RuleFindingsExist }
func (FindingsHaveEvidence) Kind() RuleKind { return RuleFindingsHaveEvidence }
func (DocumentsReviewed) Kind() RuleKind    { return RuleDocumentsReviewed }

func (DocumentExists) isRule()       {}
func (ManualOrDocument) isRule()     {}
func (ApprovalRequired) isRule()     {}
func (PrerequisiteItems) isRule()    {}
func (ComputedCondition) isRule()    {}
func (FindingsExist) isRule()        {}
func (FindingsHaveEvidence) isRule() {}
func (DocumentsReviewed) isRule()    {}

// Metric names an aggregate over an entity's associated records.
type Metric string

const (
	MetricFindingsCount       Metric = "findings_count"
	MetricOpenFindingsCount   Metric = "open_findings_count"
	MetricDocumentsCount      Metric = "documents_count"
	MetricCompletedItemsCount Metric = "completed_items_count"
	MetricPendingItemsCount   Metric = "pending_items_count"
)

func ParseMetric(s string) (Metric, bool) {
	switch m := Metric(s); m {
	case MetricFindingsCount, MetricOpenFindingsCount, MetricDocumentsCount,
		MetricCompletedItemsCount, MetricPendingItemsCount:
		return m, true
	}
	return "", false
}

type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

func ParseOperator(s string) (Operator, bool) {
	switch o := Operator(s); o {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
		return o, true
	}
	return "", false
}

// Compare applies the operator as `a op b`.
func (o Operator) Compare(a, b int) bool {
	switch o {
	case OpGreater:
		return a > b
	case OpGreaterEqual:
		return a >= b
	case OpLess:
		return a < b
	case OpLessEqual:
		return a <= b
	case OpEqual:
		return a == b
	case OpNotEqual:
		return a != b
	}
	return false
}

func (c ComputedCondition) String() string {
	return fmt.Sprintf("%s %s %d", c.Metric, c.Operator, c.Value)
}
