package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"readyline/internal/domain"
)

// Document and Finding mirror the collaborator tables the readiness rules read.
type Document struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	Category  string    `json:"category"`
	Status    string    `json:"status"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Finding struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	Status    string    `json:"status"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sources serves the readiness reads from either the database handle or an
// open transaction.
type Sources struct {
	q querier
}

// SourcesTx reads through tx, so a verdict sees the same rows the caller
// is about to write against.
func (r Repo) SourcesTx(tx *sql.Tx) Sources {
	return Sources{q: tx}
}

func (r Repo) sources() Sources {
	return Sources{q: r.DB}
}

func (r Repo) CountDocuments(ctx context.Context, entityID, category string, statuses []string) (int, error) {
	return r.sources().CountDocuments(ctx, entityID, category, statuses)
}

func (r Repo) DocumentReviewCounts(ctx context.Context, entityID, category, reviewedStatus string) (int, int, error) {
	return r.sources().DocumentReviewCounts(ctx, entityID, category, reviewedStatus)
}

func (r Repo) CountFindings(ctx context.Context, entityID string, statuses []string) (int, error) {
	return r.sources().CountFindings(ctx, entityID, statuses)
}

func (r Repo) FindingsWithoutEvidence(ctx context.Context, entityID string, statuses []string) (int, int, error) {
	return r.sources().FindingsWithoutEvidence(ctx, entityID, statuses)
}

func (s Sources) ChecklistSnapshot(ctx context.Context, entityID string) ([]domain.ChecklistItem, error) {
	return listChecklist(ctx, s.q, entityID)
}

func (s Sources) CountDocuments(ctx context.Context, entityID, category string, statuses []string) (int, error) {
	clause, args := inClause("status", statuses)
	query := `SELECT COUNT(*) FROM documents WHERE entity_id=? AND ` + clause
	args = append([]any{entityID}, args...)
	if category != "" {
		query += ` AND category=?`
		args = append(args, category)
	}
	var n int
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func (s Sources) DocumentReviewCounts(ctx context.Context, entityID, category, reviewedStatus string) (int, int, error) {
	var total, reviewed int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END),0) FROM documents WHERE entity_id=? AND category=?`,
		reviewedStatus, entityID, category).Scan(&total, &reviewed)
	if err != nil {
		return 0, 0, fmt.Errorf("count reviewed documents: %w", err)
	}
	return total, reviewed, nil
}

func (s Sources) CountFindings(ctx context.Context, entityID string, statuses []string) (int, error) {
	clause, args := inClause("status", statuses)
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings WHERE entity_id=? AND `+clause, append([]any{entityID}, args...)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count findings: %w", err)
	}
	return n, nil
}

func (s Sources) FindingsWithoutEvidence(ctx context.Context, entityID string, statuses []string) (int, int, error) {
	clause, args := inClause("f.status", statuses)
	var total, missing int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN NOT EXISTS (SELECT 1 FROM finding_evidence fe WHERE fe.finding_id=f.id) THEN 1 ELSE 0 END),0)
FROM findings f WHERE f.entity_id=? AND `+clause, append([]any{entityID}, args...)...).Scan(&total, &missing)
	if err != nil {
		return 0, 0, fmt.Errorf("count findings evidence: %w", err)
	}
	return total, missing, nil
}

// InsertDocument records a collaborator document. Used for fixtures and the CLI.
func (r Repo) InsertDocument(ctx context.Context, d Document) (Document, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO documents(id,entity_id,category,status,title,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET category=excluded.category, status=excluded.status, title=excluded.title`,
		d.ID, d.EntityID, d.Category, d.Status, nullable(d.Title), formatTime(d.CreatedAt))
	return d, err
}

func (r Repo) InsertFinding(ctx context.Context, f Finding) (Finding, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO findings(id,entity_id,status,title,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, title=excluded.title`,
		f.ID, f.EntityID, f.Status, nullable(f.Title), formatTime(f.CreatedAt))
	return f, err
}

func (r Repo) AttachEvidence(ctx context.Context, findingID, documentID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO finding_evidence(finding_id,document_id) VALUES (?,?)`, findingID, documentID)
	return err
}
