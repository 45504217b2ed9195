package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"readyline/internal/domain"
)

const checklistColumns = `entity_id,item_code,completed,COALESCE(completed_by,''),completed_at,overridden,COALESCE(override_reason,''),COALESCE(overridden_by,''),overridden_at`

func scanChecklistItem(row rowScanner) (domain.ChecklistItem, error) {
	var (
		it                    domain.ChecklistItem
		completed, overridden int
		completedAt, overAt   sql.NullString
	)
	err := row.Scan(&it.EntityID, &it.ItemCode, &completed, &it.CompletedBy, &completedAt, &overridden, &it.OverrideReason, &it.OverriddenBy, &overAt)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Completed = completed == 1
	it.Overridden = overridden == 1
	if it.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return it, err
	}
	if it.OverriddenAt, err = parseNullTime(overAt); err != nil {
		return it, err
	}
	return it, nil
}

// InsertChecklistItemsTx creates missing item instances and leaves existing ones untouched.
func (r Repo) InsertChecklistItemsTx(ctx context.Context, tx *sql.Tx, entityID string, codes []string) (int, error) {
	created := 0
	for _, code := range codes {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO checklist_items(entity_id,item_code) VALUES (?,?)`, entityID, code)
		if err != nil {
			return created, err
		}
		n, err := affected(res)
		if err != nil {
			return created, err
		}
		created += int(n)
	}
	return created, nil
}

// ChecklistSnapshot returns every item instance of an entity in one read.
func (r Repo) ChecklistSnapshot(ctx context.Context, entityID string) ([]domain.ChecklistItem, error) {
	return listChecklist(ctx, r.DB, entityID)
}

func (r Repo) ChecklistSnapshotTx(ctx context.Context, tx *sql.Tx, entityID string) ([]domain.ChecklistItem, error) {
	return listChecklist(ctx, tx, entityID)
}

func listChecklist(ctx context.Context, q querier, entityID string) ([]domain.ChecklistItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+checklistColumns+` FROM checklist_items WHERE entity_id=? ORDER BY item_code`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		it, err := scanChecklistItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) GetChecklistItemTx(ctx context.Context, tx *sql.Tx, entityID, code string) (domain.ChecklistItem, error) {
	return scanChecklistItem(tx.QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklist_items WHERE entity_id=? AND item_code=?`, entityID, code))
}

func (r Repo) CompleteChecklistItemTx(ctx context.Context, tx *sql.Tx, entityID, code, actor string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE checklist_items SET completed=1, completed_by=?, completed_at=? WHERE entity_id=? AND item_code=?`,
		actor, formatTime(at), entityID, code)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// OverrideChecklistItemTx marks an item overridden, which also completes it.
func (r Repo) OverrideChecklistItemTx(ctx context.Context, tx *sql.Tx, entityID, code, reason, actor string, at time.Time) error {
	ts := formatTime(at)
	res, err := tx.ExecContext(ctx, `UPDATE checklist_items SET completed=1, completed_by=COALESCE(completed_by,?), completed_at=COALESCE(completed_at,?),
overridden=1, override_reason=?, overridden_by=?, overridden_at=? WHERE entity_id=? AND item_code=?`,
		actor, ts, reason, actor, ts, entityID, code)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
