package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"readyline/internal/domain"
)

func scanEscalationRecord(row rowScanner) (domain.EscalationRecord, error) {
	var (
		rec     domain.EscalationRecord
		entered string
		last    sql.NullString
	)
	err := row.Scan(&rec.EntityID, &rec.RuleID, &rec.StateCode, &entered, &rec.FireCount, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if rec.StateEnteredAt, err = parseTime(entered); err != nil {
		return rec, err
	}
	if rec.LastFiredAt, err = parseNullTime(last); err != nil {
		return rec, err
	}
	return rec, nil
}

// EnsureEscalationRecord creates a zero-count record unless one exists and
// returns the stored record.
func (r Repo) EnsureEscalationRecord(ctx context.Context, entityID, ruleID, stateCode string, enteredAt time.Time) (domain.EscalationRecord, error) {
	if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO escalation_records(entity_id,rule_id,state_code,state_entered_at,fire_count) VALUES (?,?,?,?,0)`,
		entityID, ruleID, stateCode, formatTime(enteredAt)); err != nil {
		return domain.EscalationRecord{}, err
	}
	return r.GetEscalationRecord(ctx, entityID, ruleID)
}

func (r Repo) GetEscalationRecord(ctx context.Context, entityID, ruleID string) (domain.EscalationRecord, error) {
	return scanEscalationRecord(r.DB.QueryRowContext(ctx,
		`SELECT entity_id,rule_id,state_code,state_entered_at,fire_count,last_fired_at FROM escalation_records WHERE entity_id=? AND rule_id=?`,
		entityID, ruleID))
}

func (r Repo) ListEscalationRecords(ctx context.Context, entityID string) ([]domain.EscalationRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT entity_id,rule_id,state_code,state_entered_at,fire_count,last_fired_at FROM escalation_records WHERE entity_id=? ORDER BY rule_id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationRecord
	for rows.Next() {
		rec, err := scanEscalationRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ClaimEscalationTx bumps the fire count of rec from the value it was read
// with. The claim holds only if no other writer bumped it first and the
// entity still sits in the state entry the record belongs to.
func (r Repo) ClaimEscalationTx(ctx context.Context, tx *sql.Tx, rec domain.EscalationRecord, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE escalation_records SET fire_count=fire_count+1, last_fired_at=?
WHERE entity_id=? AND rule_id=? AND fire_count=? AND state_code=? AND state_entered_at=?
AND EXISTS (SELECT 1 FROM entities e WHERE e.id=escalation_records.entity_id AND e.current_state=escalation_records.state_code AND e.entered_state_at=escalation_records.state_entered_at)`,
		formatTime(at), rec.EntityID, rec.RuleID, rec.FireCount, rec.StateCode, formatTime(rec.StateEnteredAt))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResetEscalationRecord rebinds a record left over from an earlier entry of
// the same state to the current entry, clearing its fire count.
func (r Repo) ResetEscalationRecord(ctx context.Context, rec domain.EscalationRecord, stateCode string, enteredAt time.Time) (domain.EscalationRecord, error) {
	if _, err := r.DB.ExecContext(ctx, `UPDATE escalation_records SET state_code=?, state_entered_at=?, fire_count=0, last_fired_at=NULL
WHERE entity_id=? AND rule_id=? AND state_entered_at=?`,
		stateCode, formatTime(enteredAt), rec.EntityID, rec.RuleID, formatTime(rec.StateEnteredAt)); err != nil {
		return domain.EscalationRecord{}, err
	}
	return r.GetEscalationRecord(ctx, rec.EntityID, rec.RuleID)
}

// DeleteEscalationRecordsTx discards the records tied to an entity's state.
func (r Repo) DeleteEscalationRecordsTx(ctx context.Context, tx *sql.Tx, entityID, stateCode string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM escalation_records WHERE entity_id=? AND state_code=?`, entityID, stateCode)
	return err
}
