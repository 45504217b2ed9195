package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"readyline/internal/domain"
)

const entityColumns = `id,definition_code,current_state,entered_state_at,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (domain.Entity, error) {
	var (
		e                         domain.Entity
		entered, created, updated string
	)
	err := row.Scan(&e.ID, &e.Definition, &e.CurrentState, &entered, &e.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if e.EnteredStateAt, err = parseTime(entered); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return e, err
	}
	return e, nil
}

// InsertEntityTx inserts e unless an entity with the same id exists.
// It reports whether a row was written.
func (r Repo) InsertEntityTx(ctx context.Context, tx *sql.Tx, e domain.Entity) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO entities(`+entityColumns+`) VALUES (?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		e.ID, e.Definition, e.CurrentState, formatTime(e.EnteredStateAt), e.Version, formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	return scanEntity(r.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id))
}

func (r Repo) GetEntityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Entity, error) {
	return scanEntity(tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id))
}

// ListEntitiesInState returns the entities of a definition sitting in state.
func (r Repo) ListEntitiesInState(ctx context.Context, definition, state string) ([]domain.Entity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE definition_code=? AND current_state=? ORDER BY entered_state_at, id`, definition, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MoveEntityTx moves an entity from one state to another. The update applies
// only while the entity still sits in fromState (and at expectedVersion when
// non-zero); it reports false when the guard did not match.
func (r Repo) MoveEntityTx(ctx context.Context, tx *sql.Tx, id, fromState, toState string, expectedVersion int64, at time.Time) (bool, error) {
	query := `UPDATE entities SET current_state=?, entered_state_at=?, version=version+1, updated_at=? WHERE id=? AND current_state=?`
	args := []any{toState, formatTime(at), formatTime(at), id, fromState}
	if expectedVersion > 0 {
		query += ` AND version=?`
		args = append(args, expectedVersion)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
