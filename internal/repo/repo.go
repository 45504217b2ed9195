package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"readyline/internal/config"
	"readyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// affected returns how many rows res touched.
func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// inClause expands a status filter into "col IN (?,?)" and its arguments.
// An empty set matches everything.
func inClause(col string, values []string) (string, []any) {
	if len(values) == 0 {
		return "1=1", nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return fmt.Sprintf("%s IN (%s)", col, strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")), args
}

// SaveConfig stores the workflow configuration as YAML, replacing any previous one.
func (r Repo) SaveConfig(ctx context.Context, cfg *config.Config) error {
	return saveConfig(ctx, r.DB, cfg)
}

func (r Repo) SaveConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return saveConfig(ctx, tx, cfg)
}

func saveConfig(ctx context.Context, q querier, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	_, err = q.ExecContext(ctx, `INSERT INTO workflow_configs(id,config_yaml,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

// LoadConfig returns the stored configuration or ErrNotFound.
func (r Repo) LoadConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM workflow_configs WHERE id=1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}

// EventFilter narrows LatestEvents. Zero values match everything.
type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	Before     int64
	Limit      int
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e  domain.Event
			ts string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if e.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListHistory returns an entity's state log ordered by seq.
func (r Repo) ListHistory(ctx context.Context, entityID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_id,seq,COALESCE(from_state,''),to_state,COALESCE(transition_code,''),COALESCE(role,''),actor_id,prior_snapshot,prior_hash,created_at
FROM state_history WHERE entity_id=? ORDER BY seq`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var (
			h    domain.HistoryEntry
			role string
			ts   string
		)
		if err := rows.Scan(&h.ID, &h.EntityID, &h.Seq, &h.FromState, &h.ToState, &h.TransitionCode, &role, &h.ActorID, &h.PriorSnapshot, &h.PriorHash, &ts); err != nil {
			return nil, err
		}
		h.Role = domain.Role(role)
		if h.CreatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
