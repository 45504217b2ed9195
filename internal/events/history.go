package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"readyline/internal/domain"
)

var ErrChainBroken = errors.New("history chain broken")

// Snapshot is the entity state captured before a history entry's change.
type Snapshot struct {
	State          string `json:"state,omitempty"`
	EnteredStateAt string `json:"entered_state_at,omitempty"`
	Version        int64  `json:"version"`
}

// Change describes one state change to record.
type Change struct {
	EntityID       string
	FromState      string
	ToState        string
	TransitionCode string
	Role           domain.Role
	ActorID        string
	Prior          Snapshot
}

// History appends to the per-entity state log. Each entry's PriorHash chains
// the previous entry's hash with this entry's prior snapshot.
type History struct {
	Now func() time.Time
}

// ChainHash links a snapshot to the previous entry hash.
func ChainHash(prevHash, snapshot string) string {
	sum := sha256.Sum256([]byte(prevHash + "\n" + snapshot))
	return hex.EncodeToString(sum[:])
}

func (h History) Append(ctx context.Context, tx *sql.Tx, c Change) (domain.HistoryEntry, error) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	var (
		seq      int
		prevHash string
	)
	err := tx.QueryRowContext(ctx, `SELECT seq, prior_hash FROM state_history WHERE entity_id=? ORDER BY seq DESC LIMIT 1`, c.EntityID).Scan(&seq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.HistoryEntry{}, fmt.Errorf("read history head: %w", err)
	}
	snap, err := json.Marshal(c.Prior)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	entry := domain.HistoryEntry{
		EntityID:       c.EntityID,
		Seq:            seq + 1,
		FromState:      c.FromState,
		ToState:        c.ToState,
		TransitionCode: c.TransitionCode,
		Role:           c.Role,
		ActorID:        c.ActorID,
		PriorSnapshot:  string(snap),
		PriorHash:      ChainHash(prevHash, string(snap)),
		CreatedAt:      now().UTC().Truncate(time.Second),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO state_history(entity_id,seq,from_state,to_state,transition_code,role,actor_id,prior_snapshot,prior_hash,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		entry.EntityID, entry.Seq, nullable(entry.FromState), entry.ToState, nullable(entry.TransitionCode), nullable(string(entry.Role)),
		entry.ActorID, entry.PriorSnapshot, entry.PriorHash, entry.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("append history: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("history id: %w", err)
	}
	return entry, nil
}

// Verify recomputes the chain over entries ordered by seq.
func Verify(entries []domain.HistoryEntry) error {
	prevHash := ""
	for i, e := range entries {
		if e.Seq != i+1 {
			return fmt.Errorf("%w: entry %d has seq %d", ErrChainBroken, i+1, e.Seq)
		}
		if want := ChainHash(prevHash, e.PriorSnapshot); want != e.PriorHash {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrChainBroken, e.Seq)
		}
		if i > 0 {
			var snap Snapshot
			if err := json.Unmarshal([]byte(e.PriorSnapshot), &snap); err != nil {
				return fmt.Errorf("%w: unreadable snapshot at seq %d", ErrChainBroken, e.Seq)
			}
			if snap.State != entries[i-1].ToState {
				return fmt.Errorf("%w: seq %d starts from %s, previous entry ended in %s", ErrChainBroken, e.Seq, snap.State, entries[i-1].ToState)
			}
		}
		prevHash = e.PriorHash
	}
	return nil
}
