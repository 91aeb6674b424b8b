package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tracegraph/tracegraph/internal/schema"
)

// ApplySyncParams carries one entity update from the sync engine's apply
// step into the store.
type ApplySyncParams struct {
	// Entity holds the tracker-authoritative fields to persist.
	Entity *schema.Entity

	// TrackerRef is the tracker item the update came from.
	TrackerRef int64

	// EventTime is the tracker-reported updated_at of the event. The
	// sync record's last_sync_time is compare-and-set against it.
	EventTime time.Time

	// SyncTime is the store-local completion time (usually now).
	SyncTime time.Time

	// RecomputeEpics lists epic external IDs whose derived metrics must
	// be recomputed in the same transaction (the entity's parent, plus
	// the previous parent when the link moved).
	RecomputeEpics []string
}

// ApplySync commits one sync apply atomically: compare-and-set the sync
// record's last_sync_time, upsert the entity, and recompute affected epic
// metrics, all in one transaction.
//
// The CAS is the per-item serialization point. Two concurrent applies for
// the same tracker_ref race on it; the loser gets ErrStale and must drop
// its event (its timestamp is not newer than the committed one). Applies
// for different tracker_refs never contend.
func (s *Store) ApplySync(ctx context.Context, p ApplySyncParams) error {
	if p.Entity == nil {
		return fmt.Errorf("entity is required")
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Ensure the record row exists before the CAS update.
	insert := s.rebind(`
	INSERT INTO sync_records (tracker_ref, sync_status)
	VALUES (?, ?)
	ON CONFLICT(tracker_ref) DO NOTHING`)
	if _, err := tx.ExecContext(ctx, insert, p.TrackerRef, string(schema.SyncPending)); err != nil {
		return fmt.Errorf("failed to ensure sync record for %d: %w", p.TrackerRef, err)
	}

	cas := s.rebind(`
	UPDATE sync_records
	SET entity_external_id = ?,
	    last_sync_time = ?,
	    sync_status = ?,
	    retry_count = 0,
	    last_error = '',
	    next_retry_at = NULL
	WHERE tracker_ref = ?
	  AND (last_sync_time IS NULL OR last_sync_time < ?)`)

	eventTime := timeToDB(p.EventTime)
	res, err := tx.ExecContext(ctx, cas,
		p.Entity.ExternalID, eventTime, string(schema.SyncSynced),
		p.TrackerRef, eventTime)
	if err != nil {
		return fmt.Errorf("failed to update sync record for %d: %w", p.TrackerRef, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read CAS result: %w", err)
	}
	if affected == 0 {
		return ErrStale
	}

	syncTime := p.SyncTime
	p.Entity.LastSyncedAt = &syncTime
	if err := s.upsertEntity(ctx, tx, p.Entity); err != nil {
		return err
	}

	for _, epicID := range p.RecomputeEpics {
		if epicID == "" {
			continue
		}
		if err := s.recomputeEpicTx(ctx, tx, epicID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync apply: %w", err)
	}
	return nil
}

// RecomputeEpicMetrics recomputes an epic's completion percentage and
// completed points in its own transaction. Most callers get this for free
// through ApplySync; this entry point serves bulk import and manual
// repair.
func (s *Store) RecomputeEpicMetrics(ctx context.Context, epicID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.recomputeEpicTx(ctx, tx, epicID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metric recompute: %w", err)
	}
	return nil
}

// recomputeEpicTx updates one epic's derived metrics inside an open
// transaction.
//
// completion_pct = 100 * completed_points / total_points when
// total_points > 0, else 0. Removed stories contribute nothing; stories
// whose parent_id names a nonexistent epic contribute nowhere (orphans
// are the validator's concern).
func (s *Store) recomputeEpicTx(ctx context.Context, tx *sql.Tx, epicID string) error {
	query := s.rebind(`
	SELECT
		COALESCE(SUM(story_points), 0) AS total,
		COALESCE(SUM(CASE WHEN state = ? THEN story_points ELSE 0 END), 0) AS completed
	FROM entities
	WHERE parent_id = ? AND kind = ? AND state != ?`)

	var total, completed int
	err := tx.QueryRowContext(ctx, query,
		schema.StateClosed, epicID, string(schema.KindStory), schema.StateRemoved,
	).Scan(&total, &completed)
	if err != nil {
		return fmt.Errorf("failed to aggregate points for %s: %w", epicID, err)
	}

	pct := 0.0
	if total > 0 {
		pct = 100 * float64(completed) / float64(total)
	}

	update := s.rebind(`
	UPDATE entities
	SET completion_pct = ?, points_completed = ?
	WHERE external_id = ? AND kind = ?`)

	if _, err := tx.ExecContext(ctx, update, pct, completed, epicID, string(schema.KindEpic)); err != nil {
		return fmt.Errorf("failed to update metrics for %s: %w", epicID, err)
	}

	// Missing epic: the stories are orphans, nothing to update. Not an
	// error; the health report surfaces them.
	return nil
}
