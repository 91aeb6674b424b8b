package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tracegraph/tracegraph/internal/schema"
)

const entityColumns = `external_id, kind, tracker_ref, title, state, labels,
	parent_id, test_targets, story_points, completion_pct, points_completed,
	updated_at, last_synced_at, created_at`

// UpsertEntity inserts or updates an entity. Derived metric columns are
// preserved on update; only RecomputeEpicMetrics writes them.
//
// Safe to call twice with identical input: the second call is a no-op
// beyond rewriting identical values.
func (s *Store) UpsertEntity(ctx context.Context, e *schema.Entity) error {
	return s.upsertEntity(ctx, s.conn, e)
}

// execer abstracts *sql.DB and *sql.Tx so entity writes can join a
// larger transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) upsertEntity(ctx context.Context, ex execer, e *schema.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}

	labelsJSON, err := json.Marshal(e.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	targetsJSON, err := json.Marshal(e.TestTargets)
	if err != nil {
		return fmt.Errorf("failed to marshal test targets: %w", err)
	}

	var trackerRef sql.NullInt64
	if e.TrackerRef != nil {
		trackerRef = sql.NullInt64{Int64: *e.TrackerRef, Valid: true}
	}

	query := s.rebind(`
	INSERT INTO entities (
		external_id, kind, tracker_ref, title, state, labels,
		parent_id, test_targets, story_points, completion_pct,
		points_completed, updated_at, last_synced_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
	ON CONFLICT(external_id) DO UPDATE SET
		kind = excluded.kind,
		tracker_ref = excluded.tracker_ref,
		title = excluded.title,
		state = excluded.state,
		labels = excluded.labels,
		parent_id = excluded.parent_id,
		test_targets = excluded.test_targets,
		story_points = excluded.story_points,
		updated_at = excluded.updated_at,
		last_synced_at = excluded.last_synced_at
	`)

	_, err = ex.ExecContext(ctx, query,
		e.ExternalID,
		string(e.Kind),
		trackerRef,
		e.Title,
		e.State,
		string(labelsJSON),
		e.ParentID,
		string(targetsJSON),
		e.StoryPoints,
		timeToDB(e.UpdatedAt),
		timePtrToDB(e.LastSyncedAt),
		timeToDB(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", e.ExternalID, err)
	}

	return nil
}

// GetEntity retrieves an entity by external ID.
// Returns ErrNotFound if no such entity exists.
func (s *Store) GetEntity(ctx context.Context, externalID string) (*schema.Entity, error) {
	query := s.rebind(`SELECT ` + entityColumns + ` FROM entities WHERE external_id = ?`)
	return scanEntity(s.conn.QueryRowContext(ctx, query, externalID))
}

// GetByTrackerRef retrieves the entity mirroring a tracker item.
// Returns ErrNotFound if no entity is bound to that item.
func (s *Store) GetByTrackerRef(ctx context.Context, trackerRef int64) (*schema.Entity, error) {
	query := s.rebind(`SELECT ` + entityColumns + ` FROM entities WHERE tracker_ref = ?`)
	return scanEntity(s.conn.QueryRowContext(ctx, query, trackerRef))
}

// EntityExists reports whether a non-removed entity with the given ID
// exists. Used by link validation.
func (s *Store) EntityExists(ctx context.Context, externalID string) (bool, error) {
	query := s.rebind(`SELECT 1 FROM entities WHERE external_id = ? AND state != ?`)
	var one int
	err := s.conn.QueryRowContext(ctx, query, externalID, schema.StateRemoved).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check entity %s: %w", externalID, err)
	}
	return true, nil
}

// ListByParent returns the direct children of an entity, ordered by
// external ID.
func (s *Store) ListByParent(ctx context.Context, parentID string) ([]*schema.Entity, error) {
	query := s.rebind(`
	SELECT ` + entityColumns + `
	FROM entities
	WHERE parent_id = ?
	ORDER BY external_id ASC`)

	rows, err := s.conn.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", parentID, err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// ListByKind returns all entities of one kind, ordered by external ID.
func (s *Store) ListByKind(ctx context.Context, kind schema.Kind) ([]*schema.Entity, error) {
	query := s.rebind(`
	SELECT ` + entityColumns + `
	FROM entities
	WHERE kind = ?
	ORDER BY external_id ASC`)

	rows, err := s.conn.QueryContext(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entities: %w", kind, err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// ListActive returns every entity not marked removed, ordered by external
// ID. This is the validator's working set.
func (s *Store) ListActive(ctx context.Context) ([]*schema.Entity, error) {
	query := s.rebind(`
	SELECT ` + entityColumns + `
	FROM entities
	WHERE state != ?
	ORDER BY external_id ASC`)

	rows, err := s.conn.QueryContext(ctx, query, schema.StateRemoved)
	if err != nil {
		return nil, fmt.Errorf("failed to list active entities: %w", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// StaleEntities returns tracker-backed entities whose last successful
// sync is older than cutoff (or that never synced). Uses the
// (state, last_synced_at) index; reconciliation calls this on every pass.
func (s *Store) StaleEntities(ctx context.Context, cutoff time.Time, limit int) ([]*schema.Entity, error) {
	query := `
	SELECT ` + entityColumns + `
	FROM entities
	WHERE state != ?
	  AND tracker_ref IS NOT NULL
	  AND (last_synced_at IS NULL OR last_synced_at < ?)
	ORDER BY last_synced_at ASC`

	args := []any{schema.StateRemoved, timeToDB(cutoff)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale entities: %w", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// MarkRemoved flags an entity as deleted on the tracker side. The row is
// kept for audit history and excluded from health scoring. If the entity
// is a story, its parent epic's metrics are recomputed in the same
// transaction.
func (s *Store) MarkRemoved(ctx context.Context, externalID string, at time.Time) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := scanEntity(tx.QueryRowContext(ctx,
		s.rebind(`SELECT `+entityColumns+` FROM entities WHERE external_id = ?`), externalID))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		s.rebind(`UPDATE entities SET state = ?, updated_at = ? WHERE external_id = ?`),
		schema.StateRemoved, timeToDB(at), externalID)
	if err != nil {
		return fmt.Errorf("failed to mark %s removed: %w", externalID, err)
	}

	if e.Kind == schema.KindStory && e.ParentID != "" {
		if err := s.recomputeEpicTx(ctx, tx, e.ParentID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Stats summarizes the store's contents for the status command and the
// dashboard.
type Stats struct {
	Entities     int            `json:"entities"`
	ByKind       map[string]int `json:"by_kind"`
	ByState      map[string]int `json:"by_state"`
	SyncRecords  int            `json:"sync_records"`
	BySyncStatus map[string]int `json:"by_sync_status"`
}

// GetStats collects entity and sync-record counts.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByKind:       make(map[string]int),
		ByState:      make(map[string]int),
		BySyncStatus: make(map[string]int),
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT kind, state, COUNT(*) FROM entities GROUP BY kind, state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, state string
		var n int
		if err := rows.Scan(&kind, &state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan entity counts: %w", err)
		}
		stats.Entities += n
		stats.ByKind[kind] += n
		stats.ByState[state] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity counts: %w", err)
	}

	srows, err := s.conn.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM sync_records GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync records: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var status string
		var n int
		if err := srows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan sync counts: %w", err)
		}
		stats.SyncRecords += n
		stats.BySyncStatus[status] += n
	}
	if err := srows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync counts: %w", err)
	}

	return stats, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntityRow(sc rowScanner) (*schema.Entity, error) {
	var e schema.Entity
	var kind string
	var trackerRef sql.NullInt64
	var labelsJSON, targetsJSON string
	var updatedAt, createdAt string
	var lastSyncedAt sql.NullString

	err := sc.Scan(
		&e.ExternalID,
		&kind,
		&trackerRef,
		&e.Title,
		&e.State,
		&labelsJSON,
		&e.ParentID,
		&targetsJSON,
		&e.StoryPoints,
		&e.CompletionPct,
		&e.PointsCompleted,
		&updatedAt,
		&lastSyncedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	e.Kind = schema.Kind(kind)
	if trackerRef.Valid {
		e.TrackerRef = &trackerRef.Int64
	}
	if labelsJSON != "" && labelsJSON != "null" {
		if err := json.Unmarshal([]byte(labelsJSON), &e.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	} else {
		e.Labels = []string{}
	}
	if targetsJSON != "" && targetsJSON != "null" {
		if err := json.Unmarshal([]byte(targetsJSON), &e.TestTargets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal test targets: %w", err)
		}
	}
	if t, err := dbToTime(updatedAt); err == nil {
		e.UpdatedAt = t
	}
	if t, err := dbToTime(createdAt); err == nil {
		e.CreatedAt = t
	}
	e.LastSyncedAt = dbToTimePtr(lastSyncedAt)

	return &e, nil
}

func scanEntity(row *sql.Row) (*schema.Entity, error) {
	e, err := scanEntityRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	return e, nil
}

func scanEntities(rows *sql.Rows) ([]*schema.Entity, error) {
	var entities []*schema.Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}
