package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tracegraph/tracegraph/internal/schema"
)

const syncRecordColumns = `tracker_ref, entity_external_id, last_sync_time,
	sync_status, retry_count, last_error, next_retry_at`

// GetOrCreateSyncRecord returns the sync record for a tracker item,
// creating it in pending state on first observation. The insert is
// conflict-tolerant so concurrent first observations of the same item
// both land on the single row.
func (s *Store) GetOrCreateSyncRecord(ctx context.Context, trackerRef int64) (*schema.SyncRecord, error) {
	insert := s.rebind(`
	INSERT INTO sync_records (tracker_ref, sync_status)
	VALUES (?, ?)
	ON CONFLICT(tracker_ref) DO NOTHING`)

	if _, err := s.conn.ExecContext(ctx, insert, trackerRef, string(schema.SyncPending)); err != nil {
		return nil, fmt.Errorf("failed to create sync record for %d: %w", trackerRef, err)
	}

	return s.GetSyncRecord(ctx, trackerRef)
}

// GetSyncRecord retrieves the sync record for a tracker item.
// Returns ErrNotFound if the item has never been observed.
func (s *Store) GetSyncRecord(ctx context.Context, trackerRef int64) (*schema.SyncRecord, error) {
	query := s.rebind(`SELECT ` + syncRecordColumns + ` FROM sync_records WHERE tracker_ref = ?`)

	rec, err := scanSyncRecordRow(s.conn.QueryRowContext(ctx, query, trackerRef))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync record: %w", err)
	}
	return rec, nil
}

// ListSyncRecordsByStatus returns all records in one status, ordered by
// tracker ref. Backed by idx_sync_status.
func (s *Store) ListSyncRecordsByStatus(ctx context.Context, status schema.SyncStatus) ([]*schema.SyncRecord, error) {
	query := s.rebind(`
	SELECT ` + syncRecordColumns + `
	FROM sync_records
	WHERE sync_status = ?
	ORDER BY tracker_ref ASC`)

	rows, err := s.conn.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s sync records: %w", status, err)
	}
	defer rows.Close()

	return scanSyncRecords(rows)
}

// DueRetries returns failed/conflict records whose backoff window has
// elapsed. Backed by idx_sync_next_retry; reconciliation polls this.
func (s *Store) DueRetries(ctx context.Context, now time.Time) ([]*schema.SyncRecord, error) {
	query := s.rebind(`
	SELECT ` + syncRecordColumns + `
	FROM sync_records
	WHERE sync_status IN (?, ?)
	  AND (next_retry_at IS NULL OR next_retry_at <= ?)
	ORDER BY tracker_ref ASC`)

	rows, err := s.conn.QueryContext(ctx, query,
		string(schema.SyncFailed), string(schema.SyncConflict), timeToDB(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due retries: %w", err)
	}
	defer rows.Close()

	return scanSyncRecords(rows)
}

// MarkSyncFailed records a failed attempt. The retry count increments;
// when it reaches maxRetries the record parks in needs_manual_review and
// next_retry_at is cleared, taking it out of the retry loop for good.
func (s *Store) MarkSyncFailed(ctx context.Context, trackerRef int64, lastError string, nextRetry time.Time, maxRetries int) error {
	rec, err := s.GetOrCreateSyncRecord(ctx, trackerRef)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return nil
	}

	retryCount := rec.RetryCount + 1
	status := schema.SyncFailed
	next := sql.NullString{String: timeToDB(nextRetry), Valid: true}
	if retryCount >= maxRetries {
		status = schema.SyncManualReview
		next = sql.NullString{}
	}

	query := s.rebind(`
	UPDATE sync_records
	SET sync_status = ?, retry_count = ?, last_error = ?, next_retry_at = ?
	WHERE tracker_ref = ?`)

	if _, err := s.conn.ExecContext(ctx, query, string(status), retryCount, lastError, next, trackerRef); err != nil {
		return fmt.Errorf("failed to mark sync failed for %d: %w", trackerRef, err)
	}
	return nil
}

// MarkSyncPending returns a failed or conflicted record to pending for a
// retry attempt.
func (s *Store) MarkSyncPending(ctx context.Context, trackerRef int64) error {
	query := s.rebind(`
	UPDATE sync_records
	SET sync_status = ?, next_retry_at = NULL
	WHERE tracker_ref = ? AND sync_status IN (?, ?, ?)`)

	_, err := s.conn.ExecContext(ctx, query,
		string(schema.SyncPending), trackerRef,
		string(schema.SyncPending), string(schema.SyncFailed), string(schema.SyncConflict))
	if err != nil {
		return fmt.Errorf("failed to mark sync pending for %d: %w", trackerRef, err)
	}
	return nil
}

// MarkSyncConflict records a conflicting update that needs a retry after
// re-reading tracker state. Conflict attempts count against the same
// budget as failures, so an item whose local timestamp stays permanently
// ahead of the tracker's parks in needs_manual_review instead of cycling
// forever. The count resets on the next successful ApplySync.
func (s *Store) MarkSyncConflict(ctx context.Context, trackerRef int64, detail string, nextRetry time.Time, maxRetries int) error {
	rec, err := s.GetOrCreateSyncRecord(ctx, trackerRef)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return nil
	}

	retryCount := rec.RetryCount + 1
	status := schema.SyncConflict
	next := sql.NullString{String: timeToDB(nextRetry), Valid: true}
	if retryCount >= maxRetries {
		status = schema.SyncManualReview
		next = sql.NullString{}
	}

	query := s.rebind(`
	UPDATE sync_records
	SET sync_status = ?, retry_count = ?, last_error = ?, next_retry_at = ?
	WHERE tracker_ref = ?`)

	if _, err := s.conn.ExecContext(ctx, query, string(status), retryCount, detail, next, trackerRef); err != nil {
		return fmt.Errorf("failed to mark sync conflict for %d: %w", trackerRef, err)
	}
	return nil
}

func scanSyncRecordRow(sc rowScanner) (*schema.SyncRecord, error) {
	var rec schema.SyncRecord
	var status string
	var lastSync, nextRetry sql.NullString

	err := sc.Scan(
		&rec.TrackerRef,
		&rec.EntityExternalID,
		&lastSync,
		&status,
		&rec.RetryCount,
		&rec.LastError,
		&nextRetry,
	)
	if err != nil {
		return nil, err
	}

	rec.SyncStatus = schema.SyncStatus(status)
	rec.LastSyncTime = dbToTimePtr(lastSync)
	rec.NextRetryAt = dbToTimePtr(nextRetry)
	return &rec, nil
}

func scanSyncRecords(rows *sql.Rows) ([]*schema.SyncRecord, error) {
	var recs []*schema.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecordRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync records: %w", err)
	}
	return recs, nil
}
