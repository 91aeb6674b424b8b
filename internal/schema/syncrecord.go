package schema

import (
	"fmt"
	"time"
)

// SyncStatus is the state-machine position of one tracked item.
//
// The machine is unknown -> pending -> synced, with failed and conflict as
// recoverable side states that return to pending on retry. Retry exhaustion
// parks the record in needs_manual_review; it is never auto-retried again.
type SyncStatus string

const (
	SyncPending      SyncStatus = "pending"
	SyncSynced       SyncStatus = "synced"
	SyncFailed       SyncStatus = "failed"
	SyncConflict     SyncStatus = "conflict"
	SyncManualReview SyncStatus = "needs_manual_review"
)

// SyncRecord is the bookkeeping row for one tracker item. One record per
// tracker_ref; it is created on first observation, mutated in place, and
// never deleted.
type SyncRecord struct {
	TrackerRef       int64      `json:"tracker_ref"`
	EntityExternalID string     `json:"entity_external_id,omitempty"`
	LastSyncTime     *time.Time `json:"last_sync_time,omitempty"`
	SyncStatus       SyncStatus `json:"sync_status"`
	RetryCount       int        `json:"retry_count"`
	LastError        string     `json:"last_error,omitempty"`

	// NextRetryAt is the earliest time a failed record may be retried.
	// Nil for records not awaiting retry.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// Validate checks the record's field values.
func (r *SyncRecord) Validate() error {
	if r.TrackerRef <= 0 {
		return fmt.Errorf("tracker_ref must be positive (got %d)", r.TrackerRef)
	}
	switch r.SyncStatus {
	case SyncPending, SyncSynced, SyncFailed, SyncConflict, SyncManualReview:
	default:
		return fmt.Errorf("unknown sync_status %q", r.SyncStatus)
	}
	if r.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative (got %d)", r.RetryCount)
	}
	return nil
}

// Terminal reports whether the record has left the retry loop for good.
func (r *SyncRecord) Terminal() bool {
	return r.SyncStatus == SyncManualReview
}

// Retryable reports whether the record is eligible for another sync
// attempt at time now.
func (r *SyncRecord) Retryable(now time.Time) bool {
	if r.SyncStatus != SyncFailed && r.SyncStatus != SyncConflict {
		return false
	}
	if r.NextRetryAt != nil && now.Before(*r.NextRetryAt) {
		return false
	}
	return true
}
