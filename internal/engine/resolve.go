package engine

import "time"

// Decision is the outcome of comparing an incoming event against the
// local sync state for the same tracker item.
type Decision int

const (
	// DecisionApply means the incoming event is strictly newer than
	// anything applied so far and should be written through.
	DecisionApply Decision = iota

	// DecisionSkip means the incoming event is stale or a duplicate
	// replay. Skipping is the normal idempotent outcome, not an error.
	DecisionSkip

	// DecisionConflict means local state diverged from the sync record:
	// the stored entity carries a tracker timestamp newer than the
	// incoming event even though the sync record does not. The item must
	// be re-fetched from the tracker before it can converge.
	DecisionConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionSkip:
		return "skip"
	case DecisionConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Resolve decides whether an incoming event should be applied. It is a
// pure function of three timestamps and nothing else, so the same inputs
// always produce the same decision on every node.
//
//	lastSync      - last_sync_time recorded for the tracker item, nil if
//	                the item has never been applied
//	entityUpdated - tracker-reported updated_at currently stored on the
//	                entity, zero if the entity does not exist yet
//	incoming      - updated_at carried by the incoming event
//
// Equal timestamps skip: an event whose updated_at matches the recorded
// sync time is a redelivery of an already-applied change.
func Resolve(lastSync *time.Time, entityUpdated, incoming time.Time) Decision {
	if lastSync != nil && !incoming.After(*lastSync) {
		return DecisionSkip
	}
	if !entityUpdated.IsZero() && incoming.Before(entityUpdated) {
		return DecisionConflict
	}
	return DecisionApply
}
