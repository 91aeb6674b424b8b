// Package engine implements unidirectional change propagation from the
// external tracker into the entity store.
//
// Flow:
//  1. Events arrive over the webhook endpoint, the spool directory, or a
//     reconciliation replay, and are validated against a JSON schema.
//  2. A bounded worker pool runs the apply step per event: resolve the
//     conflict decision (pure timestamp comparison), map tracker fields
//     onto the entity, refresh parent links from references embedded in
//     the payload body, and commit through the store's transactional
//     ApplySync (which also recomputes affected epic metrics).
//  3. A periodic reconciler re-fetches the full tracker item set and
//     replays the apply step for every item, correcting for missed or
//     out-of-order webhook delivery. It also retries failed records whose
//     backoff window has elapsed and marks tracker-deleted items removed.
//
// Idempotency: applying the same event twice is a no-op. The pure
// Resolve function skips stale timestamps up front, and the store's
// compare-and-set on last_sync_time catches the concurrent race. Per
// tracker_ref, applies are ordered by the tracker's updated_at, never by
// arrival order.
//
// Failure isolation: no single entity's failure aborts the batch. A
// failed apply schedules a retry with capped exponential backoff; retry
// exhaustion parks the record in needs_manual_review for the health
// report to surface.
package engine
