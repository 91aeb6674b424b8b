package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tracegraph/tracegraph/internal/schema"
	"github.com/tracegraph/tracegraph/internal/store"
	"github.com/tracegraph/tracegraph/internal/tracker"
)

const (
	// defaultReconcileInterval is the gap between full tracker replays.
	defaultReconcileInterval = 6 * time.Hour

	// defaultRetryInterval is how often due retries and stale entities
	// are picked up between full passes.
	defaultRetryInterval = 30 * time.Second

	// defaultStaleBatch caps how many stale entities one retry tick
	// refreshes, keeping the shared rate budget available for webhooks.
	defaultStaleBatch = 50
)

// ReconcilerOptions tunes a Reconciler. Zero values pick defaults.
type ReconcilerOptions struct {
	Interval      time.Duration
	RetryInterval time.Duration
	StaleBatch    int
	Logger        *log.Logger
}

// Reconciler periodically replays tracker state into the store. It is
// the safety net under webhook delivery: missed, reordered or dropped
// events all converge on the next pass, because every pass re-applies
// the tracker's current view and stale timestamps skip harmlessly.
type Reconciler struct {
	engine        *Engine
	store         *store.Store
	client        *tracker.Client
	interval      time.Duration
	retryInterval time.Duration
	staleBatch    int
	logger        *log.Logger
}

// NewReconciler creates a reconciler over the engine and tracker client.
func NewReconciler(e *Engine, st *store.Store, client *tracker.Client, opts ReconcilerOptions) *Reconciler {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	retryInterval := opts.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	staleBatch := opts.StaleBatch
	if staleBatch <= 0 {
		staleBatch = defaultStaleBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[reconcile] ", log.LstdFlags)
	}
	return &Reconciler{
		engine:        e,
		store:         st,
		client:        client,
		interval:      interval,
		retryInterval: retryInterval,
		staleBatch:    staleBatch,
		logger:        logger,
	}
}

// Run loops until ctx is cancelled: a full reconcile pass on the long
// interval, due retries and stale refreshes on the short one. The first
// full pass runs immediately.
func (r *Reconciler) Run(ctx context.Context) {
	if _, err := r.ReconcileOnce(ctx); err != nil {
		r.logger.Printf("initial pass failed: %v", err)
	}

	full := time.NewTicker(r.interval)
	defer full.Stop()
	retry := time.NewTicker(r.retryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-full.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Printf("pass failed: %v", err)
			}
		case <-retry.C:
			if err := r.ProcessRetries(ctx); err != nil {
				r.logger.Printf("retry pass failed: %v", err)
			}
			if err := r.RefreshStale(ctx); err != nil {
				r.logger.Printf("stale refresh failed: %v", err)
			}
		}
	}
}

// Summary reports what one full reconcile pass did.
type Summary struct {
	Items    int           `json:"items"`
	Applied  int           `json:"applied"`
	Failed   int           `json:"failed"`
	Removed  int           `json:"removed"`
	Duration time.Duration `json:"duration"`
}

// ReconcileOnce runs one full pass: fetch every tracker item, replay it
// through the apply step, and mark entities gone from the tracker as
// removed. Per-item failures are counted and isolated; only a failure to
// list the tracker at all aborts the pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (*Summary, error) {
	start := time.Now()

	items, err := r.client.ListItems(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list tracker items: %w", err)
	}

	summary := &Summary{Items: len(items)}
	seen := make(map[int64]bool, len(items))
	for i := range items {
		item := &items[i]
		seen[item.Ref] = true
		if err := r.engine.ApplyItem(ctx, item); err != nil {
			summary.Failed++
			continue
		}
		summary.Applied++
	}

	removed, err := r.markDeleted(ctx, seen)
	if err != nil {
		r.logger.Printf("deletion sweep failed: %v", err)
	}
	summary.Removed = removed

	summary.Duration = time.Since(start)
	r.logger.Printf("pass complete: %d items, %d applied, %d failed, %d removed in %s",
		summary.Items, summary.Applied, summary.Failed, summary.Removed,
		summary.Duration.Round(time.Millisecond))
	return summary, nil
}

// markDeleted flags tracker-backed entities whose item vanished from the
// tracker. Rows stay in the store for audit history.
func (r *Reconciler) markDeleted(ctx context.Context, seen map[int64]bool) (int, error) {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	at := time.Now().UTC()
	for _, e := range active {
		if e.TrackerRef == nil || seen[*e.TrackerRef] {
			continue
		}
		if err := r.store.MarkRemoved(ctx, e.ExternalID, at); err != nil {
			r.logger.Printf("failed to mark %s removed: %v", e.ExternalID, err)
			continue
		}
		r.logger.Printf("marked %s removed (tracker item %d gone)", e.ExternalID, *e.TrackerRef)
		removed++
	}
	return removed, nil
}

// ProcessRetries re-fetches and re-applies every failed or conflicted
// record whose backoff window has elapsed. Items deleted on the tracker
// side get their entity marked removed instead of burning retries.
func (r *Reconciler) ProcessRetries(ctx context.Context) error {
	due, err := r.store.DueRetries(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to list due retries: %w", err)
	}

	for _, rec := range due {
		item, err := r.client.GetItem(ctx, rec.TrackerRef)
		if tracker.IsNotFound(err) {
			if rec.EntityExternalID != "" {
				if err := r.store.MarkRemoved(ctx, rec.EntityExternalID, time.Now().UTC()); err != nil {
					r.logger.Printf("failed to mark %s removed: %v", rec.EntityExternalID, err)
				}
			}
			continue
		}
		if err != nil {
			r.logger.Printf("retry fetch for item %d failed: %v", rec.TrackerRef, err)
			continue
		}

		// Conflicted records carry a sync time ahead of local entity
		// state. Re-applying the freshly fetched item resolves them; the
		// apply resets the record to synced on success.
		if rec.SyncStatus == schema.SyncConflict {
			if err := r.store.MarkSyncPending(ctx, rec.TrackerRef); err != nil {
				r.logger.Printf("failed to reset conflict for item %d: %v", rec.TrackerRef, err)
				continue
			}
		}
		if err := r.engine.ApplyItem(ctx, item); err != nil {
			r.logger.Printf("retry apply for item %d failed: %v", rec.TrackerRef, err)
		}
	}
	return nil
}

// RefreshStale re-fetches tracker-backed entities that have not synced
// within the full reconcile interval, a small batch at a time.
func (r *Reconciler) RefreshStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.interval)
	stale, err := r.store.StaleEntities(ctx, cutoff, r.staleBatch)
	if err != nil {
		return fmt.Errorf("failed to list stale entities: %w", err)
	}

	for _, e := range stale {
		item, err := r.client.GetItem(ctx, *e.TrackerRef)
		if tracker.IsNotFound(err) {
			if err := r.store.MarkRemoved(ctx, e.ExternalID, time.Now().UTC()); err != nil {
				r.logger.Printf("failed to mark %s removed: %v", e.ExternalID, err)
			}
			continue
		}
		if err != nil {
			r.logger.Printf("stale fetch for %s failed: %v", e.ExternalID, err)
			continue
		}
		if err := r.engine.ApplyItem(ctx, item); err != nil {
			r.logger.Printf("stale apply for %s failed: %v", e.ExternalID, err)
		}
	}
	return nil
}
