package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tracegraph/tracegraph/internal/schema"
	"github.com/tracegraph/tracegraph/internal/store"
	"github.com/tracegraph/tracegraph/internal/tracker"
)

// fakeTracker serves a mutable item set over the tracker REST shape.
type fakeTracker struct {
	mu    sync.Mutex
	items map[int64]tracker.Item
	srv   *httptest.Server
}

func newFakeTracker(t *testing.T) *fakeTracker {
	t.Helper()
	ft := &fakeTracker{items: make(map[int64]tracker.Item)}
	ft.srv = httptest.NewServer(http.HandlerFunc(ft.handle))
	t.Cleanup(ft.srv.Close)
	return ft
}

func (ft *fakeTracker) put(item tracker.Item) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.items[item.Ref] = item
}

func (ft *fakeTracker) remove(ref int64) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	delete(ft.items, ref)
}

func (ft *fakeTracker) handle(w http.ResponseWriter, r *http.Request) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if r.URL.Path == "/api/items" {
		items := make([]tracker.Item, 0, len(ft.items))
		for _, it := range ft.items {
			items = append(items, it)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
		return
	}

	refStr := strings.TrimPrefix(r.URL.Path, "/api/items/")
	ref, err := strconv.ParseInt(refStr, 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	item, ok := ft.items[ref]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(item)
}

func setupReconciler(t *testing.T) (*Reconciler, *store.Store, *fakeTracker) {
	t.Helper()

	e, s := setupEngine(t)
	ft := newFakeTracker(t)
	client := tracker.NewClient(ft.srv.URL, "secret", ft.srv.Client(), nil)
	r := NewReconciler(e, s, client, ReconcilerOptions{
		Logger: log.New(io.Discard, "", 0),
	})
	return r, s, ft
}

func trackerStory(ref int64, n int, at time.Time) tracker.Item {
	return tracker.Item{
		Ref:         ref,
		Title:       fmt.Sprintf("%s: Story %d", schema.FormatExternalID("US", n), n),
		State:       schema.StateOpen,
		Body:        "Part of EP-00001.",
		StoryPoints: 3,
		UpdatedAt:   at,
	}
}

func TestReconcileOnceImportsTrackerState(t *testing.T) {
	r, s, ft := setupReconciler(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		ft.put(trackerStory(int64(100+i), i, at))
	}

	summary, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	if summary.Items != 3 || summary.Applied != 3 || summary.Failed != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}

	stories, err := s.ListByKind(ctx, schema.KindStory)
	if err != nil {
		t.Fatalf("ListByKind failed: %v", err)
	}
	if len(stories) != 3 {
		t.Fatalf("got %d stories, want 3", len(stories))
	}
}

func TestReconcileOnceIsIdempotent(t *testing.T) {
	r, s, ft := setupReconciler(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ft.put(trackerStory(101, 1, at))

	if _, err := r.ReconcileOnce(ctx); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	first, err := s.GetEntity(ctx, "US-00001")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}

	if _, err := r.ReconcileOnce(ctx); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	second, err := s.GetEntity(ctx, "US-00001")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}

	if !second.UpdatedAt.Equal(first.UpdatedAt) || second.Title != first.Title {
		t.Errorf("second pass changed the entity: %+v vs %+v", second, first)
	}
}

func TestReconcileMarksDeletedItemsRemoved(t *testing.T) {
	r, s, ft := setupReconciler(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ft.put(trackerStory(101, 1, at))
	ft.put(trackerStory(102, 2, at))
	if _, err := r.ReconcileOnce(ctx); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	ft.remove(102)
	summary, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if summary.Removed != 1 {
		t.Errorf("removed = %d, want 1", summary.Removed)
	}

	gone, err := s.GetEntity(ctx, "US-00002")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if !gone.IsRemoved() {
		t.Errorf("state = %s, want removed (row kept for audit)", gone.State)
	}
	kept, err := s.GetEntity(ctx, "US-00001")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if kept.IsRemoved() {
		t.Error("surviving entity was swept up by the deletion pass")
	}
}

func TestProcessRetriesRecoversFailedRecord(t *testing.T) {
	r, s, ft := setupReconciler(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ft.put(trackerStory(101, 1, at))

	// A past failure whose backoff window has already elapsed.
	if err := s.MarkSyncFailed(ctx, 101, "transient outage", at, 5); err != nil {
		t.Fatalf("MarkSyncFailed failed: %v", err)
	}

	if err := r.ProcessRetries(ctx); err != nil {
		t.Fatalf("ProcessRetries failed: %v", err)
	}

	rec, err := s.GetSyncRecord(ctx, 101)
	if err != nil {
		t.Fatalf("GetSyncRecord failed: %v", err)
	}
	if rec.SyncStatus != schema.SyncSynced {
		t.Errorf("sync status = %s, want synced after retry", rec.SyncStatus)
	}
	if _, err := s.GetEntity(ctx, "US-00001"); err != nil {
		t.Errorf("retried item never materialized: %v", err)
	}
}

func TestProcessRetriesSkipsManualReview(t *testing.T) {
	r, s, ft := setupReconciler(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ft.put(trackerStory(101, 1, at))

	for i := 0; i < 3; i++ {
		if err := s.MarkSyncFailed(ctx, 101, "permanent breakage", at, 3); err != nil {
			t.Fatalf("MarkSyncFailed failed: %v", err)
		}
	}

	if err := r.ProcessRetries(ctx); err != nil {
		t.Fatalf("ProcessRetries failed: %v", err)
	}

	rec, err := s.GetSyncRecord(ctx, 101)
	if err != nil {
		t.Fatalf("GetSyncRecord failed: %v", err)
	}
	if rec.SyncStatus != schema.SyncManualReview {
		t.Errorf("sync status = %s, want needs_manual_review to stay parked", rec.SyncStatus)
	}
}

func TestRefreshStaleRefetchesOldEntities(t *testing.T) {
	r, s, ft := setupReconciler(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(-24 * time.Hour)

	ft.put(trackerStory(101, 1, at))
	if _, err := r.ReconcileOnce(ctx); err != nil {
		t.Fatalf("seed pass failed: %v", err)
	}

	// Age the sync so the entity counts as stale, then advance the
	// tracker copy.
	ref := int64(101)
	old := at.Add(-time.Hour)
	aged := &schema.Entity{
		ExternalID: "US-00001", Kind: schema.KindStory, TrackerRef: &ref,
		Title: "US-00001: Story 1", State: schema.StateOpen,
		UpdatedAt: old, LastSyncedAt: &old, CreatedAt: old,
	}
	if err := s.UpsertEntity(ctx, aged); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	updated := trackerStory(101, 1, time.Now().UTC())
	updated.Title = "US-00001: Story 1 (revised)"
	ft.put(updated)

	if err := r.RefreshStale(ctx); err != nil {
		t.Fatalf("RefreshStale failed: %v", err)
	}

	got, err := s.GetEntity(ctx, "US-00001")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.Title != "US-00001: Story 1 (revised)" {
		t.Errorf("title = %q, stale entity was not refreshed", got.Title)
	}
}
