package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracegraph/tracegraph/internal/schema"
)

// setupTestStore creates a temporary SQLite-backed store.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return s
}

func testEntity(id string, kind schema.Kind, mutate ...func(*schema.Entity)) *schema.Entity {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &schema.Entity{
		ExternalID: id,
		Kind:       kind,
		Title:      "Entity " + id,
		State:      schema.StateOpen,
		Labels:     []string{"sync"},
		UpdatedAt:  now,
		CreatedAt:  now,
	}
	for _, m := range mutate {
		m(e)
	}
	return e
}

func withParent(parent string) func(*schema.Entity) {
	return func(e *schema.Entity) { e.ParentID = parent }
}

func withPoints(n int) func(*schema.Entity) {
	return func(e *schema.Entity) { e.StoryPoints = n }
}

func withState(state string) func(*schema.Entity) {
	return func(e *schema.Entity) { e.State = state }
}

func withTracker(ref int64) func(*schema.Entity) {
	return func(e *schema.Entity) { e.TrackerRef = &ref }
}

func TestUpsertEntityIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := testEntity("EP-00001", schema.KindEpic)
	if err := s.UpsertEntity(ctx, e); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := s.UpsertEntity(ctx, e); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	got, err := s.GetEntity(ctx, "EP-00001")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.Title != e.Title || got.Kind != schema.KindEpic {
		t.Errorf("unexpected entity %+v", got)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Entities != 1 {
		t.Errorf("expected 1 entity after double upsert, got %d", stats.Entities)
	}
}

func TestGetEntityNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetEntity(context.Background(), "EP-99999")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetByTrackerRef(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEntity(ctx, testEntity("US-00001", schema.KindStory, withTracker(101))); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := s.GetByTrackerRef(ctx, 101)
	if err != nil {
		t.Fatalf("GetByTrackerRef failed: %v", err)
	}
	if got.ExternalID != "US-00001" {
		t.Errorf("got %s, want US-00001", got.ExternalID)
	}

	if _, err := s.GetByTrackerRef(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown ref, got %v", err)
	}
}

func TestEntityExistsExcludesRemoved(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEntity(ctx, testEntity("DEF-00001", schema.KindDefect)); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	ok, err := s.EntityExists(ctx, "DEF-00001")
	if err != nil || !ok {
		t.Errorf("EntityExists = (%v, %v), want (true, nil)", ok, err)
	}

	if err := s.MarkRemoved(ctx, "DEF-00001", time.Now()); err != nil {
		t.Fatalf("MarkRemoved failed: %v", err)
	}

	ok, err = s.EntityExists(ctx, "DEF-00001")
	if err != nil || ok {
		t.Errorf("removed entity should not exist for link checks, got (%v, %v)", ok, err)
	}

	// Row is preserved for audit.
	got, err := s.GetEntity(ctx, "DEF-00001")
	if err != nil {
		t.Fatalf("removed entity row should survive: %v", err)
	}
	if got.State != schema.StateRemoved {
		t.Errorf("state = %q, want removed", got.State)
	}
}

func TestRecomputeEpicMetrics(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEntity(ctx, testEntity("EP-00001", schema.KindEpic)); err != nil {
		t.Fatalf("upsert epic failed: %v", err)
	}
	stories := []*schema.Entity{
		testEntity("US-00001", schema.KindStory, withParent("EP-00001"), withPoints(3), withState(schema.StateClosed)),
		testEntity("US-00002", schema.KindStory, withParent("EP-00001"), withPoints(5)),
		testEntity("US-00003", schema.KindStory, withParent("EP-00001"), withPoints(2), withState(schema.StateClosed)),
	}
	for _, st := range stories {
		if err := s.UpsertEntity(ctx, st); err != nil {
			t.Fatalf("upsert story failed: %v", err)
		}
	}

	if err := s.RecomputeEpicMetrics(ctx, "EP-00001"); err != nil {
		t.Fatalf("RecomputeEpicMetrics failed: %v", err)
	}

	epic, err := s.GetEntity(ctx, "EP-00001")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if epic.PointsCompleted != 5 {
		t.Errorf("points_completed = %d, want 5", epic.PointsCompleted)
	}
	if epic.CompletionPct != 50 {
		t.Errorf("completion_pct = %g, want 50", epic.CompletionPct)
	}
}

func TestRecomputeEpicMetricsIgnoresRemovedStories(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEntity(ctx, testEntity("EP-00001", schema.KindEpic)); err != nil {
		t.Fatalf("upsert epic failed: %v", err)
	}
	if err := s.UpsertEntity(ctx, testEntity("US-00001", schema.KindStory,
		withParent("EP-00001"), withPoints(8), withState(schema.StateClosed))); err != nil {
		t.Fatalf("upsert story failed: %v", err)
	}
	if err := s.UpsertEntity(ctx, testEntity("US-00002", schema.KindStory,
		withParent("EP-00001"), withPoints(8), withState(schema.StateRemoved))); err != nil {
		t.Fatalf("upsert story failed: %v", err)
	}

	if err := s.RecomputeEpicMetrics(ctx, "EP-00001"); err != nil {
		t.Fatalf("RecomputeEpicMetrics failed: %v", err)
	}

	epic, err := s.GetEntity(ctx, "EP-00001")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if epic.CompletionPct != 100 {
		t.Errorf("completion_pct = %g, want 100 (removed story excluded)", epic.CompletionPct)
	}
}

func TestRecomputeEpicMetricsZeroPoints(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEntity(ctx, testEntity("EP-00001", schema.KindEpic)); err != nil {
		t.Fatalf("upsert epic failed: %v", err)
	}

	if err := s.RecomputeEpicMetrics(ctx, "EP-00001"); err != nil {
		t.Fatalf("RecomputeEpicMetrics failed: %v", err)
	}

	epic, err := s.GetEntity(ctx, "EP-00001")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if epic.CompletionPct != 0 {
		t.Errorf("completion_pct = %g, want 0 when total is 0", epic.CompletionPct)
	}
}

func TestApplySyncRecomputesMetricsAtomically(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEntity(ctx, testEntity("EP-00001", schema.KindEpic)); err != nil {
		t.Fatalf("upsert epic failed: %v", err)
	}
	story := testEntity("US-00001", schema.KindStory,
		withParent("EP-00001"), withPoints(4), withTracker(201))
	if err := s.UpsertEntity(ctx, story); err != nil {
		t.Fatalf("upsert story failed: %v", err)
	}

	closed := testEntity("US-00001", schema.KindStory,
		withParent("EP-00001"), withPoints(4), withTracker(201), withState(schema.StateClosed))
	eventTime := closed.UpdatedAt.Add(time.Hour)
	closed.UpdatedAt = eventTime

	err := s.ApplySync(ctx, ApplySyncParams{
		Entity:         closed,
		TrackerRef:     201,
		EventTime:      eventTime,
		SyncTime:       time.Now().UTC(),
		RecomputeEpics: []string{"EP-00001"},
	})
	if err != nil {
		t.Fatalf("ApplySync failed: %v", err)
	}

	epic, err := s.GetEntity(ctx, "EP-00001")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if epic.CompletionPct != 100 || epic.PointsCompleted != 4 {
		t.Errorf("metrics = (%g, %d), want (100, 4)", epic.CompletionPct, epic.PointsCompleted)
	}

	rec, err := s.GetSyncRecord(ctx, 201)
	if err != nil {
		t.Fatalf("GetSyncRecord failed: %v", err)
	}
	if rec.SyncStatus != schema.SyncSynced {
		t.Errorf("sync_status = %q, want synced", rec.SyncStatus)
	}
	if rec.EntityExternalID != "US-00001" {
		t.Errorf("entity_external_id = %q", rec.EntityExternalID)
	}
}

func TestApplySyncStaleCAS(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newer := testEntity("US-00001", schema.KindStory, withTracker(301))
	newer.UpdatedAt = base.Add(time.Hour)

	if err := s.ApplySync(ctx, ApplySyncParams{
		Entity:     newer,
		TrackerRef: 301,
		EventTime:  newer.UpdatedAt,
		SyncTime:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("first ApplySync failed: %v", err)
	}

	// Replaying an equal timestamp loses the CAS.
	err := s.ApplySync(ctx, ApplySyncParams{
		Entity:     newer,
		TrackerRef: 301,
		EventTime:  newer.UpdatedAt,
		SyncTime:   time.Now().UTC(),
	})
	if !errors.Is(err, ErrStale) {
		t.Errorf("equal-timestamp replay should be ErrStale, got %v", err)
	}

	// And so does an older one.
	older := testEntity("US-00001", schema.KindStory, withTracker(301))
	older.UpdatedAt = base
	older.Title = "regressed title"
	err = s.ApplySync(ctx, ApplySyncParams{
		Entity:     older,
		TrackerRef: 301,
		EventTime:  older.UpdatedAt,
		SyncTime:   time.Now().UTC(),
	})
	if !errors.Is(err, ErrStale) {
		t.Errorf("older replay should be ErrStale, got %v", err)
	}

	got, err := s.GetEntity(ctx, "US-00001")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.Title == "regressed title" {
		t.Errorf("stale replay must not regress entity fields")
	}
}

func TestStaleEntitiesQuery(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Hour)
	fresh := cutoff.Add(time.Hour)

	stale := testEntity("US-00001", schema.KindStory, withTracker(1))
	stale.LastSyncedAt = &old
	neverSynced := testEntity("US-00002", schema.KindStory, withTracker(2))
	current := testEntity("US-00003", schema.KindStory, withTracker(3))
	current.LastSyncedAt = &fresh
	local := testEntity("TST-00001", schema.KindTest) // no tracker ref

	for _, e := range []*schema.Entity{stale, neverSynced, current, local} {
		if err := s.UpsertEntity(ctx, e); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	got, err := s.StaleEntities(ctx, cutoff, 0)
	if err != nil {
		t.Fatalf("StaleEntities failed: %v", err)
	}
	ids := make(map[string]bool)
	for _, e := range got {
		ids[e.ExternalID] = true
	}
	if len(got) != 2 || !ids["US-00001"] || !ids["US-00002"] {
		t.Errorf("stale set = %v, want US-00001 and US-00002", ids)
	}
}

func TestSyncRecordRetryExhaustion(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const maxRetries = 3
	next := time.Now().Add(time.Minute)

	for i := 0; i < maxRetries; i++ {
		if err := s.MarkSyncFailed(ctx, 42, "connect refused", next, maxRetries); err != nil {
			t.Fatalf("MarkSyncFailed %d failed: %v", i, err)
		}
	}

	rec, err := s.GetSyncRecord(ctx, 42)
	if err != nil {
		t.Fatalf("GetSyncRecord failed: %v", err)
	}
	if rec.SyncStatus != schema.SyncManualReview {
		t.Errorf("sync_status = %q, want needs_manual_review", rec.SyncStatus)
	}
	if rec.RetryCount != maxRetries {
		t.Errorf("retry_count = %d, want %d", rec.RetryCount, maxRetries)
	}
	if rec.NextRetryAt != nil {
		t.Errorf("terminal record should have no next_retry_at")
	}

	// Further failures leave the terminal state untouched.
	if err := s.MarkSyncFailed(ctx, 42, "still down", next, maxRetries); err != nil {
		t.Fatalf("MarkSyncFailed on terminal record failed: %v", err)
	}
	rec, err = s.GetSyncRecord(ctx, 42)
	if err != nil {
		t.Fatalf("GetSyncRecord failed: %v", err)
	}
	if rec.RetryCount != maxRetries || rec.SyncStatus != schema.SyncManualReview {
		t.Errorf("terminal record mutated: %+v", rec)
	}
}

func TestSyncConflictCountsTowardExhaustion(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const maxRetries = 3
	next := time.Now().Add(time.Minute)

	// Conflicts and failures share the budget, so a mixed streak still
	// parks the record.
	if err := s.MarkSyncConflict(ctx, 42, "entity ahead of event", next, maxRetries); err != nil {
		t.Fatalf("MarkSyncConflict failed: %v", err)
	}
	if err := s.MarkSyncFailed(ctx, 42, "connect refused", next, maxRetries); err != nil {
		t.Fatalf("MarkSyncFailed failed: %v", err)
	}
	if err := s.MarkSyncConflict(ctx, 42, "entity ahead of event", next, maxRetries); err != nil {
		t.Fatalf("MarkSyncConflict failed: %v", err)
	}

	rec, err := s.GetSyncRecord(ctx, 42)
	if err != nil {
		t.Fatalf("GetSyncRecord failed: %v", err)
	}
	if rec.SyncStatus != schema.SyncManualReview {
		t.Errorf("sync_status = %q, want needs_manual_review", rec.SyncStatus)
	}
	if rec.RetryCount != maxRetries {
		t.Errorf("retry_count = %d, want %d", rec.RetryCount, maxRetries)
	}
	if rec.NextRetryAt != nil {
		t.Errorf("terminal record should have no next_retry_at")
	}

	// Another conflict leaves the terminal state untouched.
	if err := s.MarkSyncConflict(ctx, 42, "entity ahead of event", next, maxRetries); err != nil {
		t.Fatalf("MarkSyncConflict on terminal record failed: %v", err)
	}
	rec, err = s.GetSyncRecord(ctx, 42)
	if err != nil {
		t.Fatalf("GetSyncRecord failed: %v", err)
	}
	if rec.RetryCount != maxRetries || rec.SyncStatus != schema.SyncManualReview {
		t.Errorf("terminal record mutated: %+v", rec)
	}
}

func TestDueRetries(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	if err := s.MarkSyncFailed(ctx, 1, "x", past, 10); err != nil {
		t.Fatalf("MarkSyncFailed failed: %v", err)
	}
	if err := s.MarkSyncFailed(ctx, 2, "x", future, 10); err != nil {
		t.Fatalf("MarkSyncFailed failed: %v", err)
	}

	due, err := s.DueRetries(ctx, now)
	if err != nil {
		t.Fatalf("DueRetries failed: %v", err)
	}
	if len(due) != 1 || due[0].TrackerRef != 1 {
		t.Errorf("due = %+v, want only tracker_ref 1", due)
	}
}

func TestGetOrCreateSyncRecordIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r1, err := s.GetOrCreateSyncRecord(ctx, 77)
	if err != nil {
		t.Fatalf("GetOrCreateSyncRecord failed: %v", err)
	}
	if r1.SyncStatus != schema.SyncPending {
		t.Errorf("new record status = %q, want pending", r1.SyncStatus)
	}

	r2, err := s.GetOrCreateSyncRecord(ctx, 77)
	if err != nil {
		t.Fatalf("second GetOrCreateSyncRecord failed: %v", err)
	}
	if r2.TrackerRef != 77 || r2.SyncStatus != schema.SyncPending {
		t.Errorf("unexpected record %+v", r2)
	}
}

func TestListByParent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.UpsertEntity(ctx, testEntity("EP-00001", schema.KindEpic)); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	for _, id := range []string{"US-00002", "US-00001"} {
		if err := s.UpsertEntity(ctx, testEntity(id, schema.KindStory, withParent("EP-00001"))); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	children, err := s.ListByParent(ctx, "EP-00001")
	if err != nil {
		t.Fatalf("ListByParent failed: %v", err)
	}
	if len(children) != 2 || children[0].ExternalID != "US-00001" {
		t.Errorf("children = %+v, want ordered [US-00001 US-00002]", children)
	}
}
