package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tracegraph/tracegraph/internal/refs"
	"github.com/tracegraph/tracegraph/internal/schema"
	"github.com/tracegraph/tracegraph/internal/store"
	"github.com/tracegraph/tracegraph/internal/tracker"
)

// defaultApplyTimeout bounds a single apply step, store round trips
// included.
const defaultApplyTimeout = 30 * time.Second

// Notifier receives sync outcomes. The dashboard implements it to push
// live updates over websockets; a nil notifier disables notifications.
type Notifier interface {
	EntitySynced(e *schema.Entity)
	SyncFailed(trackerRef int64, reason string)
}

// Options tunes an Engine. Zero values pick defaults.
type Options struct {
	Policy       Policy
	ApplyTimeout time.Duration
	Logger       *log.Logger
	Notifier     Notifier
}

// Engine applies tracker events to the entity store.
type Engine struct {
	store        *store.Store
	parser       *refs.Parser
	policy       Policy
	applyTimeout time.Duration
	logger       *log.Logger
	notifier     Notifier
}

// New creates a sync engine on top of a store and a reference parser.
func New(st *store.Store, parser *refs.Parser, opts Options) *Engine {
	policy := opts.Policy
	if policy.MaxRetries == 0 {
		policy = DefaultPolicy()
	}
	timeout := opts.ApplyTimeout
	if timeout <= 0 {
		timeout = defaultApplyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[sync] ", log.LstdFlags)
	}
	return &Engine{
		store:        st,
		parser:       parser,
		policy:       policy,
		applyTimeout: timeout,
		logger:       logger,
		notifier:     opts.Notifier,
	}
}

// SetNotifier installs the notifier after construction. The dashboard
// needs the worker pool to exist before it can be built, so the wiring
// closes the loop here. Call before any Apply runs.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Apply runs the apply step for one event: resolve the conflict
// decision, map tracker fields onto the entity, refresh links parsed
// from the payload body, and commit atomically through the store.
//
// Stale or duplicate events return nil; applying twice is a no-op.
// Events for items without a recognizable external ID are logged and
// dropped, also returning nil. Store failures schedule a retry and
// return the error.
func (e *Engine) Apply(ctx context.Context, ev *schema.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.applyTimeout)
	defer cancel()

	// Read the entity before the sync record. A concurrent apply
	// committing between the two reads then shows up as a newer record,
	// which resolves to a skip; the reverse order would misread the same
	// race as a conflict.
	existing, err := e.store.GetByTrackerRef(ctx, ev.TrackerRef)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return e.fail(ctx, ev.TrackerRef, err)
	}

	rec, err := e.store.GetOrCreateSyncRecord(ctx, ev.TrackerRef)
	if err != nil {
		return e.fail(ctx, ev.TrackerRef, err)
	}
	if rec.SyncStatus == schema.SyncManualReview {
		e.logger.Printf("tracker item %d needs manual review, dropping event", ev.TrackerRef)
		return nil
	}

	var entityUpdated time.Time
	if existing != nil {
		entityUpdated = existing.UpdatedAt
	}

	switch Resolve(rec.LastSyncTime, entityUpdated, ev.UpdatedAt) {
	case DecisionSkip:
		e.logger.Printf("tracker item %d: event at %s already applied, skipping",
			ev.TrackerRef, ev.UpdatedAt.Format(time.RFC3339))
		return nil
	case DecisionConflict:
		detail := fmt.Sprintf("entity timestamp %s is ahead of event timestamp %s",
			entityUpdated.Format(time.RFC3339), ev.UpdatedAt.Format(time.RFC3339))
		e.logger.Printf("tracker item %d: conflict, %s", ev.TrackerRef, detail)
		nextRetry := time.Now().UTC().Add(e.policy.Delay(rec.RetryCount))
		if err := e.store.MarkSyncConflict(ctx, ev.TrackerRef, detail, nextRetry, e.policy.MaxRetries); err != nil {
			return err
		}
		return nil
	}

	entity, recompute, err := e.buildEntity(existing, rec.EntityExternalID, ev)
	if err != nil {
		// Not a sync failure: the item simply is not one of ours.
		e.logger.Printf("tracker item %d: dropping event: %v", ev.TrackerRef, err)
		return nil
	}

	err = e.store.ApplySync(ctx, store.ApplySyncParams{
		Entity:         entity,
		TrackerRef:     ev.TrackerRef,
		EventTime:      ev.UpdatedAt,
		SyncTime:       time.Now().UTC(),
		RecomputeEpics: recompute,
	})
	if errors.Is(err, store.ErrStale) {
		e.logger.Printf("tracker item %d: lost apply race, skipping", ev.TrackerRef)
		return nil
	}
	if err != nil {
		return e.fail(ctx, ev.TrackerRef, err)
	}

	e.logger.Printf("tracker item %d: applied %s as %s", ev.TrackerRef, ev.Type, entity.ExternalID)
	if e.notifier != nil {
		e.notifier.EntitySynced(entity)
	}
	return nil
}

// ApplyItem converts a fetched tracker item into an update event and
// applies it. Reconciliation uses this to replay current tracker state.
func (e *Engine) ApplyItem(ctx context.Context, item *tracker.Item) error {
	ev := &schema.Event{
		TrackerRef: item.Ref,
		UpdatedAt:  item.UpdatedAt,
		Type:       schema.EventUpdated,
		Payload: schema.EventPayload{
			Title:       item.Title,
			State:       item.State,
			Labels:      item.Labels,
			Body:        item.Body,
			StoryPoints: item.StoryPoints,
		},
	}
	return e.Apply(ctx, ev)
}

// buildEntity maps an event onto the stored entity, preserving fields
// the event does not carry. It also returns the epic IDs whose derived
// metrics the apply transaction must recompute.
func (e *Engine) buildEntity(existing *schema.Entity, recordedID string, ev *schema.Event) (*schema.Entity, []string, error) {
	externalID := e.externalID(existing, recordedID, ev)
	if externalID == "" {
		return nil, nil, fmt.Errorf("no recognizable external id in payload")
	}
	prefix, _, err := schema.ParseExternalID(externalID)
	if err != nil {
		return nil, nil, err
	}
	kind, ok := schema.KindForPrefix(prefix)
	if !ok {
		return nil, nil, fmt.Errorf("prefix %s has no entity kind", prefix)
	}

	entity := &schema.Entity{
		ExternalID: externalID,
		Kind:       kind,
		Title:      ev.Payload.Title,
		UpdatedAt:  ev.UpdatedAt,
	}
	ref := ev.TrackerRef
	entity.TrackerRef = &ref

	if existing != nil {
		entity.State = existing.State
		entity.Labels = existing.Labels
		entity.ParentID = existing.ParentID
		entity.TestTargets = existing.TestTargets
		entity.StoryPoints = existing.StoryPoints
		entity.CreatedAt = existing.CreatedAt
	}

	switch {
	case ev.Type == schema.EventClosed:
		entity.State = schema.StateClosed
	case ev.Payload.State != "":
		entity.State = ev.Payload.State
	}
	if ev.Payload.Labels != nil {
		entity.Labels = ev.Payload.Labels
	}
	if ev.Payload.StoryPoints > 0 {
		entity.StoryPoints = ev.Payload.StoryPoints
	}
	e.refreshLinks(entity, ev.Payload.Body)
	entity.SetDefaults()

	var recompute []string
	if kind == schema.KindStory {
		recompute = append(recompute, entity.ParentID)
		if existing != nil && existing.ParentID != "" && existing.ParentID != entity.ParentID {
			recompute = append(recompute, existing.ParentID)
		}
	}
	return entity, recompute, nil
}

// externalID picks the entity ID for an event, in priority order: the
// payload's explicit field, the first reference in the title, the bound
// entity's ID, then the ID recorded on the sync record.
func (e *Engine) externalID(existing *schema.Entity, recordedID string, ev *schema.Event) string {
	if ev.Payload.ExternalID != "" {
		if _, _, err := schema.ParseExternalID(ev.Payload.ExternalID); err == nil {
			return ev.Payload.ExternalID
		}
	}
	if r := e.parser.Parse(ev.Payload.Title); len(r) > 0 {
		return r[0].ID()
	}
	if existing != nil {
		return existing.ExternalID
	}
	return recordedID
}

// refreshLinks re-extracts parent and test-target links from the payload
// body. An empty body (or one carrying no references) leaves the stored
// links alone: labeled and closed events rarely carry bodies, and their
// silence must not orphan anything.
func (e *Engine) refreshLinks(entity *schema.Entity, body string) {
	if body == "" {
		return
	}
	parsed := e.parser.Parse(body)
	if len(parsed) == 0 {
		return
	}

	switch entity.Kind {
	case schema.KindStory:
		if id := firstWithPrefix(parsed, schema.PrefixEpic); id != "" {
			entity.ParentID = id
		}
	case schema.KindDefect:
		// A defect attaches to the story it was found in, falling back
		// to an epic when no story is mentioned.
		if id := firstWithPrefix(parsed, schema.PrefixStory); id != "" {
			entity.ParentID = id
		} else if id := firstWithPrefix(parsed, schema.PrefixEpic); id != "" {
			entity.ParentID = id
		}
	case schema.KindTest:
		var targets []string
		for _, r := range parsed {
			if r.Prefix == schema.PrefixEpic || r.Prefix == schema.PrefixStory {
				targets = append(targets, r.ID())
			}
		}
		if len(targets) > 0 {
			entity.TestTargets = targets
		}
	}
}

func firstWithPrefix(parsed []refs.Ref, prefix string) string {
	for _, r := range parsed {
		if r.Prefix == prefix {
			return r.ID()
		}
	}
	return ""
}

// fail records a failed attempt with backoff and passes the error back
// to the caller. Retry exhaustion parks the record for manual review.
// The bookkeeping runs on a fresh context: the apply context may be the
// very thing that expired.
func (e *Engine) fail(_ context.Context, trackerRef int64, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, recErr := e.store.GetSyncRecord(ctx, trackerRef)
	retryCount := 0
	if recErr == nil {
		retryCount = rec.RetryCount
	}
	nextRetry := time.Now().UTC().Add(e.policy.Delay(retryCount))

	if err := e.store.MarkSyncFailed(ctx, trackerRef, cause.Error(), nextRetry, e.policy.MaxRetries); err != nil {
		e.logger.Printf("tracker item %d: failed to record sync failure: %v", trackerRef, err)
	}
	e.logger.Printf("tracker item %d: sync failed: %v", trackerRef, cause)
	if e.notifier != nil {
		e.notifier.SyncFailed(trackerRef, cause.Error())
	}
	return fmt.Errorf("failed to sync tracker item %d: %w", trackerRef, cause)
}
