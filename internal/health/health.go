// Package health validates cross-entity links and scores traceability.
//
// The checker is read-only: it walks the active entity set, runs every
// outgoing reference through the link-plugin registry, and folds the
// verdicts into a single score. Unknown verdicts are excluded from the
// score entirely; a flaky doc server must not move the number, only
// confirmed-present and confirmed-absent targets do.
package health

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tracegraph/tracegraph/internal/linkplug"
	"github.com/tracegraph/tracegraph/internal/schema"
	"github.com/tracegraph/tracegraph/internal/store"
)

// Link is one checked reference.
type Link struct {
	SourceID string `json:"source_id" yaml:"source_id"`
	TargetID string `json:"target_id" yaml:"target_id"`
	Relation string `json:"relation" yaml:"relation"`
	Verdict  string `json:"verdict" yaml:"verdict"`
}

// Orphan is a child entity whose parent is missing or removed.
type Orphan struct {
	ID       string `json:"id" yaml:"id"`
	Kind     string `json:"kind" yaml:"kind"`
	ParentID string `json:"parent_id" yaml:"parent_id"`
}

// ReviewItem is a sync record parked for manual review.
type ReviewItem struct {
	TrackerRef int64  `json:"tracker_ref" yaml:"tracker_ref"`
	EntityID   string `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	LastError  string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Retries    int    `json:"retries" yaml:"retries"`
}

// Report is the outcome of one health run.
type Report struct {
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`
	Entities    int       `json:"entities" yaml:"entities"`

	LinksChecked int `json:"links_checked" yaml:"links_checked"`
	Valid        int `json:"valid" yaml:"valid"`
	Broken       int `json:"broken" yaml:"broken"`
	Unknown      int `json:"unknown" yaml:"unknown"`

	// Score is 100 * valid / (valid + broken). Unknown links do not
	// participate. A store with no checkable links scores 100.
	Score float64 `json:"score" yaml:"score"`

	BrokenLinks  []Link       `json:"broken_links,omitempty" yaml:"broken_links,omitempty"`
	Orphans      []Orphan     `json:"orphans,omitempty" yaml:"orphans,omitempty"`
	ManualReview []ReviewItem `json:"manual_review,omitempty" yaml:"manual_review,omitempty"`
}

// Checker runs link validation over the store.
type Checker struct {
	store    *store.Store
	registry *linkplug.Registry
	logger   *log.Logger
}

// NewChecker creates a checker over the store and plugin registry.
func NewChecker(st *store.Store, registry *linkplug.Registry, logger *log.Logger) *Checker {
	if logger == nil {
		logger = log.New(log.Writer(), "[health] ", log.LstdFlags)
	}
	return &Checker{store: st, registry: registry, logger: logger}
}

// Run checks every outgoing link of every active entity and builds the
// report. The store is never written.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	entities, err := c.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	report := &Report{
		GeneratedAt: time.Now().UTC(),
		Entities:    len(entities),
	}

	for _, e := range entities {
		for _, link := range outgoingLinks(e) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			c.checkLink(ctx, link, report)
		}
		if orphan := c.orphanOf(ctx, e); orphan != nil {
			report.Orphans = append(report.Orphans, *orphan)
		}
	}

	report.Score = score(report.Valid, report.Broken)

	if err := c.collectManualReview(ctx, report); err != nil {
		return nil, err
	}

	c.logger.Printf("checked %d links across %d entities: %d valid, %d broken, %d unknown, score %.1f",
		report.LinksChecked, report.Entities, report.Valid, report.Broken, report.Unknown, report.Score)
	return report, nil
}

func (c *Checker) checkLink(ctx context.Context, link Link, report *Report) {
	report.LinksChecked++

	prefix, number, err := schema.ParseExternalID(link.TargetID)
	if err != nil {
		link.Verdict = string(linkplug.VerdictBroken)
		report.Broken++
		report.BrokenLinks = append(report.BrokenLinks, link)
		return
	}

	verdict := c.registry.Check(ctx, linkplug.Ref{
		Prefix: prefix,
		Number: number,
		ID:     link.TargetID,
	})
	link.Verdict = string(verdict)

	switch verdict {
	case linkplug.VerdictValid:
		report.Valid++
	case linkplug.VerdictBroken:
		report.Broken++
		report.BrokenLinks = append(report.BrokenLinks, link)
	default:
		report.Unknown++
	}
}

// orphanOf reports a child whose parent entity is gone. Orphanhood is a
// store-level property, separate from link verdicts: a parent link can
// be broken for plugin reasons while the entity row still exists.
func (c *Checker) orphanOf(ctx context.Context, e *schema.Entity) *Orphan {
	if e.ParentID == "" {
		return nil
	}
	exists, err := c.store.EntityExists(ctx, e.ParentID)
	if err != nil {
		c.logger.Printf("failed to check parent of %s: %v", e.ExternalID, err)
		return nil
	}
	if exists {
		return nil
	}
	return &Orphan{ID: e.ExternalID, Kind: string(e.Kind), ParentID: e.ParentID}
}

func (c *Checker) collectManualReview(ctx context.Context, report *Report) error {
	recs, err := c.store.ListSyncRecordsByStatus(ctx, schema.SyncManualReview)
	if err != nil {
		return fmt.Errorf("failed to list manual-review records: %w", err)
	}
	for _, rec := range recs {
		report.ManualReview = append(report.ManualReview, ReviewItem{
			TrackerRef: rec.TrackerRef,
			EntityID:   rec.EntityExternalID,
			LastError:  rec.LastError,
			Retries:    rec.RetryCount,
		})
	}
	return nil
}

// outgoingLinks enumerates the references an entity carries: the parent
// link for stories and defects, the target links for tests.
func outgoingLinks(e *schema.Entity) []Link {
	var links []Link
	if e.ParentID != "" {
		links = append(links, Link{
			SourceID: e.ExternalID,
			TargetID: e.ParentID,
			Relation: "parent",
		})
	}
	for _, target := range e.TestTargets {
		links = append(links, Link{
			SourceID: e.ExternalID,
			TargetID: target,
			Relation: "verifies",
		})
	}
	return links
}

func score(valid, broken int) float64 {
	checked := valid + broken
	if checked == 0 {
		return 100
	}
	return 100 * float64(valid) / float64(checked)
}
