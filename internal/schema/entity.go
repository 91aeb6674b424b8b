package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the type of a tracked entity.
type Kind string

const (
	KindEpic   Kind = "epic"
	KindStory  Kind = "story"
	KindDefect Kind = "defect"
	KindTest   Kind = "test"
)

// Entity states with special meaning to the engine. Any other state value
// is an opaque lifecycle label owned by the tracker.
const (
	StateOpen    = "open"
	StateClosed  = "closed"
	StateRemoved = "removed" // tracker item deleted; kept for audit, excluded from health
)

// Built-in external-ID prefixes. Additional prefixes can be registered
// through configuration without touching this package.
const (
	PrefixEpic   = "EP"
	PrefixStory  = "US"
	PrefixDefect = "DEF"
	PrefixTest   = "TST"
)

var kindByPrefix = map[string]Kind{
	PrefixEpic:   KindEpic,
	PrefixStory:  KindStory,
	PrefixDefect: KindDefect,
	PrefixTest:   KindTest,
}

// externalIDPattern matches a well-formed external ID: prefix, dash,
// exactly five digits.
var externalIDPattern = regexp.MustCompile(`^([A-Z][A-Z0-9]{1,7})-(\d{5})$`)

// Entity is the shared shape of epics, stories, defects and tests.
//
// Tracker-authoritative fields: Title, State, Labels, ParentID, UpdatedAt.
// Store-authoritative (derived) fields: CompletionPct, PointsCompleted,
// TestTargets linkage health. The sync engine never writes derived fields
// directly; they are recomputed transactionally.
type Entity struct {
	ExternalID string `json:"external_id"`
	Kind       Kind   `json:"kind"`

	// TrackerRef is the tracker item number this entity mirrors.
	// Nil for store-native entities (tests, locally created epics).
	TrackerRef *int64 `json:"tracker_ref,omitempty"`

	Title  string   `json:"title"`
	State  string   `json:"state"`
	Labels []string `json:"labels,omitempty"`

	// ParentID is the external ID of the parent entity: a story's epic,
	// or a defect's story/epic. Empty for epics and tests.
	ParentID string `json:"parent_id,omitempty"`

	// TestTargets lists the external IDs of epics/stories a test
	// exercises. Only populated for Kind == KindTest.
	TestTargets []string `json:"test_targets,omitempty"`

	// StoryPoints is the estimate carried by stories; zero elsewhere.
	StoryPoints int `json:"story_points,omitempty"`

	// Derived epic metrics, recomputed whenever a child story changes
	// state. Never written by sync directly.
	CompletionPct   float64 `json:"completion_pct"`
	PointsCompleted int     `json:"points_completed"`

	// UpdatedAt is the tracker-reported modification time used for
	// conflict resolution. LastSyncedAt is store-local.
	UpdatedAt    time.Time  `json:"updated_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Validate checks that the entity has valid field values.
func (e *Entity) Validate() error {
	if e.ExternalID == "" {
		return fmt.Errorf("external_id is required")
	}
	if _, _, err := ParseExternalID(e.ExternalID); err != nil {
		return fmt.Errorf("invalid external_id: %w", err)
	}
	switch e.Kind {
	case KindEpic, KindStory, KindDefect, KindTest:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(e.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(e.Title))
	}
	if e.State == "" {
		return fmt.Errorf("state is required")
	}
	if e.StoryPoints < 0 {
		return fmt.Errorf("story_points must not be negative (got %d)", e.StoryPoints)
	}
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (e *Entity) SetDefaults() {
	if e.State == "" {
		e.State = StateOpen
	}
	if e.Labels == nil {
		e.Labels = []string{}
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.UpdatedAt
	}
}

// IsRemoved reports whether the entity was deleted on the tracker side.
func (e *Entity) IsRemoved() bool {
	return e.State == StateRemoved
}

// IsDone reports whether the entity counts as completed for metric
// purposes. Removed entities never count.
func (e *Entity) IsDone() bool {
	return e.State == StateClosed
}

// FormatExternalID builds the canonical external ID for a prefix and
// number: FormatExternalID("EP", 5) == "EP-00005".
func FormatExternalID(prefix string, number int) string {
	return fmt.Sprintf("%s-%05d", strings.ToUpper(prefix), number)
}

// ParseExternalID splits an external ID into its prefix and number.
func ParseExternalID(id string) (prefix string, number int, err error) {
	m := externalIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", 0, fmt.Errorf("malformed external id %q", id)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, fmt.Errorf("malformed external id %q: %w", id, err)
	}
	return m[1], n, nil
}

// KindForPrefix maps a built-in prefix to its entity kind.
// Returns false for prefixes registered only through configuration.
func KindForPrefix(prefix string) (Kind, bool) {
	k, ok := kindByPrefix[strings.ToUpper(prefix)]
	return k, ok
}
