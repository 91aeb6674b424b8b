// Package schema defines the data model for the traceability graph.
//
// The graph tracks four kinds of entities (epics, stories, defects, tests)
// plus the bookkeeping records that tie tracker items to local entities.
//
// Identity:
//   - Every entity has a stable human-facing external ID of the form
//     <PREFIX>-<5 digits>, e.g. EP-00005 or US-00123. The prefix determines
//     the entity kind.
//   - Entities that mirror a tracker item also carry the tracker's item
//     number (tracker_ref). Store-native entities (tests, hand-created
//     epics) have no tracker_ref.
//
// Conflict resolution is last-write-wins keyed on the tracker-reported
// updated_at timestamp, never on local receipt time. The UpdatedAt and
// LastSyncedAt fields exist specifically to make that comparison possible.
package schema
