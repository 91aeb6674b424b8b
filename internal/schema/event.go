package schema

import (
	"fmt"
	"time"
)

// EventType classifies an inbound tracker event.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventClosed  EventType = "closed"
	EventLabeled EventType = "labeled"
)

// EventPayload carries the tracker-authoritative fields of an event.
// Body is free-form issue text; entity references embedded in it are
// extracted by the reference parser during the apply step.
type EventPayload struct {
	Title       string   `json:"title"`
	State       string   `json:"state,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Body        string   `json:"body,omitempty"`
	StoryPoints int      `json:"story_points,omitempty"`

	// ExternalID is the entity ID embedded in the tracker item
	// (conventionally the first token of the title, e.g. "US-00042: ...").
	// When empty the engine derives it from the title.
	ExternalID string `json:"external_id,omitempty"`
}

// Event is one webhook-style notification from the tracker.
type Event struct {
	TrackerRef int64        `json:"tracker_ref"`
	UpdatedAt  time.Time    `json:"updated_at"`
	Type       EventType    `json:"event_type"`
	Payload    EventPayload `json:"payload"`
}

// Validate checks the event's field values.
func (ev *Event) Validate() error {
	if ev.TrackerRef <= 0 {
		return fmt.Errorf("tracker_ref must be positive (got %d)", ev.TrackerRef)
	}
	if ev.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	switch ev.Type {
	case EventCreated, EventUpdated, EventClosed, EventLabeled:
	default:
		return fmt.Errorf("unknown event_type %q", ev.Type)
	}
	if ev.Payload.Title == "" {
		return fmt.Errorf("payload.title is required")
	}
	return nil
}
