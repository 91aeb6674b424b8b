package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tracegraph/tracegraph/internal/schema"
)

// eventSchema validates raw inbound event JSON before it is trusted.
// Webhook bodies and spool files both pass through it; anything that
// fails is logged and dropped, never retried.
const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["tracker_ref", "updated_at", "event_type", "payload"],
	"properties": {
		"tracker_ref": {"type": "integer", "minimum": 1},
		"updated_at": {"type": "string", "format": "date-time"},
		"event_type": {"enum": ["created", "updated", "closed", "labeled"]},
		"payload": {
			"type": "object",
			"required": ["title"],
			"properties": {
				"title": {"type": "string", "minLength": 1, "maxLength": 500},
				"state": {"type": "string"},
				"labels": {"type": "array", "items": {"type": "string"}},
				"body": {"type": "string"},
				"story_points": {"type": "integer", "minimum": 0},
				"external_id": {"type": "string", "pattern": "^[A-Z][A-Z0-9]{1,7}-[0-9]{5}$"}
			}
		}
	}
}`

var (
	compiledEventSchema *jsonschema.Schema
	compileEventOnce    sync.Once
	compileEventErr     error
)

func eventValidator() (*jsonschema.Schema, error) {
	compileEventOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
		if err != nil {
			compileEventErr = fmt.Errorf("failed to parse event schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("event.schema.json", doc); err != nil {
			compileEventErr = fmt.Errorf("failed to register event schema: %w", err)
			return
		}
		compiledEventSchema, compileEventErr = compiler.Compile("event.schema.json")
	})
	return compiledEventSchema, compileEventErr
}

// ParseEvent validates raw event JSON against the event schema and
// decodes it. Returns an error for anything malformed; callers log and
// drop, they never retry.
func ParseEvent(data []byte) (*schema.Event, error) {
	validator, err := eventValidator()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("malformed event JSON: %w", err)
	}
	if err := validator.Validate(inst); err != nil {
		return nil, fmt.Errorf("event failed schema validation: %w", err)
	}

	var ev schema.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return &ev, nil
}
