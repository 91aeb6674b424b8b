// Package linkplug provides the pluggable link generation and validation
// registry for entity references.
//
// A plugin turns a typed reference (refs.Ref) into a Locator (a clickable,
// checkable link) and can verify the referenced target still exists.
// Plugins are consulted in registration order, first match wins, so the
// configuration file controls precedence. A reference no plugin claims
// resolves to a "no link" Locator rather than an error.
//
// Plugins may perform filesystem or network calls. Every check is bounded
// by a per-plugin timeout so one slow plugin cannot stall a health pass:
// a timed-out check is classified Unknown, distinct from Broken.
package linkplug

import (
	"context"
	"fmt"
	"time"
)

// LinkKind identifies how a Locator should be interpreted.
type LinkKind string

const (
	LinkTrackerSearch LinkKind = "tracker-search"
	LinkFile          LinkKind = "file"
	LinkDoc           LinkKind = "doc"
	LinkNone          LinkKind = "none"
)

// Locator is a resolved reference: where the referenced artifact lives
// and how to present it.
type Locator struct {
	RefID string   `json:"ref_id"`
	Kind  LinkKind `json:"kind"`
	Href  string   `json:"href,omitempty"`
	Label string   `json:"label,omitempty"`
}

// Verdict classifies the outcome of a reference check.
type Verdict string

const (
	VerdictValid   Verdict = "valid"
	VerdictBroken  Verdict = "broken"
	VerdictUnknown Verdict = "unknown"
)

// Env supplies the process-wide collaborators plugins may need. It is
// shared by every plugin; individual plugin options come from the plugin
// config instead.
type Env struct {
	// EntityExists reports whether an entity with the given external ID
	// exists (and is not removed) in the local store.
	EntityExists func(ctx context.Context, externalID string) (bool, error)

	// WaitOutbound blocks until the shared outbound rate budget permits
	// another external call. Nil means no budget is enforced.
	WaitOutbound func(ctx context.Context) error
}

func (e *Env) waitOutbound(ctx context.Context) error {
	if e == nil || e.WaitOutbound == nil {
		return nil
	}
	return e.WaitOutbound(ctx)
}

// Ref is the subset of a parsed reference plugins operate on. It mirrors
// refs.Ref without importing it, keeping the plugin layer free of parser
// internals.
type Ref struct {
	Prefix string
	Number int
	ID     string
}

// Plugin is the three-method capability interface every link plugin
// implements.
type Plugin interface {
	// Name identifies the plugin in logs and configuration.
	Name() string

	// CanHandle reports whether the plugin claims references with the
	// given prefix.
	CanHandle(prefix string) bool

	// GenerateLink builds a Locator for the reference.
	GenerateLink(ctx context.Context, ref Ref, env *Env) (Locator, error)

	// Validate reports whether the referenced target still exists.
	Validate(ctx context.Context, ref Ref, env *Env) (bool, error)
}

// DefaultCheckTimeout bounds each plugin check unless the registry is
// configured otherwise.
const DefaultCheckTimeout = 5 * time.Second

// Registry holds an ordered plugin list. Load it once at startup and
// treat it as read-only afterwards; Register is not safe for concurrent
// use with Resolve/Check.
type Registry struct {
	plugins      []Plugin
	env          *Env
	checkTimeout time.Duration
}

// NewRegistry creates an empty registry bound to env.
func NewRegistry(env *Env) *Registry {
	return &Registry{
		env:          env,
		checkTimeout: DefaultCheckTimeout,
	}
}

// SetCheckTimeout overrides the per-plugin check timeout.
func (r *Registry) SetCheckTimeout(d time.Duration) {
	if d > 0 {
		r.checkTimeout = d
	}
}

// Register appends a plugin. Registration order is precedence order.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
}

// Plugins returns the registered plugins in precedence order.
func (r *Registry) Plugins() []Plugin {
	return append([]Plugin{}, r.plugins...)
}

// Resolve dispatches to the first plugin whose CanHandle claims the
// reference's prefix. If no plugin matches, a LinkNone Locator is
// returned; that is not an error.
//
// Resolution is a linear scan, not a map lookup, so registration order
// precedence holds even when prefix patterns overlap.
func (r *Registry) Resolve(ctx context.Context, ref Ref) (Locator, error) {
	for _, p := range r.plugins {
		if !p.CanHandle(ref.Prefix) {
			continue
		}
		loc, err := p.GenerateLink(ctx, ref, r.env)
		if err != nil {
			return Locator{}, fmt.Errorf("plugin %s failed to generate link for %s: %w", p.Name(), ref.ID, err)
		}
		return loc, nil
	}
	return Locator{RefID: ref.ID, Kind: LinkNone}, nil
}

// Check validates the reference through the first matching plugin and
// classifies the outcome. Failures are non-fatal: Broken means the plugin
// confirmed the target is absent; Unknown means the check could not be
// completed (timeout, transport error, or no plugin claims the prefix).
func (r *Registry) Check(ctx context.Context, ref Ref) Verdict {
	for _, p := range r.plugins {
		if !p.CanHandle(ref.Prefix) {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, r.checkTimeout)
		ok, err := p.Validate(checkCtx, ref, r.env)
		cancel()

		if err != nil {
			return VerdictUnknown
		}
		if ok {
			return VerdictValid
		}
		return VerdictBroken
	}
	return VerdictUnknown
}
