package linkplug

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// prefixMatcher matches prefixes against a glob-ish pattern: "*" matches
// everything, anything else is a comma-separated list of exact prefixes.
type prefixMatcher struct {
	all      bool
	prefixes map[string]bool
}

func newPrefixMatcher(pattern string) prefixMatcher {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return prefixMatcher{all: true}
	}
	m := prefixMatcher{prefixes: make(map[string]bool)}
	for _, p := range strings.Split(pattern, ",") {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			m.prefixes[p] = true
		}
	}
	return m
}

func (m prefixMatcher) matches(prefix string) bool {
	if m.all {
		return true
	}
	return m.prefixes[strings.ToUpper(prefix)]
}

// TrackerSearchPlugin links a reference to the tracker's search UI and
// validates it against the local entity store. This is the default plugin
// for all entity prefixes.
type TrackerSearchPlugin struct {
	BaseURL string
	match   prefixMatcher
}

// NewTrackerSearchPlugin creates a tracker-search plugin claiming the
// prefixes named by pattern ("*" for all).
func NewTrackerSearchPlugin(baseURL, pattern string) *TrackerSearchPlugin {
	return &TrackerSearchPlugin{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		match:   newPrefixMatcher(pattern),
	}
}

func (p *TrackerSearchPlugin) Name() string { return "tracker-search" }

func (p *TrackerSearchPlugin) CanHandle(prefix string) bool { return p.match.matches(prefix) }

func (p *TrackerSearchPlugin) GenerateLink(_ context.Context, ref Ref, _ *Env) (Locator, error) {
	href := fmt.Sprintf("%s/issues?q=%s", p.BaseURL, url.QueryEscape(ref.ID))
	return Locator{
		RefID: ref.ID,
		Kind:  LinkTrackerSearch,
		Href:  href,
		Label: ref.ID,
	}, nil
}

func (p *TrackerSearchPlugin) Validate(ctx context.Context, ref Ref, env *Env) (bool, error) {
	if env == nil || env.EntityExists == nil {
		return false, fmt.Errorf("tracker-search plugin requires an entity lookup")
	}
	return env.EntityExists(ctx, ref.ID)
}

// FileLinkPlugin maps references to files under a root directory via a
// path template, e.g. "docs/specs/{id}.md". Validation is an existence
// check on the local filesystem.
type FileLinkPlugin struct {
	Root     string
	Template string // must contain "{id}"
	match    prefixMatcher
}

// NewFileLinkPlugin creates a file plugin. Template defaults to "{id}.md"
// at the root.
func NewFileLinkPlugin(root, template, pattern string) *FileLinkPlugin {
	if strings.TrimSpace(template) == "" {
		template = "{id}.md"
	}
	return &FileLinkPlugin{
		Root:     filepath.Clean(root),
		Template: template,
		match:    newPrefixMatcher(pattern),
	}
}

func (p *FileLinkPlugin) Name() string { return "file" }

func (p *FileLinkPlugin) CanHandle(prefix string) bool { return p.match.matches(prefix) }

func (p *FileLinkPlugin) relPath(ref Ref) string {
	return filepath.FromSlash(strings.ReplaceAll(p.Template, "{id}", ref.ID))
}

func (p *FileLinkPlugin) GenerateLink(_ context.Context, ref Ref, _ *Env) (Locator, error) {
	rel := p.relPath(ref)
	return Locator{
		RefID: ref.ID,
		Kind:  LinkFile,
		Href:  filepath.ToSlash(rel),
		Label: filepath.Base(rel),
	}, nil
}

func (p *FileLinkPlugin) Validate(ctx context.Context, ref Ref, _ *Env) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !idSafePattern.MatchString(ref.ID) {
		return false, nil
	}
	_, err := os.Stat(filepath.Join(p.Root, p.relPath(ref)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// DocLinkPlugin links references to an external documentation system and
// validates them with an HTTP HEAD request. Outbound calls go through the
// shared rate budget.
type DocLinkPlugin struct {
	// URLTemplate must contain "{id}", e.g.
	// "https://docs.example.com/trace/{id}".
	URLTemplate string
	Client      *http.Client
	match       prefixMatcher
}

// NewDocLinkPlugin creates a doc plugin. A nil client gets a default with
// a timeout slightly under the registry check timeout.
func NewDocLinkPlugin(urlTemplate, pattern string, client *http.Client) *DocLinkPlugin {
	if client == nil {
		client = &http.Client{Timeout: DefaultCheckTimeout}
	}
	return &DocLinkPlugin{
		URLTemplate: urlTemplate,
		Client:      client,
		match:       newPrefixMatcher(pattern),
	}
}

func (p *DocLinkPlugin) Name() string { return "doc" }

func (p *DocLinkPlugin) CanHandle(prefix string) bool { return p.match.matches(prefix) }

func (p *DocLinkPlugin) href(ref Ref) string {
	return strings.ReplaceAll(p.URLTemplate, "{id}", url.PathEscape(ref.ID))
}

func (p *DocLinkPlugin) GenerateLink(_ context.Context, ref Ref, _ *Env) (Locator, error) {
	return Locator{
		RefID: ref.ID,
		Kind:  LinkDoc,
		Href:  p.href(ref),
		Label: ref.ID,
	}, nil
}

func (p *DocLinkPlugin) Validate(ctx context.Context, ref Ref, env *Env) (bool, error) {
	if err := env.waitOutbound(ctx); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.href(ref), nil)
	if err != nil {
		return false, fmt.Errorf("failed to build doc check request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	default:
		return false, fmt.Errorf("doc check returned status %d", resp.StatusCode)
	}
}

// idSafePattern guards template expansion against IDs that would escape
// the file root. Canonical IDs always satisfy it.
var idSafePattern = regexp.MustCompile(`^[A-Z0-9-]+$`)
