// Package refs extracts typed entity references from free-form text.
//
// A reference is any well-formed external ID (EP-00001, US-00042, ...)
// appearing in issue bodies, traceability matrix documents or commit
// messages. The parser is purely lexical: it tolerates arbitrary
// surrounding markup (nested links, code fences, broken tables) because
// unmatched text is simply not extracted.
package refs

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tracegraph/tracegraph/internal/schema"
)

// Ref is one extracted entity reference.
type Ref struct {
	// Prefix is the entity namespace, uppercase (EP, US, DEF, TST or a
	// configured extension).
	Prefix string

	// Number is the numeric part of the ID.
	Number int

	// Raw is the exact text span that matched, e.g. "EP-00005".
	Raw string
}

// ID returns the canonical external ID for the reference.
func (r Ref) ID() string {
	return schema.FormatExternalID(r.Prefix, r.Number)
}

// Parser recognizes a fixed prefix set. Construct once at startup; the
// zero value is not usable.
type Parser struct {
	pattern  *regexp.Regexp
	prefixes []string
}

// DefaultPrefixes is the built-in prefix set.
var DefaultPrefixes = []string{
	schema.PrefixEpic,
	schema.PrefixStory,
	schema.PrefixDefect,
	schema.PrefixTest,
}

// New creates a parser recognizing the built-in prefixes plus any extras
// supplied by configuration. Prefixes are matched case-sensitively
// (external IDs are uppercase by contract) and longest-first so that an
// extension like "EPX" is never shadowed by "EP".
func New(extraPrefixes ...string) (*Parser, error) {
	seen := make(map[string]bool)
	var prefixes []string
	for _, p := range append(append([]string{}, DefaultPrefixes...), extraPrefixes...) {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !prefixPattern.MatchString(p) {
			return nil, fmt.Errorf("invalid prefix %q: must be 2-8 uppercase alphanumerics starting with a letter", p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		prefixes = append(prefixes, p)
	}

	sorted := append([]string{}, prefixes...)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	for i, p := range sorted {
		sorted[i] = regexp.QuoteMeta(p)
	}

	// \b guards keep EP-00001 from matching inside DEEP-00001 or
	// EP-000012; the digit core is exactly five wide.
	expr := fmt.Sprintf(`\b(%s)-(\d{5})\b`, strings.Join(sorted, "|"))
	pattern, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile reference pattern: %w", err)
	}

	return &Parser{pattern: pattern, prefixes: prefixes}, nil
}

// Prefixes returns the prefix set the parser recognizes, in registration
// order.
func (p *Parser) Prefixes() []string {
	return append([]string{}, p.prefixes...)
}

// Parse extracts every recognized entity reference from text, in first
// occurrence order, deduplicated by canonical ID. It never fails:
// malformed surrounding markup yields fewer matches, not errors.
func (p *Parser) Parse(text string) []Ref {
	matches := p.pattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	out := make([]Ref, 0, len(matches))
	for _, m := range matches {
		number, err := strconv.Atoi(m[2])
		if err != nil {
			continue // unreachable given the pattern, but cheap to guard
		}
		ref := Ref{Prefix: m[1], Number: number, Raw: m[0]}
		id := ref.ID()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, ref)
	}
	return out
}

// ParseIDs is a convenience wrapper returning canonical IDs only.
func (p *Parser) ParseIDs(text string) []string {
	refs := p.Parse(text)
	if len(refs) == 0 {
		return nil
	}
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID()
	}
	return ids
}

var prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,7}$`)
