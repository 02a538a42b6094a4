// Package identity implements the colon-delimited naming key
// project[:stack[:context]] used by services, sessions, changelog and
// salvage. Wildcards are accepted in query patterns only, never in the
// identity under which state is written.
package identity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// MaxSegments is the maximum number of colon-separated segments.
const MaxSegments = 3

var (
	identityRe = regexp.MustCompile(`^[A-Za-z0-9._-]+(:[A-Za-z0-9._-]+){0,2}$`)
	patternRe  = regexp.MustCompile(`^[A-Za-z0-9._*-]+(:[A-Za-z0-9._*-]+){0,2}$`)
)

// Identity is a parsed project[:stack[:context]] triple. Stack and
// Context are empty when the corresponding segment is absent.
type Identity struct {
	Project string
	Stack   string
	Context string
}

// Parse validates and splits an identity string.
func Parse(s string) (Identity, error) {
	if !identityRe.MatchString(s) {
		return Identity{}, fmt.Errorf("invalid identity %q: want project[:stack[:context]] of [A-Za-z0-9._-]", s)
	}
	parts := strings.Split(s, ":")
	id := Identity{Project: parts[0]}
	if len(parts) > 1 {
		id.Stack = parts[1]
	}
	if len(parts) > 2 {
		id.Context = parts[2]
	}
	return id, nil
}

// Valid reports whether s is a well-formed identity (no wildcards).
func Valid(s string) bool {
	return identityRe.MatchString(s)
}

// String reassembles the identity.
func (id Identity) String() string {
	s := id.Project
	if id.Stack != "" {
		s += ":" + id.Stack
	}
	if id.Context != "" {
		s += ":" + id.Context
	}
	return s
}

// Ancestors returns the identity itself plus every prefix, most specific
// first. Changelog rollups use this: an entry for a:b:c is visible to
// queries for a:b and a.
func (id Identity) Ancestors() []string {
	out := []string{id.Project}
	if id.Stack != "" {
		out = append([]string{id.Project + ":" + id.Stack}, out...)
	}
	if id.Context != "" {
		out = append([]string{id.String()}, out...)
	}
	return out
}

// Pattern is a compiled identity query pattern. Segments may contain the
// shell-style wildcard *.
type Pattern struct {
	raw string
	g   glob.Glob
}

// CompilePattern validates and compiles a query pattern. A plain identity
// is a valid pattern that matches only itself.
func CompilePattern(s string) (*Pattern, error) {
	if !patternRe.MatchString(s) {
		return nil, fmt.Errorf("invalid identity pattern %q", s)
	}
	// ':' is the segment separator, so * never crosses segments.
	g, err := glob.Compile(s, ':')
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", s, err)
	}
	return &Pattern{raw: s, g: g}, nil
}

// Match reports whether the given identity matches the pattern.
func (p *Pattern) Match(identity string) bool {
	return p.g.Match(identity)
}

// String returns the original pattern text.
func (p *Pattern) String() string {
	return p.raw
}

// IsPattern reports whether s contains a wildcard.
func IsPattern(s string) bool {
	return strings.Contains(s, "*")
}
