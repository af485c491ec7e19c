// Package watch decides whether a URL is in scope for plugin processing.
// A Matcher is built once from the proxy configuration and shared read-only
// by every plugin; matching is a pure function with no side effects.
package watch

import (
	"fmt"
	"regexp"
)

// Pattern is a single watched-URL rule: a regular expression evaluated
// against the full absolute URL, optionally flagged as an exclusion.
type Pattern struct {
	URL     string `json:"url" yaml:"url"`
	Exclude bool   `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// Matcher evaluates a fixed set of include/exclude patterns.
// Exclusions always win over inclusions, regardless of declaration order.
type Matcher struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// NewMatcher compiles the given patterns case-insensitively. An invalid
// pattern fails construction so that per-request matching is infallible.
func NewMatcher(patterns []Pattern) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p.URL)
		if err != nil {
			return nil, fmt.Errorf("compiling watched URL %q: %w", p.URL, err)
		}
		if p.Exclude {
			m.exclude = append(m.exclude, re)
		} else {
			m.include = append(m.include, re)
		}
	}
	return m, nil
}

// IsInScope reports whether rawURL matches at least one including pattern
// and no excluding pattern. An empty watch set puts nothing in scope.
func (m *Matcher) IsInScope(rawURL string) bool {
	if m == nil {
		return false
	}
	for _, re := range m.exclude {
		if re.MatchString(rawURL) {
			return false
		}
	}
	for _, re := range m.include {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// Empty reports whether the matcher holds no patterns at all.
func (m *Matcher) Empty() bool {
	return m == nil || (len(m.include) == 0 && len(m.exclude) == 0)
}
