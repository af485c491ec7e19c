package watch

import "testing"

func TestIsInScope(t *testing.T) {
	m, err := NewMatcher([]Pattern{
		{URL: `https://api\.example\.com/.*`},
		{URL: `https://api\.example\.com/internal/.*`, Exclude: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	if !m.IsInScope("https://api.example.com/v1/users") {
		t.Error("expected included URL to be in scope")
	}
	if m.IsInScope("https://other.example.com/v1/users") {
		t.Error("expected unmatched URL to be out of scope")
	}
}

func TestExcludeWinsOverInclude(t *testing.T) {
	// Exclusion beats inclusion regardless of declaration order.
	m, err := NewMatcher([]Pattern{
		{URL: `https://api\.example\.com/internal/.*`, Exclude: true},
		{URL: `https://api\.example\.com/.*`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.IsInScope("https://api.example.com/internal/secrets") {
		t.Error("excluded URL must never be in scope")
	}
}

func TestCaseInsensitiveMatch(t *testing.T) {
	m, err := NewMatcher([]Pattern{{URL: `https://API\.Example\.com/.*`}})
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsInScope("https://api.example.com/x") {
		t.Error("matching should be case-insensitive")
	}
}

func TestEmptyWatchSetFailsClosed(t *testing.T) {
	m, err := NewMatcher(nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.IsInScope("https://api.example.com/") {
		t.Error("empty watch set must put nothing in scope")
	}
	if !m.Empty() {
		t.Error("expected Empty()=true")
	}
}

func TestNilMatcherOutOfScope(t *testing.T) {
	var m *Matcher
	if m.IsInScope("https://api.example.com/") {
		t.Error("nil matcher must fail closed")
	}
}

func TestInvalidPatternRejected(t *testing.T) {
	if _, err := NewMatcher([]Pattern{{URL: `https://(`}}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestExcludeOnlySetMatchesNothing(t *testing.T) {
	m, err := NewMatcher([]Pattern{{URL: `.*`, Exclude: true}})
	if err != nil {
		t.Fatal(err)
	}
	if m.IsInScope("https://api.example.com/") {
		t.Error("a set with only exclusions puts nothing in scope")
	}
}
