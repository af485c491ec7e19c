// Package rewrite provides a plugin that patches JSON response bodies of
// in-scope exchanges according to a hot-reloaded rule file. Typical use is
// masking fields or pinning values while developing against a live API.
package rewrite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ferro-labs/devproxy/plugin"
)

func init() {
	plugin.RegisterFactory("body-rewrite", func() plugin.Plugin {
		return &Plugin{}
	})
}

// Rule patches one JSON path in response bodies of URLs matching the
// pattern. Value is raw JSON. When IfExists is set, the patch only applies
// to documents that already contain the path.
type Rule struct {
	URL      string          `json:"url"`
	Path     string          `json:"path"`
	Value    json.RawMessage `json:"value"`
	IfExists bool            `json:"ifExists,omitempty"`
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// Plugin applies body rewrite rules at the after_response stage.
type Plugin struct {
	mu    sync.RWMutex
	rules []compiledRule
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string { return "body-rewrite" }

// Init accepts no settings; all behavior comes from the data file.
func (p *Plugin) Init(_ map[string]interface{}) error { return nil }

// OnData deserializes a freshly reloaded rule file.
func (p *Plugin) OnData(data []byte) error {
	var doc struct {
		Rewrites []Rule `json:"rewrites"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("body-rewrite: parsing data file: %w", err)
	}

	compiled := make([]compiledRule, 0, len(doc.Rewrites))
	for _, r := range doc.Rewrites {
		if r.Path == "" {
			return fmt.Errorf("body-rewrite: rule for %q has no path", r.URL)
		}
		escaped := regexp.QuoteMeta(r.URL)
		escaped = strings.ReplaceAll(escaped, `\*`, ".*")
		re, err := regexp.Compile("(?i)^" + escaped + "$")
		if err != nil {
			return fmt.Errorf("body-rewrite: bad url pattern %q: %w", r.URL, err)
		}
		compiled = append(compiled, compiledRule{rule: r, re: re})
	}

	p.mu.Lock()
	p.rules = compiled
	p.mu.Unlock()
	return nil
}

// Execute patches the response body when rules match. The exchange is left
// unclaimed: rewriting decorates the real response rather than replacing it.
func (p *Plugin) Execute(_ context.Context, pctx *plugin.Context) error {
	if pctx.Stage != plugin.StageAfterResponse || !pctx.ShouldExecute() {
		return nil
	}
	if pctx.Response == nil || pctx.Response.Body == nil {
		return nil
	}

	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()

	rawURL := pctx.Request.URL.String()
	var matched []compiledRule
	for _, r := range rules {
		if r.re.MatchString(rawURL) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	body, err := io.ReadAll(pctx.Response.Body)
	_ = pctx.Response.Body.Close()
	if err != nil {
		return fmt.Errorf("body-rewrite: reading response body: %w", err)
	}
	// Always restore a readable body, patched or not.
	defer func() {
		pctx.Response.Body = io.NopCloser(bytes.NewReader(body))
		pctx.Response.ContentLength = int64(len(body))
	}()

	if !json.Valid(body) {
		return nil
	}

	patched := 0
	for _, r := range matched {
		if r.rule.IfExists && !gjson.GetBytes(body, r.rule.Path).Exists() {
			continue
		}
		next, err := sjson.SetRawBytes(body, r.rule.Path, r.rule.Value)
		if err != nil {
			return fmt.Errorf("body-rewrite: patching %q: %w", r.rule.Path, err)
		}
		body = next
		patched++
	}

	if patched > 0 {
		pctx.Response.Header.Del("Content-Length")
		pctx.Log(plugin.LogEntry{
			Message:    fmt.Sprintf("rewrote %d field(s) in response body", patched),
			Category:   plugin.CategoryProcessed,
			PluginName: p.Name(),
		})
	}
	return nil
}
