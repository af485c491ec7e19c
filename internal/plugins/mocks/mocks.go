// Package mocks provides a plugin that answers in-scope requests from a
// hot-reloaded file of mock definitions instead of the real network.
//
// A mock matches on URL (with * wildcards) and optionally method; the first
// matching mock claims the exchange and synthesizes its response. The data
// file is the canonical example of the loader contract: edits take effect
// without a proxy restart, and a broken file leaves the previous mocks live.
package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/ferro-labs/devproxy/plugin"
)

func init() {
	plugin.RegisterFactory("mocks", func() plugin.Plugin {
		return &Plugin{}
	})
}

// Definition is one mock entry in the data file.
type Definition struct {
	Request struct {
		URL    string `json:"url"`
		Method string `json:"method,omitempty"`
	} `json:"request"`
	Response struct {
		StatusCode int `json:"statusCode,omitempty"`
		Headers    []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers,omitempty"`
		Body json.RawMessage `json:"body,omitempty"`
	} `json:"response"`
}

type compiledMock struct {
	def Definition
	re  *regexp.Regexp
}

// Plugin serves mock responses for matching in-scope requests.
type Plugin struct {
	mu    sync.RWMutex
	mocks []compiledMock
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string { return "mocks" }

// Init accepts no settings; all behavior comes from the data file.
func (p *Plugin) Init(_ map[string]interface{}) error { return nil }

// OnData deserializes a freshly reloaded data file. The new mock set only
// replaces the old one if every entry compiles.
func (p *Plugin) OnData(data []byte) error {
	if !gjson.GetBytes(data, "mocks").Exists() {
		return fmt.Errorf("mocks: data file has no \"mocks\" array")
	}

	var doc struct {
		Mocks []Definition `json:"mocks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("mocks: parsing data file: %w", err)
	}

	compiled := make([]compiledMock, 0, len(doc.Mocks))
	for _, def := range doc.Mocks {
		re, err := compileWildcard(def.Request.URL)
		if err != nil {
			return fmt.Errorf("mocks: bad url pattern %q: %w", def.Request.URL, err)
		}
		compiled = append(compiled, compiledMock{def: def, re: re})
	}

	p.mu.Lock()
	p.mocks = compiled
	p.mu.Unlock()
	return nil
}

// Execute claims the exchange with a synthesized response when a mock
// matches. First match wins, in data file order.
func (p *Plugin) Execute(_ context.Context, pctx *plugin.Context) error {
	if pctx.Stage != plugin.StageBeforeRequest || !pctx.ShouldExecute() {
		return nil
	}

	p.mu.RLock()
	mocks := p.mocks
	p.mu.RUnlock()

	rawURL := pctx.Request.URL.String()
	for _, m := range mocks {
		if m.def.Request.Method != "" && !strings.EqualFold(m.def.Request.Method, pctx.Request.Method) {
			continue
		}
		if !m.re.MatchString(rawURL) {
			continue
		}
		p.respond(pctx, m.def)
		return nil
	}
	return nil
}

func (p *Plugin) respond(pctx *plugin.Context, def Definition) {
	status := def.Response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	header := http.Header{}
	for _, h := range def.Response.Headers {
		header.Add(h.Name, h.Value)
	}
	body := []byte(def.Response.Body)
	if len(body) > 0 && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}

	pctx.Response = &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(string(body))),
		ContentLength: int64(len(body)),
		Request:       pctx.Request,
	}
	pctx.State.Claim(p.Name())
	pctx.Log(plugin.LogEntry{
		Message:    fmt.Sprintf("mocked %d response", status),
		Category:   plugin.CategoryMocked,
		PluginName: p.Name(),
	})
}

// compileWildcard turns a URL pattern with * wildcards into a regexp
// matching the whole URL, case-insensitively.
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	return regexp.Compile("(?i)^" + escaped + "$")
}
