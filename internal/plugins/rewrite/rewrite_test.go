package rewrite

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/ferro-labs/devproxy/internal/watch"
	"github.com/ferro-labs/devproxy/plugin"
)

const rulesFile = `{
  "rewrites": [
    {"url": "https://api.example.com/*", "path": "environment", "value": "\"sandbox\""},
    {"url": "https://api.example.com/*", "path": "secrets.apiKey", "value": "\"redacted\"", "ifExists": true}
  ]
}`

func loadedPlugin(t *testing.T) *Plugin {
	t.Helper()
	p := &Plugin{}
	if err := p.OnData([]byte(rulesFile)); err != nil {
		t.Fatal(err)
	}
	return p
}

func responseExchange(t *testing.T, rawURL, body string) *plugin.Context {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := watch.NewMatcher([]watch.Pattern{{URL: `https://api\.example\.com/.*`}})
	if err != nil {
		t.Fatal(err)
	}
	pctx := plugin.NewContext(req, plugin.NewGlobalStore(), m, nil)
	pctx.Stage = plugin.StageAfterResponse
	pctx.Response = &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	return pctx
}

func TestRewritePatchesBody(t *testing.T) {
	p := loadedPlugin(t)
	pctx := responseExchange(t, "https://api.example.com/v1/info",
		`{"environment":"production","secrets":{"apiKey":"s3cr3t"}}`)

	if err := p.Execute(context.Background(), pctx); err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(pctx.Response.Body)
	if got := gjson.GetBytes(body, "environment").String(); got != "sandbox" {
		t.Errorf("environment = %q, want sandbox", got)
	}
	if got := gjson.GetBytes(body, "secrets.apiKey").String(); got != "redacted" {
		t.Errorf("apiKey = %q, want redacted", got)
	}
	if pctx.State.Claimed() {
		t.Error("rewriting must not claim the exchange")
	}
}

func TestIfExistsSkipsAbsentPath(t *testing.T) {
	p := loadedPlugin(t)
	pctx := responseExchange(t, "https://api.example.com/v1/info", `{"environment":"production"}`)

	if err := p.Execute(context.Background(), pctx); err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(pctx.Response.Body)
	if gjson.GetBytes(body, "secrets").Exists() {
		t.Error("ifExists rule must not create the path")
	}
}

func TestNonJSONBodyLeftAlone(t *testing.T) {
	p := loadedPlugin(t)
	pctx := responseExchange(t, "https://api.example.com/v1/info", "plain text")

	if err := p.Execute(context.Background(), pctx); err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(pctx.Response.Body)
	if string(body) != "plain text" {
		t.Errorf("non-JSON body modified: %q", body)
	}
}

func TestUnmatchedURLLeftAlone(t *testing.T) {
	p := &Plugin{}
	if err := p.OnData([]byte(`{"rewrites":[{"url":"https://elsewhere.example.com/*","path":"a","value":"1"}]}`)); err != nil {
		t.Fatal(err)
	}
	pctx := responseExchange(t, "https://api.example.com/v1/info", `{"a":0}`)
	if err := p.Execute(context.Background(), pctx); err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(pctx.Response.Body)
	if got := gjson.GetBytes(body, "a").Int(); got != 0 {
		t.Errorf("a = %d, want untouched 0", got)
	}
}

func TestOnDataRejectsRuleWithoutPath(t *testing.T) {
	p := &Plugin{}
	if err := p.OnData([]byte(`{"rewrites":[{"url":"https://x/*","value":"1"}]}`)); err == nil {
		t.Error("expected error for rule without path")
	}
}
