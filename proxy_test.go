package devproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ferro-labs/devproxy/internal/recording"
	"github.com/ferro-labs/devproxy/internal/watch"
	"github.com/ferro-labs/devproxy/plugin"
)

// claimPlugin claims every in-scope exchange with a canned response.
type claimPlugin struct {
	name   string
	status int
}

func (p *claimPlugin) Name() string                        { return p.name }
func (p *claimPlugin) Init(_ map[string]interface{}) error { return nil }
func (p *claimPlugin) Execute(_ context.Context, pctx *plugin.Context) error {
	if !pctx.ShouldExecute() {
		return nil
	}
	pctx.Response = &http.Response{
		StatusCode: p.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("mocked")),
		Request:    pctx.Request,
	}
	pctx.State.Claim(p.name)
	pctx.Log(plugin.LogEntry{Message: "claimed", Category: plugin.CategoryMocked, PluginName: p.name})
	return nil
}

// observePlugin records every stage it sees and the response status at that
// point.
type observePlugin struct {
	name     string
	stages   []plugin.Stage
	statuses []int
}

func (p *observePlugin) Name() string                        { return p.name }
func (p *observePlugin) Init(_ map[string]interface{}) error { return nil }
func (p *observePlugin) Execute(_ context.Context, pctx *plugin.Context) error {
	p.stages = append(p.stages, pctx.Stage)
	status := 0
	if pctx.Response != nil {
		status = pctx.Response.StatusCode
	}
	p.statuses = append(p.statuses, status)
	return nil
}

type stubForwarder struct {
	calls int
	resp  *http.Response
	err   error
}

func (f *stubForwarder) Forward(_ context.Context, req *http.Request) (*http.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		f.resp.Request = req
		return f.resp, nil
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("upstream")),
		Request:    req,
	}, nil
}

func testProxy(t *testing.T) *Proxy {
	t.Helper()
	p, err := New(Config{
		URLsToWatch: []watch.Pattern{{URL: `https://api\.example\.com/.*`}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestInterceptClaimSkipsForwardHop(t *testing.T) {
	p := testProxy(t)
	fwd := &stubForwarder{}
	p.SetForwarder(fwd)

	claimer := &claimPlugin{name: "mocks", status: http.StatusTeapot}
	after := &observePlugin{name: "after"}
	if err := p.RegisterPlugin(plugin.StageBeforeRequest, claimer); err != nil {
		t.Fatal(err)
	}
	if err := p.RegisterPlugin(plugin.StageAfterResponse, after); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/users", nil)
	resp, err := p.Intercept(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if fwd.calls != 0 {
		t.Errorf("claimed exchange must skip the forward hop, got %d calls", fwd.calls)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusTeapot)
	}
	// After-stage plugins still run, against the synthesized response.
	if len(after.stages) != 1 || after.stages[0] != plugin.StageAfterResponse {
		t.Fatalf("after-response stage not dispatched: %v", after.stages)
	}
	if after.statuses[0] != http.StatusTeapot {
		t.Errorf("after-stage saw status %d, want synthesized %d", after.statuses[0], http.StatusTeapot)
	}
}

func TestInterceptUnclaimedForwards(t *testing.T) {
	p := testProxy(t)
	fwd := &stubForwarder{}
	p.SetForwarder(fwd)

	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/users", nil)
	resp, err := p.Intercept(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if fwd.calls != 1 {
		t.Errorf("got %d forward calls, want 1", fwd.calls)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want 200", resp.StatusCode)
	}
}

func TestInterceptForwardErrorRunsOnErrorStage(t *testing.T) {
	p := testProxy(t)
	p.SetForwarder(&stubForwarder{err: errors.New("connection refused")})

	onErr := &observePlugin{name: "errwatch"}
	if err := p.RegisterPlugin(plugin.StageOnError, onErr); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/users", nil)
	if _, err := p.Intercept(context.Background(), req); err == nil {
		t.Fatal("expected forward error to surface")
	}
	if len(onErr.stages) != 1 || onErr.stages[0] != plugin.StageOnError {
		t.Errorf("on-error stage not dispatched: %v", onErr.stages)
	}
}

func TestMockRequest(t *testing.T) {
	p := testProxy(t)
	fwd := &stubForwarder{}
	p.SetForwarder(fwd)

	if _, err := p.MockRequest(context.Background(), http.MethodGet, "https://api.example.com/users"); err == nil {
		t.Error("unclaimed mock request must error, not hit the network")
	}
	if fwd.calls != 0 {
		t.Errorf("mock request must never forward, got %d calls", fwd.calls)
	}

	if err := p.RegisterPlugin(plugin.StageBeforeRequest, &claimPlugin{name: "mocks", status: 200}); err != nil {
		t.Fatal(err)
	}
	resp, err := p.MockRequest(context.Background(), http.MethodGet, "https://api.example.com/users")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("got status %d, want 200", resp.StatusCode)
	}
}

type captureReporter struct {
	batches [][]plugin.LogEntry
}

func (r *captureReporter) Name() string { return "capture" }
func (r *captureReporter) Report(_ context.Context, entries []plugin.LogEntry) error {
	r.batches = append(r.batches, entries)
	return nil
}

var _ recording.Reporter = (*captureReporter)(nil)

func TestRecordingCollectsPluginLogs(t *testing.T) {
	p := testProxy(t)
	p.SetForwarder(&stubForwarder{})
	rep := &captureReporter{}
	p.AddReporter(rep)

	if err := p.RegisterPlugin(plugin.StageBeforeRequest, &claimPlugin{name: "mocks", status: 200}); err != nil {
		t.Fatal(err)
	}

	// Outside a session the entry is dropped.
	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/a", nil)
	if _, err := p.Intercept(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	p.StartRecording()
	if !p.Recording() {
		t.Fatal("expected recording session open")
	}
	req = httptest.NewRequest(http.MethodGet, "https://api.example.com/b", nil)
	if _, err := p.Intercept(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if err := p.StopRecording(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(rep.batches) != 1 {
		t.Fatalf("got %d flushed batches, want 1", len(rep.batches))
	}
	if len(rep.batches[0]) != 1 {
		t.Fatalf("got %d entries, want 1", len(rep.batches[0]))
	}
	e := rep.batches[0][0]
	if e.URL != "https://api.example.com/b" || e.Category != plugin.CategoryMocked {
		t.Errorf("unexpected entry %+v", e)
	}
}

// stdioEchoPlugin claims to_child messages with an uppercase reply.
type stdioEchoPlugin struct{ name string }

func (p *stdioEchoPlugin) Name() string                        { return p.name }
func (p *stdioEchoPlugin) Init(_ map[string]interface{}) error { return nil }
func (p *stdioEchoPlugin) Execute(_ context.Context, _ *plugin.Context) error {
	return nil
}
func (p *stdioEchoPlugin) ExecuteStdio(_ context.Context, sctx *plugin.StdioContext) error {
	if !sctx.ShouldExecute() || sctx.Direction != plugin.DirectionToChild {
		return nil
	}
	sctx.Reply = []byte(strings.ToUpper(string(sctx.Message)))
	sctx.State.Claim(p.name)
	return nil
}

func TestStdioPipeline(t *testing.T) {
	p := testProxy(t)
	if err := p.RegisterPlugin(plugin.StageBeforeStdio, &stdioEchoPlugin{name: "echo"}); err != nil {
		t.Fatal(err)
	}

	sess := plugin.Session{Command: "node", Args: []string{"server.js"}, PID: 4242}
	sctx := p.ProcessStdioMessage(context.Background(), []byte("hello"), plugin.DirectionToChild, sess)
	if !sctx.State.Claimed() {
		t.Fatal("expected exchange claimed")
	}
	if string(sctx.Reply) != "HELLO" {
		t.Errorf("got reply %q, want %q", sctx.Reply, "HELLO")
	}
	p.ProcessStdioResult(context.Background(), sctx)

	// Messages on other directions pass through unclaimed.
	sctx = p.ProcessStdioMessage(context.Background(), []byte("log line"), plugin.DirectionFromStderr, sess)
	if sctx.State.Claimed() {
		t.Error("stderr message must not be claimed by the to_child plugin")
	}
}

func TestLoadPluginsFromConfig(t *testing.T) {
	name := fmt.Sprintf("test-plugin-%s", t.Name())
	plugin.RegisterFactory(name, func() plugin.Plugin {
		return &observePlugin{name: name}
	})

	p, err := New(Config{
		URLsToWatch: []watch.Pattern{{URL: ".*"}},
		Plugins: []PluginConfig{
			{Name: name, Enabled: true, Stages: []string{"before_request", "after_response"}},
			{Name: "disabled-one", Enabled: false, Stages: []string{"before_request"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.LoadPlugins(); err != nil {
		t.Fatal(err)
	}

	p2, err := New(Config{
		URLsToWatch: []watch.Pattern{{URL: ".*"}},
		Plugins:     []PluginConfig{{Name: "no-such-plugin", Enabled: true, Stages: []string{"before_request"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p2.LoadPlugins(); err == nil {
		t.Error("unknown plugin must fail LoadPlugins")
	}
}

func TestLoadPluginsRejectsDataFileOnNonConsumer(t *testing.T) {
	name := fmt.Sprintf("plain-plugin-%s", t.Name())
	plugin.RegisterFactory(name, func() plugin.Plugin {
		return &observePlugin{name: name}
	})

	p, err := New(Config{
		URLsToWatch: []watch.Pattern{{URL: ".*"}},
		Plugins: []PluginConfig{
			{Name: name, Enabled: true, Stages: []string{"before_request"}, DataFile: "data.json"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.LoadPlugins(); err == nil {
		t.Error("data file on a plugin without OnData must fail LoadPlugins")
	}
}

func TestIssueTokenWithoutIssuer(t *testing.T) {
	p := testProxy(t)
	if _, err := p.IssueToken(nil, 0); err == nil {
		t.Error("expected error with no issuer configured")
	}
	if _, err := p.RootCertPEM(); err == nil {
		t.Error("expected error with no cert provider configured")
	}
}

func TestNewRejectsInvalidWatchPattern(t *testing.T) {
	_, err := New(Config{URLsToWatch: []watch.Pattern{{URL: "("}}})
	if err == nil {
		t.Error("invalid watch pattern must fail New")
	}
}
