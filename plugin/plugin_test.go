package plugin

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/ferro-labs/devproxy/internal/watch"
)

type mockPlugin struct {
	name    string
	execFn  func(ctx context.Context, pctx *Context) error
	stdioFn func(ctx context.Context, sctx *StdioContext) error
	initErr error
}

func (m *mockPlugin) Name() string                        { return m.name }
func (m *mockPlugin) Init(_ map[string]interface{}) error { return m.initErr }
func (m *mockPlugin) Execute(ctx context.Context, pctx *Context) error {
	if m.execFn != nil {
		return m.execFn(ctx, pctx)
	}
	return nil
}
func (m *mockPlugin) ExecuteStdio(ctx context.Context, sctx *StdioContext) error {
	if m.stdioFn != nil {
		return m.stdioFn(ctx, sctx)
	}
	return nil
}

func newTestContext(t *testing.T, rawURL string) *Context {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := watch.NewMatcher([]watch.Pattern{{URL: `https://api\.example\.com/.*`}})
	if err != nil {
		t.Fatal(err)
	}
	return NewContext(req, NewGlobalStore(), m, nil)
}

func TestNewContext(t *testing.T) {
	pctx := newTestContext(t, "https://api.example.com/v1/users")
	if pctx.SessionData == nil {
		t.Error("SessionData should be initialized")
	}
	if pctx.State.Claimed() {
		t.Error("new context must start unclaimed")
	}
	if !pctx.ShouldExecute() {
		t.Error("in-scope unclaimed exchange should execute")
	}
}

func TestShouldExecuteOutOfScope(t *testing.T) {
	pctx := newTestContext(t, "https://other.example.com/v1/users")
	if pctx.ShouldExecute() {
		t.Error("out-of-scope URL should not execute")
	}
}

func TestClaimIsSingleWriter(t *testing.T) {
	s := &ResponseState{}
	s.Claim("first")
	s.Claim("second")
	if s.Owner() != "first" {
		t.Errorf("got owner %q, want first claimant to win", s.Owner())
	}
	if !s.Claimed() {
		t.Error("expected claimed")
	}
}

func TestClaimStopsLaterPlugins(t *testing.T) {
	m := NewManager(nil)
	order := []string{}
	for _, name := range []string{"a", "b", "c"} {
		n := name
		_ = m.Register(StageBeforeRequest, &mockPlugin{
			name: n,
			execFn: func(_ context.Context, pctx *Context) error {
				if !pctx.ShouldExecute() {
					return nil
				}
				order = append(order, n)
				if n == "b" {
					pctx.State.Claim(n)
				}
				return nil
			},
		})
	}

	pctx := newTestContext(t, "https://api.example.com/v1")
	m.Run(context.Background(), StageBeforeRequest, pctx)

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("got execution order %v, want [a b]", order)
	}
	if pctx.State.Owner() != "b" {
		t.Errorf("got owner %q, want b", pctx.State.Owner())
	}
}

func TestFaultIsolation(t *testing.T) {
	var faults []string
	m := NewManager(func(name string, _ Stage, _ error) { faults = append(faults, name) })

	ran := map[string]bool{}
	_ = m.Register(StageBeforeRequest, &mockPlugin{name: "ok1", execFn: func(_ context.Context, _ *Context) error {
		ran["ok1"] = true
		return nil
	}})
	_ = m.Register(StageBeforeRequest, &mockPlugin{name: "boom", execFn: func(_ context.Context, _ *Context) error {
		panic("kaput")
	}})
	_ = m.Register(StageBeforeRequest, &mockPlugin{name: "ok2", execFn: func(_ context.Context, _ *Context) error {
		ran["ok2"] = true
		return nil
	}})

	pctx := newTestContext(t, "https://api.example.com/v1")
	m.Run(context.Background(), StageBeforeRequest, pctx)

	if !ran["ok1"] || !ran["ok2"] {
		t.Errorf("healthy plugins must run despite a faulting neighbour: %v", ran)
	}
	if len(faults) != 1 || faults[0] != "boom" {
		t.Errorf("fault must be reported exactly once, got %v", faults)
	}
}

func TestCancellationStopsDispatch(t *testing.T) {
	m := NewManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ran := 0
	_ = m.Register(StageBeforeRequest, &mockPlugin{name: "first", execFn: func(_ context.Context, _ *Context) error {
		ran++
		cancel()
		return nil
	}})
	_ = m.Register(StageBeforeRequest, &mockPlugin{name: "second", execFn: func(_ context.Context, _ *Context) error {
		ran++
		return nil
	}})

	m.Run(ctx, StageBeforeRequest, newTestContext(t, "https://api.example.com/v1"))
	if ran != 1 {
		t.Errorf("got %d handler runs after cancellation, want 1", ran)
	}
}

func TestRegisterStdioRequiresStdioPlugin(t *testing.T) {
	m := NewManager(nil)
	if err := m.Register(StageBeforeStdio, httpOnlyPlugin{}); err == nil {
		t.Error("expected error registering a non-stdio plugin at a stdio stage")
	}
	if err := m.Register(StageBeforeStdio, &mockPlugin{name: "s"}); err != nil {
		t.Errorf("stdio-capable plugin should register: %v", err)
	}
}

type httpOnlyPlugin struct{}

func (httpOnlyPlugin) Name() string                                { return "http-only" }
func (httpOnlyPlugin) Init(_ map[string]interface{}) error         { return nil }
func (httpOnlyPlugin) Execute(_ context.Context, _ *Context) error { return nil }

func TestRunStdio(t *testing.T) {
	m := NewManager(nil)
	_ = m.Register(StageBeforeStdio, &mockPlugin{name: "echo", stdioFn: func(_ context.Context, sctx *StdioContext) error {
		if sctx.ShouldExecute() {
			sctx.Reply = []byte("intercepted")
			sctx.State.Claim("echo")
		}
		return nil
	}})

	sctx := NewStdioContext([]byte("ping"), DirectionToChild, Session{Command: "mcp-server", PID: 42}, NewGlobalStore(), nil)
	m.RunStdio(context.Background(), StageBeforeStdio, sctx)

	if !sctx.State.Claimed() || string(sctx.Reply) != "intercepted" {
		t.Errorf("expected claimed stdio exchange with reply, got claimed=%v reply=%q", sctx.State.Claimed(), sctx.Reply)
	}
}

func TestRegisterUnknownStage(t *testing.T) {
	m := NewManager(nil)
	if err := m.Register("invalid", &mockPlugin{name: "x"}); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestGlobalStoreConcurrentAccess(t *testing.T) {
	g := NewGlobalStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			g.Set("counter", n)
			_, _ = g.Get("counter")
		}(i)
	}
	wg.Wait()
	if _, ok := g.Get("counter"); !ok {
		t.Error("expected counter key present")
	}
}

func TestRegistry(t *testing.T) {
	RegisterFactory("test-plugin", func() Plugin { return &mockPlugin{name: "test-plugin"} })
	f, ok := GetFactory("test-plugin")
	if !ok {
		t.Fatal("factory not found")
	}
	if f().Name() != "test-plugin" {
		t.Error("factory produced wrong plugin")
	}
	found := false
	for _, n := range RegisteredPlugins() {
		if n == "test-plugin" {
			found = true
		}
	}
	if !found {
		t.Error("RegisteredPlugins missing test-plugin")
	}
}

func TestLogSinkReceivesEntries(t *testing.T) {
	var got []LogEntry
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/v1", nil)
	pctx := NewContext(req, nil, nil, func(e LogEntry) { got = append(got, e) })

	pctx.Log(LogEntry{Message: "handled", Category: CategoryIntercepted, PluginName: "mock"})

	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	e := got[0]
	if e.Method != http.MethodGet || e.URL != "https://api.example.com/v1" {
		t.Errorf("entry not filled from request: %+v", e)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp should be stamped")
	}
}
