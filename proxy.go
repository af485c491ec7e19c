// Package devproxy provides an interactive, extensible interception proxy
// core for simulating API behaviors against real application traffic.
//
// The Proxy type is the main entry point: create one with New, load plugins
// from config with LoadPlugins, and drive exchanges through the pipeline with
// Intercept (HTTP) or ProcessStdioMessage/ProcessStdioResult (stdio).
//
// Plugins hook into the exchange lifecycle at named stages and may claim an
// exchange, which suppresses the real network hop and serves the plugin's
// synthesized response instead. Which URLs are in scope is decided by the
// watch patterns in [Config], loaded from a YAML or JSON file via [LoadConfig].
package devproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ferro-labs/devproxy/internal/loader"
	"github.com/ferro-labs/devproxy/internal/logging"
	"github.com/ferro-labs/devproxy/internal/metrics"
	"github.com/ferro-labs/devproxy/internal/recording"
	"github.com/ferro-labs/devproxy/internal/watch"
	"github.com/ferro-labs/devproxy/plugin"
)

// Forwarder performs the real network hop for an unclaimed HTTP exchange.
// The default implementation round-trips through http.DefaultTransport; a
// MITM engine substitutes its own.
type Forwarder interface {
	Forward(ctx context.Context, req *http.Request) (*http.Response, error)
}

// TokenIssuer mints signed tokens on request, for clients that need a
// placeholder credential while developing against simulated APIs.
type TokenIssuer interface {
	IssueToken(claims map[string]interface{}, ttl time.Duration) (string, error)
}

// CertProvider exposes the root certificate the interception listener
// presents, so clients can fetch and trust it.
type CertProvider interface {
	RootCertPEM() ([]byte, error)
}

// Proxy is the orchestration core of one proxy instance. It owns the watch
// set, the plugin pipeline, the cross-exchange global store and the
// recording session; the listener and control API are thin layers on top.
type Proxy struct {
	config    Config
	matcher   *watch.Matcher
	plugins   *plugin.Manager
	globals   *plugin.GlobalStore
	recorder  *recording.Store
	forwarder Forwarder
	issuer    TokenIssuer
	certs     CertProvider
	loaders   []*loader.DataFileLoader
}

// New creates a Proxy for the given configuration. The watch patterns are
// compiled up front so an invalid pattern fails startup, not the first
// exchange.
func New(cfg Config) (*Proxy, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	matcher, err := watch.NewMatcher(cfg.URLsToWatch)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		config:   cfg,
		matcher:  matcher,
		globals:  plugin.NewGlobalStore(),
		recorder: recording.NewStore(),
	}
	p.plugins = plugin.NewManager(func(name string, stage plugin.Stage, err error) {
		metrics.PluginErrors.WithLabelValues(name, string(stage)).Inc()
		slog.Error("exception thrown in plugin handler", "plugin", name, "stage", stage, "error", err)
	})
	if cfg.Record {
		p.recorder.Start()
	}
	return p, nil
}

// SetForwarder installs the network hop used for unclaimed exchanges.
func (p *Proxy) SetForwarder(f Forwarder) { p.forwarder = f }

// SetTokenIssuer installs the issuer behind IssueToken.
func (p *Proxy) SetTokenIssuer(i TokenIssuer) { p.issuer = i }

// SetCertProvider installs the provider behind RootCertPEM.
func (p *Proxy) SetCertProvider(c CertProvider) { p.certs = c }

// AddReporter registers a recording reporter; entries collected during a
// session are flushed to it when the session stops.
func (p *Proxy) AddReporter(r recording.Reporter) { p.recorder.AddReporter(r) }

// Config returns a copy of the active configuration.
func (p *Proxy) Config() Config { return p.config }

// Matcher returns the compiled watch set.
func (p *Proxy) Matcher() *watch.Matcher { return p.matcher }

// LoadPlugins initializes and registers plugins from the configuration.
// Plugins backed by a data file get a hot-reloading watcher wired to their
// OnData hook before the first exchange runs.
func (p *Proxy) LoadPlugins() error {
	for _, pc := range p.config.Plugins {
		if !pc.Enabled {
			continue
		}
		factory, ok := plugin.GetFactory(pc.Name)
		if !ok {
			return fmt.Errorf("unknown plugin: %s", pc.Name)
		}
		pl := factory()
		if err := pl.Init(pc.Config); err != nil {
			return fmt.Errorf("plugin %s init failed: %w", pc.Name, err)
		}

		if pc.DataFile != "" {
			consumer, ok := pl.(plugin.DataConsumer)
			if !ok {
				return fmt.Errorf("plugin %s does not accept a data file", pc.Name)
			}
			l := loader.New(pc.Name, pc.DataFile, consumer.OnData, loader.Options{})
			if err := l.InitWatch(); err != nil {
				return fmt.Errorf("plugin %s data file watch failed: %w", pc.Name, err)
			}
			p.loaders = append(p.loaders, l)
		}

		for _, stage := range pc.Stages {
			if err := p.plugins.Register(plugin.Stage(stage), pl); err != nil {
				return fmt.Errorf("plugin %s register failed: %w", pc.Name, err)
			}
		}
	}
	return nil
}

// RegisterPlugin registers an already-initialized plugin at the given stage.
func (p *Proxy) RegisterPlugin(stage plugin.Stage, pl plugin.Plugin) error {
	return p.plugins.Register(stage, pl)
}

// ProcessRequest opens a new HTTP exchange and runs the before-request
// stage. The returned context carries the claim state: when claimed, the
// caller must skip the network hop and treat pctx.Response as the answer.
func (p *Proxy) ProcessRequest(ctx context.Context, req *http.Request) *plugin.Context {
	pctx := plugin.NewContext(req, p.globals, p.matcher, p.recorder.Add)
	p.runStage(ctx, plugin.StageBeforeRequest, pctx)
	return pctx
}

// ProcessResponse attaches the upstream response to the exchange and runs
// the after-response stage. For a claimed exchange resp is ignored and the
// synthesized response goes through the stage instead, so response-shaping
// plugins see mocked traffic too.
func (p *Proxy) ProcessResponse(ctx context.Context, pctx *plugin.Context, resp *http.Response) {
	if !pctx.State.Claimed() {
		pctx.Response = resp
	}
	p.runStage(ctx, plugin.StageAfterResponse, pctx)
}

// ProcessError runs the on-error stage for an exchange whose network hop
// failed.
func (p *Proxy) ProcessError(ctx context.Context, pctx *plugin.Context, err error) {
	pctx.Error = err
	p.runStage(ctx, plugin.StageOnError, pctx)
}

// Intercept drives one HTTP exchange through the full pipeline: the
// before-request stage, the network hop unless a plugin claimed the
// exchange, and the after-response stage. The returned response is the
// upstream's or the claiming plugin's.
func (p *Proxy) Intercept(ctx context.Context, req *http.Request) (*http.Response, error) {
	start := time.Now()
	log := logging.FromContext(ctx)

	pctx := p.ProcessRequest(ctx, req)

	if !pctx.State.Claimed() {
		resp, err := p.forward(ctx, req)
		if err != nil {
			p.ProcessError(ctx, pctx, err)
			metrics.ExchangesTotal.WithLabelValues("http", "error").Inc()
			log.Error("request failed",
				"method", req.Method,
				"url", req.URL.String(),
				"latency_ms", time.Since(start).Milliseconds(),
				"error", err.Error(),
			)
			return nil, err
		}
		pctx.Response = resp
	}

	p.runStage(ctx, plugin.StageAfterResponse, pctx)

	outcome := "processed"
	if pctx.State.Claimed() {
		outcome = "claimed"
	}
	metrics.ExchangesTotal.WithLabelValues("http", outcome).Inc()
	log.Info("request completed",
		"method", req.Method,
		"url", req.URL.String(),
		"claimed_by", pctx.State.Owner(),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return pctx.Response, nil
}

// ProcessStdioMessage opens a stdio exchange for one message and runs the
// before-stdio stage. A claimed exchange carries the reply to deliver in
// place of forwarding the message.
func (p *Proxy) ProcessStdioMessage(ctx context.Context, msg []byte, dir plugin.Direction, sess plugin.Session) *plugin.StdioContext {
	sctx := plugin.NewStdioContext(msg, dir, sess, p.globals, p.recorder.Add)
	p.runStdioStage(ctx, plugin.StageBeforeStdio, sctx)
	return sctx
}

// ProcessStdioResult runs the after-stdio stage once the message (or the
// claiming plugin's reply) has been delivered, and accounts the exchange.
func (p *Proxy) ProcessStdioResult(ctx context.Context, sctx *plugin.StdioContext) {
	p.runStdioStage(ctx, plugin.StageAfterStdio, sctx)

	outcome := "processed"
	if sctx.State.Claimed() {
		outcome = "claimed"
	}
	metrics.ExchangesTotal.WithLabelValues("stdio", outcome).Inc()
}

// MockRequest pushes a synthetic exchange through the pipeline, as if the
// client had issued it. It exists so a plugin-provided behavior can be
// triggered on demand from the control API; an exchange no plugin claims is
// an error rather than a real network call.
func (p *Proxy) MockRequest(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building mock request: %w", err)
	}

	pctx := p.ProcessRequest(ctx, req)
	if !pctx.State.Claimed() {
		metrics.ExchangesTotal.WithLabelValues("http", "unmatched").Inc()
		return nil, fmt.Errorf("no plugin handled mock request %s %s", method, url)
	}
	p.runStage(ctx, plugin.StageAfterResponse, pctx)
	metrics.ExchangesTotal.WithLabelValues("http", "claimed").Inc()
	return pctx.Response, nil
}

// StartRecording opens a recording session. Entries logged while no session
// is open are dropped, so this is safe to call at any time.
func (p *Proxy) StartRecording() { p.recorder.Start() }

// StopRecording closes the session and flushes the collected entries to all
// reporters.
func (p *Proxy) StopRecording(ctx context.Context) error { return p.recorder.Stop(ctx) }

// Recording reports whether a recording session is open.
func (p *Proxy) Recording() bool { return p.recorder.Recording() }

// IssueToken mints a token through the configured issuer.
func (p *Proxy) IssueToken(claims map[string]interface{}, ttl time.Duration) (string, error) {
	if p.issuer == nil {
		return "", fmt.Errorf("no token issuer configured")
	}
	return p.issuer.IssueToken(claims, ttl)
}

// RootCertPEM returns the interception root certificate in PEM form.
func (p *Proxy) RootCertPEM() ([]byte, error) {
	if p.certs == nil {
		return nil, fmt.Errorf("no certificate provider configured")
	}
	return p.certs.RootCertPEM()
}

// Stop flushes any open recording session and releases the data file
// watchers. The instance must not process exchanges afterwards.
func (p *Proxy) Stop(ctx context.Context) error {
	for _, l := range p.loaders {
		_ = l.Close()
	}
	if p.recorder.Recording() {
		return p.recorder.Stop(ctx)
	}
	return nil
}

func (p *Proxy) runStage(ctx context.Context, stage plugin.Stage, pctx *plugin.Context) {
	start := time.Now()
	p.plugins.Run(ctx, stage, pctx)
	metrics.DispatchDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

func (p *Proxy) runStdioStage(ctx context.Context, stage plugin.Stage, sctx *plugin.StdioContext) {
	start := time.Now()
	p.plugins.RunStdio(ctx, stage, sctx)
	metrics.DispatchDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

// forward performs the network hop through the configured Forwarder, or
// http.DefaultTransport when none is set.
func (p *Proxy) forward(ctx context.Context, req *http.Request) (*http.Response, error) {
	if p.forwarder != nil {
		return p.forwarder.Forward(ctx, req)
	}
	out := req.Clone(ctx)
	out.RequestURI = ""
	return http.DefaultTransport.RoundTrip(out)
}
