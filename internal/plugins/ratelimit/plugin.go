// Package ratelimit provides a proxy plugin that simulates API rate limiting
// with a fixed-window request budget. Register it at both the before_request
// and after_response stages: the before stage throttles over-budget requests
// with a synthesized 429, the after stage injects rate-limit headers into
// real responses once the remaining budget drops below the warning threshold.
package ratelimit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ferro-labs/devproxy/plugin"
)

func init() {
	plugin.RegisterFactory("rate-limiter", func() plugin.Plugin {
		return New()
	})
}

const sessionKeyRemaining = "rate-limiter.remaining"

// Plugin enforces a fixed-window request budget with a per-destination
// penalty box layered on top.
type Plugin struct {
	window        time.Duration
	budget        int
	cost          int
	warnThreshold int // percent of budget
	retryAfter    time.Duration

	headerLimit      string
	headerRemaining  string
	headerReset      string
	headerRetryAfter string

	now func() time.Time

	mu            sync.Mutex
	initialized   bool
	remaining     int
	windowResetAt time.Time
	throttled     map[string]time.Time // throttle key -> deadline
}

// New creates a rate limiter with default settings; Init overrides them.
func New() *Plugin {
	return &Plugin{
		window:           60 * time.Second,
		budget:           120,
		cost:             2,
		warnThreshold:    80,
		retryAfter:       5 * time.Second,
		headerLimit:      "x-ratelimit-limit",
		headerRemaining:  "x-ratelimit-remaining",
		headerReset:      "x-ratelimit-reset",
		headerRetryAfter: "retry-after",
		now:              time.Now,
		throttled:        make(map[string]time.Time),
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string { return "rate-limiter" }

// Init reads config keys:
//   - window_seconds (default 60)
//   - budget (default 120)
//   - cost_per_request (default 2)
//   - warn_threshold_percent (default 80)
//   - retry_after_seconds (default 5)
//   - header_limit, header_remaining, header_reset, header_retry_after
func (p *Plugin) Init(config map[string]interface{}) error {
	var err error
	if p.window, err = durationSetting(config, "window_seconds", p.window); err != nil {
		return err
	}
	if p.budget, err = intSetting(config, "budget", p.budget); err != nil {
		return err
	}
	if p.cost, err = intSetting(config, "cost_per_request", p.cost); err != nil {
		return err
	}
	if p.warnThreshold, err = intSetting(config, "warn_threshold_percent", p.warnThreshold); err != nil {
		return err
	}
	if p.retryAfter, err = durationSetting(config, "retry_after_seconds", p.retryAfter); err != nil {
		return err
	}
	p.headerLimit = stringSetting(config, "header_limit", p.headerLimit)
	p.headerRemaining = stringSetting(config, "header_remaining", p.headerRemaining)
	p.headerReset = stringSetting(config, "header_reset", p.headerReset)
	p.headerRetryAfter = stringSetting(config, "header_retry_after", p.headerRetryAfter)

	if p.budget <= 0 {
		return fmt.Errorf("rate-limiter: budget must be positive")
	}
	if p.cost <= 0 {
		return fmt.Errorf("rate-limiter: cost_per_request must be positive")
	}
	if p.window <= 0 {
		return fmt.Errorf("rate-limiter: window_seconds must be positive")
	}
	return nil
}

// Execute runs the stage the dispatcher invoked the plugin at.
func (p *Plugin) Execute(_ context.Context, pctx *plugin.Context) error {
	switch pctx.Stage {
	case plugin.StageBeforeRequest:
		p.onRequest(pctx)
	case plugin.StageAfterResponse:
		p.onResponse(pctx)
	}
	return nil
}

// onRequest accounts the request against the window budget, throttling with
// a synthesized 429 when the budget is exhausted or the destination is in
// the penalty box.
func (p *Plugin) onRequest(pctx *plugin.Context) {
	if !pctx.ShouldExecute() {
		return
	}
	key := throttleKey(pctx.Request.URL)

	p.mu.Lock()
	now := p.now()
	if !p.initialized {
		p.remaining = p.budget
		p.windowResetAt = now.Add(p.window)
		p.initialized = true
	}

	// Penalty box: a destination throttled earlier stays throttled until its
	// deadline, regardless of the window-level budget.
	if deadline, ok := p.throttled[key]; ok {
		if now.Before(deadline) {
			retryIn := deadline.Sub(now)
			p.mu.Unlock()
			p.throttle(pctx, retryIn)
			return
		}
		delete(p.throttled, key)
	}

	// Hard reset at rollover: the full budget comes back even if the window
	// expired long ago. Remaining is never prorated or clamped at zero.
	if now.After(p.windowResetAt) {
		p.remaining = p.budget
		p.windowResetAt = now.Add(p.window)
	}

	p.remaining -= p.cost
	if p.remaining < 0 {
		p.throttled[key] = now.Add(p.retryAfter)
		p.mu.Unlock()
		p.throttle(pctx, p.retryAfter)
		return
	}

	remaining := p.remaining
	p.mu.Unlock()

	pctx.SessionData[sessionKeyRemaining] = remaining
}

// throttle claims the exchange and substitutes a 429 response.
func (p *Plugin) throttle(pctx *plugin.Context, retryIn time.Duration) {
	seconds := int(retryIn.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	header := http.Header{}
	header.Set(p.headerRetryAfter, strconv.Itoa(seconds))
	header.Set("Content-Type", "application/json")

	body := fmt.Sprintf(`{"error":{"code":429,"message":"Rate limit exceeded. Retry after %d seconds."}}`, seconds)
	pctx.Response = &http.Response{
		StatusCode:    http.StatusTooManyRequests,
		Status:        "429 Too Many Requests",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       pctx.Request,
	}
	pctx.State.Claim(p.Name())
	pctx.Log(plugin.LogEntry{
		Message:    fmt.Sprintf("request throttled, retry after %d seconds", seconds),
		Category:   plugin.CategoryFailed,
		PluginName: p.Name(),
	})
}

// onResponse injects rate-limit headers into the real response once the
// remaining budget is at or below the warning threshold.
func (p *Plugin) onResponse(pctx *plugin.Context) {
	if !pctx.ShouldExecute() || pctx.Response == nil {
		return
	}
	remaining, ok := pctx.SessionData[sessionKeyRemaining].(int)
	if !ok {
		return
	}
	if remaining > p.budget*p.warnThreshold/100 {
		return
	}

	p.mu.Lock()
	resetIn := int(p.windowResetAt.Sub(p.now()).Round(time.Second) / time.Second)
	p.mu.Unlock()
	if resetIn < 0 {
		resetIn = 0
	}

	h := pctx.Response.Header
	if h == nil {
		h = http.Header{}
		pctx.Response.Header = h
	}
	h.Set(p.headerLimit, strconv.Itoa(p.budget))
	h.Set(p.headerRemaining, strconv.Itoa(remaining))
	h.Set(p.headerReset, strconv.Itoa(resetIn))
	h.Set(p.headerRetryAfter, strconv.Itoa(int(p.retryAfter/time.Second)))

	// Browsers can only read the injected headers if they are listed in
	// Access-Control-Expose-Headers; merge with whatever is already there.
	if pctx.Request.Header.Get("Origin") != "" {
		p.mergeExposeHeaders(h)
	}

	pctx.Log(plugin.LogEntry{
		Message:    fmt.Sprintf("rate limit headers added, %d of %d remaining", remaining, p.budget),
		Category:   plugin.CategoryProcessed,
		PluginName: p.Name(),
	})
}

// mergeExposeHeaders appends the rate-limit header names to the response's
// CORS expose list without dropping names some other layer already exposed.
func (p *Plugin) mergeExposeHeaders(h http.Header) {
	existing := h.Get("Access-Control-Expose-Headers")
	present := make(map[string]bool)
	var names []string
	for _, n := range strings.Split(existing, ",") {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		present[strings.ToLower(n)] = true
		names = append(names, n)
	}
	for _, n := range []string{p.headerLimit, p.headerRemaining, p.headerReset, p.headerRetryAfter} {
		if !present[strings.ToLower(n)] {
			names = append(names, n)
		}
	}
	h.Set("Access-Control-Expose-Headers", strings.Join(names, ", "))
}

// throttleKey scopes the penalty box per destination: scheme, host and path,
// ignoring the query string.
func throttleKey(u *url.URL) string {
	return u.Scheme + "://" + u.Host + u.Path
}

func intSetting(config map[string]interface{}, key string, def int) (int, error) {
	v, ok := config[key]
	if !ok {
		return def, nil
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case float64:
		return int(val), nil
	default:
		return 0, fmt.Errorf("rate-limiter: %s must be a number", key)
	}
}

func durationSetting(config map[string]interface{}, key string, def time.Duration) (time.Duration, error) {
	seconds, err := intSetting(config, key, int(def/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

func stringSetting(config map[string]interface{}, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return def
}
