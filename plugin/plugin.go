// Package plugin defines the Plugin interface and the pipeline stages used
// to hook into in-flight proxy exchanges.
//
// Plugins are registered by name via RegisterFactory and loaded by the proxy
// at startup. The plugin.Context (HTTP) or plugin.StdioContext (stdio) carries
// one exchange through each stage; plugins may rewrite the request or response
// and may claim the exchange, which suppresses the real network or process hop.
//
// Built-in plugins live in the internal/plugins/* packages and are registered
// by importing them with a blank import (e.g. _ "github.com/ferro-labs/devproxy/internal/plugins/ratelimit").
package plugin

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferro-labs/devproxy/internal/watch"
)

// Plugin is the interface all plugins must implement. Execute is invoked for
// HTTP exchange stages; plugins that also handle stdio exchanges implement
// StdioPlugin in addition.
type Plugin interface {
	Name() string
	Init(config map[string]interface{}) error
	Execute(ctx context.Context, pctx *Context) error
}

// StdioPlugin is implemented by plugins that subscribe to stdio stages.
type StdioPlugin interface {
	Plugin
	ExecuteStdio(ctx context.Context, sctx *StdioContext) error
}

// DataConsumer is implemented by plugins backed by an external data file.
// The proxy wires a hot-reloading file watcher to OnData; the plugin swaps
// its in-memory configuration only when it can deserialize the content, so
// a bad file never wipes the previous state.
type DataConsumer interface {
	OnData(data []byte) error
}

// Stage defines when a plugin runs in the exchange lifecycle.
type Stage string

// Stage constants define the dispatch points within the pipeline.
const (
	StageBeforeRequest Stage = "before_request"
	StageAfterResponse Stage = "after_response"
	StageBeforeStdio   Stage = "before_stdio"
	StageAfterStdio    Stage = "after_stdio"
	StageOnError       Stage = "on_error"
)

// Direction identifies which way a stdio message is travelling.
type Direction string

// Direction constants for stdio exchanges.
const (
	DirectionToChild    Direction = "to_child"
	DirectionFromStdout Direction = "from_stdout"
	DirectionFromStderr Direction = "from_stderr"
)

// Session describes the child process behind a stdio exchange.
type Session struct {
	Command string
	Args    []string
	PID     int
}

// ResponseState is the per-exchange claim token. Any plugin may set it
// exactly once to declare ownership of the response; once set it is never
// unset. Dispatch is sequential within one exchange, so the token itself
// needs no locking.
type ResponseState struct {
	claimed bool
	owner   string
}

// Claim marks the exchange as handled by the named plugin. Claiming an
// already-claimed exchange is a no-op; the first owner wins.
func (s *ResponseState) Claim(owner string) {
	if s.claimed {
		return
	}
	s.claimed = true
	s.owner = owner
}

// Claimed reports whether any plugin has taken ownership of the exchange.
func (s *ResponseState) Claimed() bool { return s.claimed }

// Owner returns the name of the claiming plugin, or "" if unclaimed.
func (s *ResponseState) Owner() string { return s.owner }

// GlobalStore is a string-keyed bag of values that persists across exchanges
// for the lifetime of the proxy. Values are typed at runtime by convention
// between plugins; reading a key back as the wrong type is a contract
// violation between plugins, not a framework bug.
type GlobalStore struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewGlobalStore creates an empty global store.
func NewGlobalStore() *GlobalStore {
	return &GlobalStore{values: make(map[string]interface{})}
}

// Get returns the value stored under key.
func (g *GlobalStore) Get(key string) (interface{}, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.values[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (g *GlobalStore) Set(key string, value interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[key] = value
}

// Delete removes key from the store.
func (g *GlobalStore) Delete(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.values, key)
}

// Len returns the number of stored keys.
func (g *GlobalStore) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.values)
}

// Category tags a log entry with the outcome it describes.
type Category string

// Category constants for exchange log entries.
const (
	CategoryProcessed   Category = "processed"
	CategorySkipped     Category = "skipped"
	CategoryFailed      Category = "failed"
	CategoryIntercepted Category = "intercepted"
	CategoryMocked      Category = "mocked"
)

// LogEntry is an immutable record of something a plugin did to an exchange.
// Entries are collected during recording sessions and flushed to reporters
// when the session ends.
type LogEntry struct {
	Message    string
	Category   Category
	Method     string
	URL        string
	Command    string
	PluginName string
	Timestamp  time.Time
}

// LogSink receives log entries produced by plugins during dispatch.
type LogSink func(entry LogEntry)

// Context carries one in-flight HTTP exchange through the pipeline.
//
// SessionData is scoped to this exchange only and lets a plugin pass values
// from its before stage to its after stage. Globals persists across exchanges.
type Context struct {
	ID          uuid.UUID
	Stage       Stage
	Request     *http.Request
	Response    *http.Response
	SessionData map[string]interface{}
	Globals     *GlobalStore
	State       *ResponseState
	Error       error

	matcher *watch.Matcher
	sink    LogSink
}

// NewContext creates a context for one HTTP exchange. matcher and sink come
// from the hosting proxy; either may be nil.
func NewContext(req *http.Request, globals *GlobalStore, matcher *watch.Matcher, sink LogSink) *Context {
	if globals == nil {
		globals = NewGlobalStore()
	}
	return &Context{
		ID:          uuid.New(),
		Request:     req,
		SessionData: make(map[string]interface{}),
		Globals:     globals,
		State:       &ResponseState{},
		matcher:     matcher,
		sink:        sink,
	}
}

// ShouldExecute is the check-before-act guard every plugin must apply:
// the exchange is unclaimed and its URL is in scope for the watch set.
func (c *Context) ShouldExecute() bool {
	if c.State.Claimed() {
		return false
	}
	if c.Request == nil || c.Request.URL == nil {
		return false
	}
	return c.matcher.IsInScope(c.Request.URL.String())
}

// Log hands a log entry to the hosting proxy's sink, stamping the time and
// filling method/URL from the request when absent.
func (c *Context) Log(entry LogEntry) {
	if c.sink == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Method == "" && c.Request != nil {
		entry.Method = c.Request.Method
	}
	if entry.URL == "" && c.Request != nil && c.Request.URL != nil {
		entry.URL = c.Request.URL.String()
	}
	c.sink(entry)
}

// StdioContext carries one stdio message exchange through the pipeline.
// Message is the raw payload travelling in Direction; a plugin that claims
// the exchange sets Reply, which is delivered instead of forwarding Message.
type StdioContext struct {
	ID          uuid.UUID
	Stage       Stage
	Message     []byte
	Reply       []byte
	Direction   Direction
	Session     Session
	SessionData map[string]interface{}
	Globals     *GlobalStore
	State       *ResponseState

	sink LogSink
}

// NewStdioContext creates a context for one stdio message.
func NewStdioContext(msg []byte, dir Direction, sess Session, globals *GlobalStore, sink LogSink) *StdioContext {
	if globals == nil {
		globals = NewGlobalStore()
	}
	return &StdioContext{
		ID:          uuid.New(),
		Message:     msg,
		Direction:   dir,
		Session:     sess,
		SessionData: make(map[string]interface{}),
		Globals:     globals,
		State:       &ResponseState{},
		sink:        sink,
	}
}

// ShouldExecute reports whether the exchange is still unclaimed. Stdio
// messages carry no URL, so watch scoping does not apply.
func (c *StdioContext) ShouldExecute() bool { return !c.State.Claimed() }

// Log hands a log entry to the hosting proxy's sink, stamping the time and
// the session command.
func (c *StdioContext) Log(entry LogEntry) {
	if c.sink == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Command == "" {
		entry.Command = c.Session.Command
	}
	c.sink(entry)
}
