// Package loader gives plugins live-reloading access to an external JSON
// data file (mock definitions, rewrite rules, throttle overrides).
//
// The loader watches the file's directory, collapses bursts of editor save
// events with a trailing-edge debounce, optionally validates the document
// against its $schema reference, and only then hands the raw content to the
// plugin. Background file activity never crashes the proxy: read, parse and
// validation failures are logged and the previously loaded data stays intact.
package loader

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/ferro-labs/devproxy/internal/metrics"
)

// SupportedSchemaMajor is the schema major version this proxy understands.
// A data file referencing a different major version still loads, with a
// warning.
const SupportedSchemaMajor = 1

// DefaultDebounce is the delay applied after the last file-change event
// before a reload actually happens.
const DefaultDebounce = 300 * time.Millisecond

// ReloadFunc receives the validated raw file content. Returning an error
// means the plugin could not deserialize it; the loader logs and the
// plugin keeps its previous data.
type ReloadFunc func(data []byte) error

// Options tunes a DataFileLoader.
type Options struct {
	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration
	// SchemaResources maps schema URLs to local JSON schema documents,
	// avoiding network fetches (and enabling offline validation in tests).
	SchemaResources map[string]string
}

// DataFileLoader watches one plugin's data file and hot-reloads it.
type DataFileLoader struct {
	path       string
	pluginName string
	onReload   ReloadFunc
	opts       Options
	log        *slog.Logger

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	debounced func(func())
	disposed  bool
}

// New creates a loader for the given plugin and file path. onReload is
// invoked with the file's raw content after each successful validation.
func New(pluginName, path string, onReload ReloadFunc, opts Options) *DataFileLoader {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &DataFileLoader{
		path:       path,
		pluginName: pluginName,
		onReload:   onReload,
		opts:       opts,
		log:        slog.Default().With("plugin", pluginName, "dataFile", path),
		debounced:  debounce.New(opts.Debounce),
	}
}

// InitWatch performs the initial load and starts watching for changes.
// A missing file is not an error: the loader logs and keeps watching so
// the file can appear later.
func (l *DataFileLoader) InitWatch() error {
	if _, err := os.Stat(l.path); err != nil {
		l.log.Info("data file not found, watching for it to appear")
	} else {
		l.reload()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating data file watcher: %w", err)
	}
	// Watch the directory, not the file: editors typically replace files via
	// rename, which would silently drop a file-level watch.
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching data file directory: %w", err)
	}

	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	go l.watchLoop(w)
	return nil
}

func (l *DataFileLoader) watchLoop(w *fsnotify.Watcher) {
	base := filepath.Base(l.path)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			l.notify()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.log.Warn("data file watcher error", "error", err)
		}
	}
}

// notify registers a change event. The debounce timer restarts on every
// call; only after it elapses without another event does a reload run.
func (l *DataFileLoader) notify() {
	l.mu.Lock()
	disposed := l.disposed
	debounced := l.debounced
	l.mu.Unlock()
	if disposed {
		return
	}
	debounced(l.reload)
}

// reload reads, validates and delivers the file content. Any failure leaves
// the plugin's previously loaded data untouched.
func (l *DataFileLoader) reload() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		l.log.Error("reading data file failed, keeping previous data", "error", err)
		metrics.DataReloads.WithLabelValues(l.pluginName, "read_error").Inc()
		return
	}
	if !json.Valid(data) {
		l.log.Error("data file is not valid JSON, keeping previous data")
		metrics.DataReloads.WithLabelValues(l.pluginName, "invalid").Inc()
		return
	}

	if ok := l.validate(data); !ok {
		metrics.DataReloads.WithLabelValues(l.pluginName, "invalid").Inc()
		return
	}

	if err := l.onReload(data); err != nil {
		l.log.Error("plugin rejected reloaded data, keeping previous data", "error", err)
		metrics.DataReloads.WithLabelValues(l.pluginName, "invalid").Inc()
		return
	}
	l.log.Info("data file reloaded")
	metrics.DataReloads.WithLabelValues(l.pluginName, "ok").Inc()
}

// validate checks the document against its $schema reference. Returns false
// only when the document was validated and found invalid; an absent or
// unreachable schema skips validation.
func (l *DataFileLoader) validate(data []byte) bool {
	schemaURL := gjson.GetBytes(data, `\$schema`).String()
	if schemaURL == "" {
		l.log.Debug("no $schema reference, skipping validation")
		return true
	}

	if major, ok := schemaMajorVersion(schemaURL); ok && major != SupportedSchemaMajor {
		l.log.Warn("data file schema major version differs from supported version",
			"schema", schemaURL, "found", major, "supported", SupportedSchemaMajor)
	}

	compiler := jsonschema.NewCompiler()
	for url, doc := range l.opts.SchemaResources {
		if err := compiler.AddResource(url, strings.NewReader(doc)); err != nil {
			l.log.Warn("registering schema resource failed", "url", url, "error", err)
		}
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		l.log.Warn("schema could not be loaded, skipping validation", "schema", schemaURL, "error", err)
		return true
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		l.log.Error("data file failed to decode, keeping previous data", "error", err)
		return false
	}
	if err := schema.Validate(doc); err != nil {
		l.log.Error("data file failed schema validation, keeping previous data", "error", err)
		return false
	}
	return true
}

var schemaVersionRe = regexp.MustCompile(`/v(\d+)\.\d+`)

// schemaMajorVersion extracts the major version from a versioned schema URL
// such as https://example.com/schemas/v1.0/mocks.schema.json.
func schemaMajorVersion(url string) (int, bool) {
	m := schemaVersionRe.FindStringSubmatch(url)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Close stops watching and disposes the loader.
func (l *DataFileLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return nil
	}
	l.disposed = true
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
