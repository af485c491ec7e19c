// Package lifecycle keeps one logical proxy instance alive and
// reconfigurable: it watches the active configuration file for changes and
// coordinates the stop/restart handshake, and it tracks detached instances
// through a persisted state file so other invocations can find them.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ferro-labs/devproxy/internal/metrics"
)

// DefaultRestartDebounce suppresses duplicate restarts from the burst of
// events a single editor save produces.
const DefaultRestartDebounce = 500 * time.Millisecond

// Controller watches the active config file and coordinates restarts.
//
// Unlike the data file loader's restartable timer, the debounce here is a
// last-reload timestamp comparison: the first change event triggers the
// restart immediately and follow-up events inside the window are dropped.
type Controller struct {
	configPath  string
	debounce    time.Duration
	requestStop func()

	mu         sync.Mutex
	watcher    *fsnotify.Watcher
	lastReload time.Time
	restarting bool
	done       chan struct{}
}

// NewController creates a controller for configPath. requestStop asks the
// host application to begin a graceful stop; it is invoked at most once per
// restart cycle.
func NewController(configPath string, requestStop func()) *Controller {
	return &Controller{
		configPath:  configPath,
		debounce:    DefaultRestartDebounce,
		requestStop: requestStop,
	}
}

// Watch starts watching the config file. A missing file disables hot reload
// with a warning; the proxy keeps running on its last-known-good config.
func (c *Controller) Watch() error {
	if _, err := os.Stat(c.configPath); err != nil {
		slog.Warn("config file not found, hot reload disabled", "path", c.configPath)
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(c.configPath)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching config directory: %w", err)
	}

	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()

	go c.watchLoop(w)
	slog.Info("watching config file for changes", "path", c.configPath)
	return nil
}

func (c *Controller) watchLoop(w *fsnotify.Watcher) {
	base := filepath.Base(c.configPath)
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
			c.onConfigChanged()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

// onConfigChanged triggers a restart unless one was already triggered
// within the debounce window.
func (c *Controller) onConfigChanged() {
	c.mu.Lock()
	now := time.Now()
	if now.Sub(c.lastReload) < c.debounce {
		c.mu.Unlock()
		return
	}
	c.lastReload = now
	alreadyRestarting := c.restarting
	c.restarting = true
	if c.done == nil {
		c.done = make(chan struct{})
	}
	stop := c.requestStop
	c.mu.Unlock()

	if alreadyRestarting {
		return
	}
	slog.Info("config file changed, restarting proxy", "path", c.configPath)
	metrics.ConfigRestarts.Inc()
	if stop != nil {
		go stop()
	}
}

// IsRestarting reports whether a restart cycle is in progress.
func (c *Controller) IsRestarting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarting
}

// ShutdownComplete marks the restart handshake finished. Call it after the
// listener and system proxy registration are fully torn down; a supervisor
// awaiting the restart can then safely relaunch without racing the old
// instance.
func (c *Controller) ShutdownComplete() {
	c.mu.Lock()
	done := c.done
	c.done = nil
	c.mu.Unlock()
	if done != nil {
		close(done)
	}
}

// AwaitRestart blocks until ShutdownComplete or ctx is done. It returns
// immediately when no restart is in progress.
func (c *Controller) AwaitRestart(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	restarting := c.restarting
	c.mu.Unlock()
	if !restarting || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears the restarting flag and completion signal. Call it before
// each fresh run so restart state never leaks across in-process lifetimes,
// for example under a test harness.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarting = false
	c.done = nil
	c.lastReload = time.Time{}
}

// Close stops watching the config file.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		w := c.watcher
		c.watcher = nil
		return w.Close()
	}
	return nil
}
