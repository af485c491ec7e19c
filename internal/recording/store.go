// Package recording collects the log entries plugins produce during a
// recording session and flushes them to reporters when the session stops.
package recording

import (
	"context"
	"sync"

	"github.com/ferro-labs/devproxy/plugin"
)

// Reporter receives the batch of entries collected during one session.
type Reporter interface {
	Name() string
	Report(ctx context.Context, entries []plugin.LogEntry) error
}

// Store buffers log entries while a recording session is open. Adding an
// entry outside a session is a no-op, so plugins can log unconditionally.
type Store struct {
	mu        sync.Mutex
	recording bool
	entries   []plugin.LogEntry
	reporters []Reporter
}

// NewStore creates a store flushing to the given reporters.
func NewStore(reporters ...Reporter) *Store {
	return &Store{reporters: reporters}
}

// AddReporter registers an additional reporter.
func (s *Store) AddReporter(r Reporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporters = append(s.reporters, r)
}

// Start opens a recording session, discarding any leftover entries.
func (s *Store) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = true
	s.entries = nil
}

// Recording reports whether a session is open.
func (s *Store) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Add buffers an entry if a session is open.
func (s *Store) Add(e plugin.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording {
		return
	}
	s.entries = append(s.entries, e)
}

// Len returns the number of buffered entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop closes the session and flushes the collected entries to every
// reporter. Reporter failures don't stop the flush; the first error is
// returned after all reporters ran.
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	entries := s.entries
	reporters := make([]Reporter, len(s.reporters))
	copy(reporters, s.reporters)
	s.recording = false
	s.entries = nil
	s.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	var firstErr error
	for _, r := range reporters {
		if err := r.Report(ctx, entries); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
