package lifecycle

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const logPrefix = "devproxy-"

// LogsDir returns the directory holding detached-instance log files.
func (m *StateManager) LogsDir() string { return filepath.Join(m.dir, "logs") }

// LogFilePath builds the log file path for a new detached instance,
// devproxy-<pid>-<timestamp>.log under the logs directory.
func (m *StateManager) LogFilePath(pid int, startedAt time.Time) string {
	name := fmt.Sprintf("%s%d-%s.log", logPrefix, pid, startedAt.Format("20060102-150405"))
	return filepath.Join(m.LogsDir(), name)
}

// CleanupLogs deletes log files older than maxAge or beyond the maxFiles
// most recent, whichever triggers first. Individual delete failures (a file
// still held open, say) are logged and do not abort the sweep. Zero bounds
// disable the respective check.
func (m *StateManager) CleanupLogs(maxAge time.Duration, maxFiles int) error {
	dir := m.LogsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading logs dir: %w", err)
	}

	type logFile struct {
		path    string
		modTime time.Time
	}
	var files []logFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), logPrefix) || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}

	// Newest first; everything past the count bound goes.
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	cutoff := time.Now().Add(-maxAge)
	for i, f := range files {
		overCount := maxFiles > 0 && i >= maxFiles
		tooOld := maxAge > 0 && f.modTime.Before(cutoff)
		if !overCount && !tooOld {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			slog.Warn("could not delete old log file", "path", f.path, "error", err)
		}
	}
	return nil
}
