package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// InstanceState is the persisted record of a detached proxy instance. Other
// CLI invocations read it to discover and talk to the running process.
type InstanceState struct {
	PID        int       `json:"pid"`
	APIURL     string    `json:"apiUrl"`
	LogFile    string    `json:"logFile"`
	StartedAt  time.Time `json:"startedAt"`
	ConfigFile string    `json:"configFile"`
	Port       int       `json:"port"`
}

// StateManager persists instance state at a per-user configuration path.
type StateManager struct {
	dir   string
	alive func(pid int) bool
}

const stateFileName = "instance.json"

// NewStateManager creates a manager rooted at dir. An empty dir resolves to
// the per-user configuration directory (e.g. ~/.config/devproxy).
func NewStateManager(dir string) (*StateManager, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user config dir: %w", err)
		}
		dir = filepath.Join(base, "devproxy")
	}
	return &StateManager{dir: dir, alive: pidAlive}, nil
}

// Dir returns the directory holding the state file and logs.
func (m *StateManager) Dir() string { return m.dir }

func (m *StateManager) statePath() string { return filepath.Join(m.dir, stateFileName) }

// Save writes the state file, creating the directory if needed.
func (m *StateManager) Save(state InstanceState) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding instance state: %w", err)
	}
	if err := os.WriteFile(m.statePath(), data, 0o600); err != nil {
		return fmt.Errorf("writing instance state: %w", err)
	}
	return nil
}

// Load returns the recorded state, or nil if there is none. A record whose
// process is no longer alive is stale: Load deletes it and returns nil, so
// callers never have to validate staleness themselves. An unreadable or
// corrupt state file is likewise treated as "no instance".
func (m *StateManager) Load() (*InstanceState, error) {
	data, err := os.ReadFile(m.statePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		_ = m.Delete()
		return nil, nil
	}

	var state InstanceState
	if err := json.Unmarshal(data, &state); err != nil {
		_ = m.Delete()
		return nil, nil
	}

	if !m.alive(state.PID) {
		_ = m.Delete()
		return nil, nil
	}
	return &state, nil
}

// Delete removes the state file. A missing file is not an error.
func (m *StateManager) Delete() error {
	err := os.Remove(m.statePath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting instance state: %w", err)
	}
	return nil
}

// IsRunning reports whether a live detached instance is recorded.
func (m *StateManager) IsRunning() bool {
	state, _ := m.Load()
	return state != nil
}

// pidAlive probes the process with signal 0, which performs the permission
// and existence checks without delivering anything.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
