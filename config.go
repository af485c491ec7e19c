package devproxy

import (
	"github.com/ferro-labs/devproxy/internal/watch"
)

// Config holds the configuration for one proxy instance.
type Config struct {
	// Port is the interception listener port.
	Port int `json:"port" yaml:"port"`
	// APIPort is the control API listener port.
	APIPort int `json:"apiPort" yaml:"apiPort"`
	// URLsToWatch decides which URLs are in scope for plugins. An empty list
	// puts nothing in scope.
	URLsToWatch []watch.Pattern `json:"urlsToWatch" yaml:"urlsToWatch"`
	// Plugins configuration (optional).
	Plugins []PluginConfig `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	// Record starts the proxy with a recording session already open.
	Record bool `json:"record,omitempty" yaml:"record,omitempty"`
	// LogRetention bounds how long detached-instance log files are kept.
	LogRetention RetentionConfig `json:"logRetention,omitempty" yaml:"logRetention,omitempty"`
}

// PluginConfig holds one plugin's registration and settings.
type PluginConfig struct {
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	// Stages lists the pipeline stages the plugin attaches to
	// (before_request, after_response, before_stdio, after_stdio, on_error).
	Stages []string `json:"stages" yaml:"stages"`
	// DataFile optionally points at an external JSON data file that is
	// watched and hot-reloaded for the plugin.
	DataFile string                 `json:"dataFile,omitempty" yaml:"dataFile,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// RetentionConfig bounds the detached-instance log sweep. Files older than
// MaxAgeDays or beyond the MaxFiles most recent are deleted, whichever
// triggers first.
type RetentionConfig struct {
	MaxAgeDays int `json:"maxAgeDays,omitempty" yaml:"maxAgeDays,omitempty"`
	MaxFiles   int `json:"maxFiles,omitempty" yaml:"maxFiles,omitempty"`
}

// Default ports used when the config omits them.
const (
	DefaultPort    = 8000
	DefaultAPIPort = 8897
)

// withDefaults returns cfg with zero-valued fields filled in.
func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.APIPort == 0 {
		c.APIPort = DefaultAPIPort
	}
	if c.LogRetention.MaxAgeDays == 0 {
		c.LogRetention.MaxAgeDays = 7
	}
	if c.LogRetention.MaxFiles == 0 {
		c.LogRetention.MaxFiles = 10
	}
	return c
}
