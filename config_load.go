package devproxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/devproxy/plugin"
)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	cfg = cfg.withDefaults()
	return &cfg, nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.APIPort < 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("apiPort %d out of range", cfg.APIPort)
	}
	if cfg.Port != 0 && cfg.Port == cfg.APIPort {
		return fmt.Errorf("port and apiPort must differ")
	}

	for _, pc := range cfg.Plugins {
		if pc.Name == "" {
			return fmt.Errorf("plugin entry missing name")
		}
		if len(pc.Stages) == 0 {
			return fmt.Errorf("plugin %q has no stages", pc.Name)
		}
		for _, s := range pc.Stages {
			switch plugin.Stage(s) {
			case plugin.StageBeforeRequest, plugin.StageAfterResponse,
				plugin.StageBeforeStdio, plugin.StageAfterStdio, plugin.StageOnError:
			default:
				return fmt.Errorf("plugin %q has unknown stage %q", pc.Name, s)
			}
		}
	}

	if cfg.LogRetention.MaxAgeDays < 0 || cfg.LogRetention.MaxFiles < 0 {
		return fmt.Errorf("log retention bounds must not be negative")
	}
	return nil
}
