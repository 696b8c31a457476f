// Package config handles configuration loading and management
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/stagehand/stagehand/pkg/types"
)

// CurrentVersion is the only config version this build understands
const CurrentVersion = "1.0"

// DefaultConfigNames are looked up in order when no path is given
var DefaultConfigNames = []string{"stagehand.yaml", "stagehand.yml", "stagehand.json"}

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// LoadConfig loads configuration from a JSON or YAML file
func (m *Manager) LoadConfig(path string) (*types.StagehandConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return m.ParseConfig(data)
}

// ParseConfig decodes and validates config bytes, trying JSON first
func (m *Manager) ParseConfig(data []byte) (*types.StagehandConfig, error) {
	var cfg types.StagehandConfig

	if err := json.Unmarshal(data, &cfg); err == nil {
		return m.validateConfig(&cfg)
	}

	cfg = types.StagehandConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config as JSON or YAML: %w", err)
	}
	return m.validateConfig(&cfg)
}

// ValidateConfig reports every problem in config at once
func (m *Manager) ValidateConfig(config *types.StagehandConfig) error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if config.Version != CurrentVersion {
		add("unsupported config version: %q", config.Version)
	}

	e := config.Engine
	if e.Workers < 0 {
		add("engine.workers must not be negative")
	}
	if e.CancelTimeout < 0 {
		add("engine.cancelTimeout must not be negative")
	}
	switch e.ContentionPolicy {
	case "", types.ContentionPolicyProject, types.ContentionPolicyStage, types.ContentionPolicyDeployGroup:
	default:
		add("invalid engine.contentionPolicy: %s", e.ContentionPolicy)
	}
	if e.ReplayLines < 0 || e.SubscriberBuffer < 0 || e.RetainFinished < 0 {
		add("engine stream limits must not be negative")
	}
	if config.Locks.SweepInterval < 0 {
		add("locks.sweepInterval must not be negative")
	}

	if addr := config.Server.Addr; addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add("invalid server.addr %q: %v", addr, err)
		}
	}

	if config.Logging != nil {
		switch config.Logging.Level {
		case "", types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
		default:
			add("invalid logging.level: %s", config.Logging.Level)
		}
	}

	seen := make(map[string]bool)
	for _, p := range config.Builds.DisabledProjects {
		if strings.TrimSpace(p) == "" {
			add("builds.disabledProjects contains an empty project")
		} else if seen[p] {
			add("duplicate project in builds.disabledProjects: %s", p)
		}
		seen[p] = true
	}

	return result.ErrorOrNil()
}

// GetDefaultConfig returns the configuration written by `stagehand init`
func (m *Manager) GetDefaultConfig() *types.StagehandConfig {
	enabled := true

	return &types.StagehandConfig{
		Version: CurrentVersion,
		Engine: types.EngineConfig{
			Enabled:          &enabled,
			Workers:          4,
			CancelTimeout:    5000,
			ContentionPolicy: types.ContentionPolicyStage,
			ReplayLines:      1000,
			SubscriberBuffer: 256,
			RetainFinished:   100,
		},
		Locks: types.LocksConfig{
			SweepInterval: 30000,
		},
		Server: types.ServerConfig{
			Addr: ":9080",
		},
		State: types.StateConfig{
			Dir: ".stagehand",
		},
		Notifications: &types.NotificationConfig{
			Enabled: &enabled,
		},
		Logging: &types.LoggingConfig{
			Level: types.LogLevelInfo,
		},
	}
}

// WriteConfig writes config as YAML, or JSON for a .json path
func (m *Manager) WriteConfig(path string, config *types.StagehandConfig) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(config, "", "  ")
	} else {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		err = enc.Encode(config)
		if err == nil {
			err = enc.Close()
		}
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// FindConfig returns the first default config file present in dir
func FindConfig(dir string) (string, bool) {
	for _, name := range DefaultConfigNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func (m *Manager) validateConfig(cfg *types.StagehandConfig) (*types.StagehandConfig, error) {
	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
