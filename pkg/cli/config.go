package cli

import (
	"time"
)

// Config holds the global flag values so commands share no package state
type Config struct {
	ConfigFile string
	Dir        string
	Verbosity  string
	Version    string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		Dir:       ".",
		Verbosity: "info",
	}
}

const (
	defaultStopGrace     = 30 * time.Second
	defaultClientTimeout = 5 * time.Second
)
