// Package config loads dapper's configuration: adapter definitions and
// engine settings from a TOML file, and per-project launch configurations
// from JSON or YAML, validated against a schema before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// DefaultFileName is the settings file looked up in the config directory.
const DefaultFileName = "dapper.toml"

// AdapterDef describes how to reach one debug adapter.
type AdapterDef struct {
	// Type selects the transport: "stdio" (default) or "socket".
	Type string `toml:"type"`
	// Command and Args launch a stdio adapter process.
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	// Address is the TCP address of a socket adapter.
	Address string `toml:"address"`
	// ID is the DAP adapterID sent in the initialize request; defaults to
	// the definition's name.
	ID string `toml:"id"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// TraceConfig controls the session trace store.
type TraceConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Config is the root of the TOML settings file.
type Config struct {
	// Adapters maps an adapter name to its definition.
	Adapters map[string]AdapterDef `toml:"adapters"`
	// BreakpointsFile is where the breakpoint set persists between runs.
	BreakpointsFile string `toml:"breakpoints_file"`
	// WatchSources enables rebinding breakpoints when source files change.
	WatchSources bool `toml:"watch_sources"`

	Log   LogConfig   `toml:"log"`
	Trace TraceConfig `toml:"trace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Adapters:        make(map[string]AdapterDef),
		BreakpointsFile: "breakpoints.json",
		WatchSources:    true,
		Log:             LogConfig{Level: "info"},
		Trace:           TraceConfig{Path: "dapper-trace.db"},
	}
}

// Load reads the settings file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultPath returns the settings path under the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return DefaultFileName
	}
	return filepath.Join(dir, "dapper", DefaultFileName)
}

func (c *Config) validate() error {
	for name, def := range c.Adapters {
		switch def.Type {
		case "", "stdio":
			if def.Command == "" {
				return fmt.Errorf("adapter %q: stdio adapter needs a command", name)
			}
		case "socket":
			if def.Address == "" {
				return fmt.Errorf("adapter %q: socket adapter needs an address", name)
			}
		default:
			return fmt.Errorf("adapter %q: unknown type %q", name, def.Type)
		}
	}
	return nil
}

// Adapter returns the named adapter definition with its defaults applied.
func (c *Config) Adapter(name string) (AdapterDef, error) {
	def, ok := c.Adapters[name]
	if !ok {
		return AdapterDef{}, fmt.Errorf("adapter %q is not configured", name)
	}
	if def.Type == "" {
		def.Type = "stdio"
	}
	if def.ID == "" {
		def.ID = name
	}
	return def, nil
}
