// Package config handles Herald configuration loading and validation.
// The dispatch core consumes a validated [Dispatch] struct; only the
// command-line front end touches files or the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Dispatch modes.
const (
	// ModeSequential runs selected capabilities one at a time, each
	// awaited to completion before the next starts.
	ModeSequential = "sequential"
	// ModeParallel fans out all selected capabilities concurrently and
	// joins before aggregation.
	ModeParallel = "parallel"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./herald.yaml, ~/.config/herald/herald.yaml, /etc/herald/herald.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"herald.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "herald", "herald.yaml"))
	}

	paths = append(paths, "/etc/herald/herald.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Herald configuration.
type Config struct {
	Dispatch     Dispatch           `yaml:"dispatch"`
	History      History            `yaml:"history"`
	MetricsPath  string             `yaml:"metrics_path"` // SQLite file; empty disables persistence
	LogLevel     string             `yaml:"log_level"`
	Capabilities []CapabilityConfig `yaml:"capabilities"`
}

// Dispatch defines the retry and fan-out behavior of the dispatch core.
type Dispatch struct {
	// Mode is "sequential" (default) or "parallel".
	Mode string `yaml:"mode"`
	// MaxAttempts is the per-capability attempt budget (>= 1).
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelayMS is the first retry delay in milliseconds (> 0);
	// attempt n waits BaseDelay * 2^(n-1).
	BaseDelayMS int `yaml:"base_delay_ms"`
	// TimeoutSec bounds each handler attempt in seconds. 0 disables
	// the per-attempt deadline.
	TimeoutSec int `yaml:"timeout_sec"`
	// MaxAuditLog is how many routing decisions to keep in memory.
	MaxAuditLog int `yaml:"max_audit_log"`
}

// BaseDelay returns the configured base delay as a duration.
func (d Dispatch) BaseDelay() time.Duration {
	return time.Duration(d.BaseDelayMS) * time.Millisecond
}

// Timeout returns the configured per-attempt timeout as a duration.
func (d Dispatch) Timeout() time.Duration {
	return time.Duration(d.TimeoutSec) * time.Second
}

// History defines conversation buffer settings.
type History struct {
	// Budget is the buffer's size budget in size-units (> 0).
	Budget int `yaml:"budget"`
}

// CapabilityConfig defines one demo capability for the console front
// end: a keyword trigger and a scripted reply. Library consumers
// register real handlers instead.
type CapabilityConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
	Reply       string   `yaml:"reply"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Dispatch: Dispatch{
			Mode:        ModeSequential,
			MaxAttempts: 3,
			BaseDelayMS: 250,
			TimeoutSec:  30,
			MaxAuditLog: 1000,
		},
		History:  History{Budget: 2048},
		LogLevel: "info",
		Capabilities: []CapabilityConfig{
			{
				Name:        "travel",
				Description: "Flight and hotel lookups",
				Keywords:    []string{"flight", "hotel"},
				Reply:       "Travel desk: looked into",
			},
			{
				Name:        "calendar",
				Description: "Meeting scheduling",
				Keywords:    []string{"meeting", "schedule"},
				Reply:       "Calendar desk: scheduled",
			},
			{
				Name:        "research",
				Description: "Research and summarization",
				Keywords:    []string{"research", "summarize"},
				Reply:       "Research desk: summarized",
			},
		},
	}
}

// Validate checks the fields the dispatch core depends on. A config
// that fails validation is a construction-time error; nothing in the
// dispatch path re-validates.
func (c *Config) Validate() error {
	if c.Dispatch.Mode != ModeSequential && c.Dispatch.Mode != ModeParallel {
		return fmt.Errorf("dispatch.mode must be %q or %q, got %q", ModeSequential, ModeParallel, c.Dispatch.Mode)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be >= 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Dispatch.BaseDelayMS <= 0 {
		return fmt.Errorf("dispatch.base_delay_ms must be > 0, got %d", c.Dispatch.BaseDelayMS)
	}
	if c.Dispatch.TimeoutSec < 0 {
		return fmt.Errorf("dispatch.timeout_sec must be >= 0, got %d", c.Dispatch.TimeoutSec)
	}
	if c.History.Budget <= 0 {
		return fmt.Errorf("history.budget must be > 0, got %d", c.History.Budget)
	}
	seen := make(map[string]bool)
	for _, cc := range c.Capabilities {
		if cc.Name == "" {
			return fmt.Errorf("capability with empty name")
		}
		if seen[cc.Name] {
			return fmt.Errorf("duplicate capability %q in config", cc.Name)
		}
		seen[cc.Name] = true
		if len(cc.Keywords) == 0 {
			return fmt.Errorf("capability %q has no keywords", cc.Name)
		}
	}
	return nil
}
