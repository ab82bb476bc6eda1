// Package config provides layered configuration loading for the swarmrun
// CLI: defaults, user config, project config, then command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete swarmrun CLI configuration.
type Config struct {
	NATS   NATSConfig   `yaml:"nats"`
	Agent  AgentConfig  `yaml:"agent"`
	Policy PolicyConfig `yaml:"policy"`
	Work   WorkConfig   `yaml:"work"`
	Log    LogConfig    `yaml:"log"`
}

// NATSConfig configures the JetStream connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = start an embedded server).
	URL string `yaml:"url"`
}

// AgentConfig configures the agent call surface.
type AgentConfig struct {
	// Endpoint is the HTTP agent service URL (empty = stub agents).
	Endpoint string `yaml:"endpoint"`
	// Timeout bounds one agent call.
	Timeout time.Duration `yaml:"timeout"`
}

// PolicyConfig locates governance policy layers.
type PolicyConfig struct {
	// Dir holds universal.yaml, org.yaml, and clients/<id>.yaml.
	Dir string `yaml:"dir"`
}

// WorkConfig configures agent workspaces.
type WorkConfig struct {
	// Dir is the root directory for per-phase agent workspaces.
	Dir string `yaml:"dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Timeout: 10 * time.Minute,
		},
		Work: WorkConfig{
			Dir: "work",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	if c.Work.Dir == "" {
		return fmt.Errorf("work.dir is required")
	}
	if c.Agent.Timeout < 0 {
		return fmt.Errorf("agent.timeout must not be negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return config, nil
}

// SaveToFile writes the configuration to a YAML file, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Merge overlays another config onto this one; non-zero values win.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.Agent.Endpoint != "" {
		c.Agent.Endpoint = other.Agent.Endpoint
	}
	if other.Agent.Timeout != 0 {
		c.Agent.Timeout = other.Agent.Timeout
	}
	if other.Policy.Dir != "" {
		c.Policy.Dir = other.Policy.Dir
	}
	if other.Work.Dir != "" {
		c.Work.Dir = other.Work.Dir
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}
